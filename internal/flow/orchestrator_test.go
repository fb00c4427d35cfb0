package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/symflow/internal/models"
	"github.com/caretrail/symflow/internal/store"
	"github.com/caretrail/symflow/internal/taxonomy"
)

// scriptedExtractor returns queued extractions in order, repeating the last
// one when the queue runs out.
type scriptedExtractor struct {
	queue []models.Extraction
	errs  []error
	calls int
}

func (s *scriptedExtractor) Extract(ctx context.Context, text string, history []models.Message) (models.Extraction, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return models.Extraction{}, s.errs[i]
	}
	if len(s.queue) == 0 {
		return models.Extraction{}, nil
	}
	if i >= len(s.queue) {
		i = len(s.queue) - 1
	}
	return s.queue[i], nil
}

type fixedSuggester struct{ note string }

func (f *fixedSuggester) Suggest(ctx context.Context, summary string) (string, error) {
	return f.note, nil
}

// writeTaxonomy writes a catalog file and loads it.
func writeTaxonomy(t *testing.T, body string) *taxonomy.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxonomy.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	tax, err := taxonomy.Load(path)
	if err != nil {
		t.Fatalf("failed to load test taxonomy: %v", err)
	}
	return tax
}

// severityOnlyTaxonomy needs a single required characteristic per slot and
// defines no relationship rules.
const severityOnlyTaxonomy = `{
	"characteristics": [
		{"category": "general", "key": "severity", "display_name": "severity",
		 "kind": "single_select", "options": ["none", "mild", "moderate", "severe", "critical"],
		 "required": true, "prompts": ["How severe is it?"]}
	],
	"rules": [],
	"symptom_categories": {
		"cough": "general", "fever": "general", "fatigue": "general", "nausea": "general"
	}
}`

func newTestOrchestrator(t *testing.T, tax *taxonomy.Store, extractor Extractor, opts ...OrchestratorOption) (*Orchestrator, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	handoff := NewHandoffAdapter(st, &fixedSuggester{note: "review respiratory findings first"})
	base := []OrchestratorOption{WithSessionTimeout(0)}
	o := NewOrchestrator(st, tax, extractor, handoff, append(base, opts...)...)
	return o, st
}

func TestStartConversationPostsWelcome(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	o, st := newTestOrchestrator(t, tax, &scriptedExtractor{})

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 4)
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	stored, err := st.GetConversation(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("conversation not persisted")
	}
	if len(stored.Messages) != 1 || stored.Messages[0].Kind != models.MessageKindSystem {
		t.Fatalf("expected one system welcome message, got %+v", stored.Messages)
	}
	if stored.State != models.StateAwaitingFocus {
		t.Errorf("state = %s", stored.State)
	}
}

// One turn names the symptom and answers every required characteristic; with
// no relationship rules and a quota of one the engine finishes immediately.
func TestSingleTurnCompletion(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "severe"}},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 1)
	if err != nil {
		t.Fatal(err)
	}

	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "the patient has a severe cough")
	if err != nil {
		t.Fatalf("HandleInboundMessage failed: %v", err)
	}
	if result.Kind != ResultCollectionFinished {
		t.Fatalf("result kind = %s, want collection_finished", result.Kind)
	}
	if result.Summary == nil || result.Summary.SymptomsCollectedCount != 1 {
		t.Fatalf("summary = %+v", result.Summary)
	}
	if result.Diagnosis == nil {
		t.Fatal("expected a diagnosis from the handoff")
	}
	if result.Diagnosis.Status != models.DiagnosisStatusPending {
		t.Errorf("diagnosis status = %s, want pending", result.Diagnosis.Status)
	}
	if result.Diagnosis.Priority != 4 {
		t.Errorf("diagnosis priority = %d, want 4 for severe", result.Diagnosis.Priority)
	}
	if result.Diagnosis.AISuggestion == "" {
		t.Error("suggestion not attached")
	}

	stored, _ := st.GetConversation(c.ID)
	if stored.State != models.StateCollectionComplete {
		t.Errorf("stored state = %s", stored.State)
	}
	diagnoses, err := st.ListDiagnoses("patient-1")
	if err != nil || len(diagnoses) != 1 {
		t.Fatalf("diagnoses = %v, err %v", diagnoses, err)
	}
}

func TestMessageToTerminalConversationIsRejected(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "mild"}},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "mild cough"); err != nil {
		t.Fatal(err)
	}

	before, _ := st.GetConversation(c.ID)
	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "one more thing")
	if err != nil {
		t.Fatalf("rejection is a result, not an error: %v", err)
	}
	if result.Kind != ResultRejected {
		t.Fatalf("result kind = %s, want rejected", result.Kind)
	}
	if result.Reason != "conversation finalized" {
		t.Errorf("reason = %q", result.Reason)
	}

	after, _ := st.GetConversation(c.ID)
	if len(after.Messages) != len(before.Messages) {
		t.Error("terminal conversation was mutated")
	}
}

func TestInvalidSeverityReasksWithoutWriting(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "extreme"}},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}

	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "extremely bad cough")
	if err != nil {
		t.Fatalf("validation failure should re-ask, not error: %v", err)
	}
	if result.Kind != ResultNextPrompt {
		t.Fatalf("result kind = %s", result.Kind)
	}
	if !strings.Contains(result.Prompt, "severity") {
		t.Errorf("re-ask should name the field: %q", result.Prompt)
	}

	stored, _ := st.GetConversation(c.ID)
	slot := stored.OpenSlot()
	if slot == nil {
		t.Fatal("slot should stay open")
	}
	if slot.Detail.Severity != "" {
		t.Errorf("severity written despite rejection: %s", slot.Detail.Severity)
	}
}

func TestEmptyExtractionReasksForFocus(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	o, _ := newTestOrchestrator(t, tax, &scriptedExtractor{})

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}
	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "hello?")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != ResultNextPrompt {
		t.Fatalf("result kind = %s", result.Kind)
	}
	if !strings.Contains(result.Prompt, "symptom") {
		t.Errorf("prompt should ask for a symptom: %q", result.Prompt)
	}
}

func TestCancelMidCollection(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "mild"}},
		{PrimarySymptom: "fever", CharacteristicAnswers: map[string]string{"severity": "moderate"}},
		{PrimarySymptom: "fatigue", CharacteristicAnswers: map[string]string{"severity": "mild"}},
		{PrimarySymptom: "nausea"},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"cough", "fever too", "also tired", "and nausea"} {
		if _, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", text); err != nil {
			t.Fatalf("message %q failed: %v", text, err)
		}
	}

	cancelled, err := o.Cancel(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.ConversationStatusInterrupted {
		t.Errorf("status = %s", cancelled.Status)
	}
	if cancelled.SymptomsCollectedCount != 3 {
		t.Errorf("count = %d, want 3", cancelled.SymptomsCollectedCount)
	}

	stored, _ := st.GetConversation(c.ID)
	if len(stored.Symptoms) != 4 {
		t.Fatalf("expected 4 records (one partial), got %d", len(stored.Symptoms))
	}
	if stored.Symptoms[3].CollectionComplete {
		t.Error("partial slot 4 must persist with collection_complete=false")
	}

	// Idempotent: cancelling again changes nothing.
	again, err := o.Cancel(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.UpdatedAt != cancelled.UpdatedAt {
		t.Error("second cancel mutated the conversation")
	}

	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "still there?")
	if err != nil || result.Kind != ResultRejected {
		t.Errorf("message after interrupt should be rejected, got %+v, %v", result, err)
	}
}

func TestRelatedSymptomProposedAsNextSlot(t *testing.T) {
	tax := writeTaxonomy(t, `{
		"characteristics": [
			{"category": "general", "key": "severity", "display_name": "severity",
			 "kind": "single_select", "options": ["mild", "moderate", "severe"],
			 "required": true, "prompts": ["How severe?"]}
		],
		"rules": [
			{"primary_symptom": "cough", "related": ["fever"], "when": {"kind": "always"}, "priority": 1}
		],
		"symptom_categories": {"cough": "general", "fever": "general"}
	}`)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "moderate"}},
		{PrimarySymptom: "fever", CharacteristicAnswers: map[string]string{"severity": "mild"}},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}

	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "moderate cough")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != ResultNextPrompt || !strings.Contains(result.Prompt, "fever") {
		t.Fatalf("expected related-symptom prompt naming fever, got %+v", result)
	}

	stored, _ := st.GetConversation(c.ID)
	if stored.State != models.StateAwaitingFocus {
		t.Errorf("state = %s, want AWAITING_FOCUS after slot close", stored.State)
	}
	if got := stored.Symptoms[0].Detail.RelatedSymptoms; len(got) != 1 || got[0] != "fever" {
		t.Errorf("fever not flagged on the closed slot: %v", got)
	}

	result, err = o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "yes, mild fever")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != ResultCollectionFinished {
		t.Fatalf("result kind = %s, want collection_finished", result.Kind)
	}
}

// Message timestamps within one conversation are strictly increasing in
// append order.
func TestMessageTimestampsStrictlyIncreasing(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough"},
		{CharacteristicAnswers: map[string]string{"severity": "mild"}},
	}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"cough", "it's mild"} {
		if _, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", text); err != nil {
			t.Fatal(err)
		}
	}

	stored, _ := st.GetConversation(c.ID)
	if len(stored.Messages) < 4 {
		t.Fatalf("expected at least 4 messages, got %d", len(stored.Messages))
	}
	for i := 1; i < len(stored.Messages); i++ {
		if !stored.Messages[i].Timestamp.After(stored.Messages[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at index %d", i)
		}
	}
}

func TestExtractionRetriesThenSucceeds(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{
		errs: []error{errors.New("transient"), errors.New("transient")},
		queue: []models.Extraction{
			{}, {}, {PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "mild"}},
		},
	}
	o, _ := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 1)
	if err != nil {
		t.Fatal(err)
	}
	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "mild cough")
	if err != nil {
		t.Fatalf("expected retries to recover: %v", err)
	}
	if result.Kind != ResultCollectionFinished {
		t.Errorf("result kind = %s", result.Kind)
	}
	if extractor.calls != 3 {
		t.Errorf("extractor calls = %d, want 3", extractor.calls)
	}
}

func TestExtractionGivesUpAfterMaxAttempts(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	boom := &models.ExternalServiceError{Service: "nlu", Err: errors.New("down")}
	extractor := &scriptedExtractor{errs: []error{boom, boom, boom}}
	o, st := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "cough")
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	var extErr *models.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Errorf("expected wrapped ExternalServiceError, got %v", err)
	}
	if extractor.calls != 3 {
		t.Errorf("extractor calls = %d, want 3", extractor.calls)
	}

	// Collection state is unchanged; only the inbound message was appended.
	stored, _ := st.GetConversation(c.ID)
	if stored.State != models.StateAwaitingFocus || len(stored.Symptoms) != 0 {
		t.Errorf("state mutated despite extraction failure: %s, %d records", stored.State, len(stored.Symptoms))
	}
}

func TestDuplicateSymptomReasks(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	extractor := &scriptedExtractor{queue: []models.Extraction{
		{PrimarySymptom: "cough", CharacteristicAnswers: map[string]string{"severity": "mild"}},
		{PrimarySymptom: "cough"},
	}}
	o, _ := newTestOrchestrator(t, tax, extractor)

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "mild cough"); err != nil {
		t.Fatal(err)
	}
	result, err := o.HandleInboundMessage(context.Background(), c.ID, "caregiver-1", "the cough again")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != ResultNextPrompt || !strings.Contains(result.Prompt, "already recorded") {
		t.Errorf("duplicate symptom should re-ask, got %+v", result)
	}
}

func TestSessionTimeoutInterrupts(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	o, st := newTestOrchestrator(t, tax, &scriptedExtractor{}, WithSessionTimeout(30*time.Millisecond))
	defer o.Stop()

	c, err := o.StartConversation(context.Background(), "patient-1", "caregiver-1", models.ConversationTypeSymptomCollection, 2)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := st.GetConversation(c.ID)
		if stored.Status == models.ConversationStatusInterrupted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("conversation not interrupted after session timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleInboundMessageUnknownConversation(t *testing.T) {
	tax := writeTaxonomy(t, severityOnlyTaxonomy)
	o, _ := newTestOrchestrator(t, tax, &scriptedExtractor{})

	_, err := o.HandleInboundMessage(context.Background(), uuid.New(), "caregiver-1", "hello")
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}
