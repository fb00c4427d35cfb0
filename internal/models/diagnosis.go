package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DiagnosisStatus is the review workflow position of a diagnosis.
// Transitions are monotonic and forward-only.
type DiagnosisStatus string

const (
	DiagnosisStatusPending   DiagnosisStatus = "pending"
	DiagnosisStatusInReview  DiagnosisStatus = "in_review"
	DiagnosisStatusCompleted DiagnosisStatus = "completed"
	DiagnosisStatusArchived  DiagnosisStatus = "archived"
)

var diagnosisStatusRanks = map[DiagnosisStatus]int{
	DiagnosisStatusPending:   0,
	DiagnosisStatusInReview:  1,
	DiagnosisStatusCompleted: 2,
	DiagnosisStatusArchived:  3,
}

// IsValidDiagnosisStatus checks if the given status is known.
func IsValidDiagnosisStatus(s DiagnosisStatus) bool {
	_, ok := diagnosisStatusRanks[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward-only step.
func (s DiagnosisStatus) CanTransitionTo(next DiagnosisStatus) bool {
	from, okFrom := diagnosisStatusRanks[s]
	to, okTo := diagnosisStatusRanks[next]
	return okFrom && okTo && to > from
}

// Diagnosis is the handoff target created when a collection completes. The
// review pipeline beyond creation belongs to the medical team.
type Diagnosis struct {
	ID              uuid.UUID       `json:"id"`
	PatientID       string          `json:"patient_id"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	SymptomsSummary string          `json:"symptoms_summary"`
	AISuggestion    string          `json:"ai_suggestion,omitempty"`
	TeamNotes       string          `json:"team_notes,omitempty"`
	Priority        int             `json:"priority"`
	Status          DiagnosisStatus `json:"status"`
}

// Validate checks priority bounds and status validity.
func (d *Diagnosis) Validate() error {
	if d.Priority < 1 || d.Priority > 5 {
		return &ValidationError{Field: "priority", Value: itoa(d.Priority), Allowed: "1..5"}
	}
	if !IsValidDiagnosisStatus(d.Status) {
		return &ValidationError{Field: "status", Value: string(d.Status), Allowed: "pending|in_review|completed|archived"}
	}
	return nil
}

// SymptomSummary is one completed slot flattened for the diagnosis workflow.
type SymptomSummary struct {
	Order           int               `json:"order"`
	Symptom         string            `json:"symptom"`
	Category        string            `json:"category"`
	Severity        Severity          `json:"severity,omitempty"`
	Duration        string            `json:"duration,omitempty"`
	Frequency       string            `json:"frequency,omitempty"`
	Characteristics map[string]string `json:"characteristics,omitempty"`
	RelatedSymptoms []string          `json:"related_symptoms,omitempty"`
	ImpactScore     int               `json:"impact_score,omitempty"`
	Note            string            `json:"note,omitempty"`
}

// DiagnosisInput is the structured payload handed to the diagnosis workflow
// when a collection completes.
type DiagnosisInput struct {
	ConversationID uuid.UUID        `json:"conversation_id"`
	PatientID      string           `json:"patient_id"`
	RecorderID     string           `json:"recorder_id"`
	Symptoms       []SymptomSummary `json:"symptoms"`
}

// BuildDiagnosisInput flattens a conversation's symptom records into the
// handoff payload, ordered by collection order.
func BuildDiagnosisInput(c *Conversation) DiagnosisInput {
	symptoms := make([]SymptomSummary, 0, len(c.Symptoms))
	for i := range c.Symptoms {
		rec := &c.Symptoms[i]
		symptoms = append(symptoms, SymptomSummary{
			Order:           rec.CollectionOrder,
			Symptom:         rec.Detail.PrimarySymptom,
			Category:        rec.Detail.Category,
			Severity:        rec.Detail.Severity,
			Duration:        rec.Detail.Duration,
			Frequency:       rec.Detail.Frequency,
			Characteristics: rec.Detail.Characteristics,
			RelatedSymptoms: rec.Detail.RelatedSymptoms,
			ImpactScore:     rec.Detail.ImpactScore,
			Note:            rec.Note,
		})
	}
	sort.SliceStable(symptoms, func(i, j int) bool { return symptoms[i].Order < symptoms[j].Order })
	return DiagnosisInput{
		ConversationID: c.ID,
		PatientID:      c.PatientID,
		RecorderID:     c.InitiatorID,
		Symptoms:       symptoms,
	}
}

// Text renders the payload as the plain-language summary stored on the
// Diagnosis and fed to the suggestion model.
func (in DiagnosisInput) Text() string {
	var b strings.Builder
	for _, s := range in.Symptoms {
		fmt.Fprintf(&b, "%d. %s (%s)", s.Order, s.Symptom, s.Category)
		if s.Severity != "" {
			fmt.Fprintf(&b, ", severity %s", s.Severity)
		}
		if s.Duration != "" {
			fmt.Fprintf(&b, ", duration %s", s.Duration)
		}
		if s.Frequency != "" {
			fmt.Fprintf(&b, ", frequency %s", s.Frequency)
		}
		if s.ImpactScore > 0 {
			fmt.Fprintf(&b, ", impact %d/5", s.ImpactScore)
		}
		if len(s.RelatedSymptoms) > 0 {
			fmt.Fprintf(&b, ", related: %s", strings.Join(s.RelatedSymptoms, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Priority derives the review priority from the worst collected severity
// (none maps to 1, critical to 5).
func (in DiagnosisInput) Priority() int {
	worst := 0
	for _, s := range in.Symptoms {
		if r := s.Severity.Rank(); r > worst {
			worst = r
		}
	}
	return worst + 1
}
