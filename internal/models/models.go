// Package models defines the core data structures for symflow.
//
// It includes the conversation aggregate, symptom records, and the shared
// enumerations used across the taxonomy, rule engine, and API modules.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType defines what kind of dialogue a conversation holds.
type ConversationType string

const (
	// ConversationTypeGeneral is an unstructured caregiver conversation.
	ConversationTypeGeneral ConversationType = "general"
	// ConversationTypeSymptomCollection drives the structured symptom intake.
	ConversationTypeSymptomCollection ConversationType = "symptom_collection"
)

// IsValidConversationType checks if the given conversation type is supported.
func IsValidConversationType(ct ConversationType) bool {
	switch ct {
	case ConversationTypeGeneral, ConversationTypeSymptomCollection:
		return true
	default:
		return false
	}
}

// ConversationStatus represents the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationStatusInProgress indicates the conversation is active.
	ConversationStatusInProgress ConversationStatus = "in_progress"
	// ConversationStatusCompleted indicates collection finished normally.
	ConversationStatusCompleted ConversationStatus = "completed"
	// ConversationStatusInterrupted indicates the conversation was cancelled or timed out.
	ConversationStatusInterrupted ConversationStatus = "interrupted"
)

// MessageKind identifies who produced a message turn.
type MessageKind string

const (
	// MessageKindUser is free text from the caregiver or patient.
	MessageKindUser MessageKind = "user"
	// MessageKindSystem is an engine-generated notice (welcome, rejection).
	MessageKindSystem MessageKind = "system"
	// MessageKindAI is a follow-up question composed from the rule engine.
	MessageKindAI MessageKind = "ai"
)

// CollectionState represents the symptom-collection state machine position.
type CollectionState string

const (
	// StateAwaitingFocus means no symptom slot is open.
	StateAwaitingFocus CollectionState = "AWAITING_FOCUS"
	// StateCollectingCharacteristics means one slot is open and gathering detail fields.
	StateCollectingCharacteristics CollectionState = "COLLECTING_CHARACTERISTICS"
	// StateSlotComplete means the open slot has exhausted its questions.
	StateSlotComplete CollectionState = "SLOT_COMPLETE"
	// StateCollectionComplete is terminal: the quota of symptom slots is filled.
	StateCollectionComplete CollectionState = "COLLECTION_COMPLETE"
	// StateInterrupted is the absorbing cancellation state.
	StateInterrupted CollectionState = "INTERRUPTED"
)

// DefaultTargetSymptoms is the default collection quota per conversation.
const DefaultTargetSymptoms = 4

// Impact score bounds for SymptomDetail.ImpactScore.
const (
	MinImpactScore = 1
	MaxImpactScore = 5
)

// Severity is the five-level ordinal severity scale.
//
// The canonical representation is the string enum; ordinal comparisons go
// through Rank. Integer severities from older data map to Rank()+1.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityNone:     0,
	SeverityMild:     1,
	SeverityModerate: 2,
	SeveritySevere:   3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity (none=0 .. critical=4).
// Unknown severities rank below none.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// ParseSeverity validates a raw severity value against the ordinal set.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if _, ok := severityRanks[s]; !ok {
		return "", &ValidationError{Field: "severity", Value: raw, Allowed: "none|mild|moderate|severe|critical"}
	}
	return s, nil
}

// ValidateImpactScore checks the 1-5 impact-on-daily-life bound.
func ValidateImpactScore(score int) error {
	if score < MinImpactScore || score > MaxImpactScore {
		return &ValidationError{Field: "impact_score", Value: itoa(score), Allowed: "1..5"}
	}
	return nil
}

// Message represents one turn in a conversation. Append-only; ordering is by
// timestamp, strictly increasing per conversation.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Sender         string      `json:"sender"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	Kind           MessageKind `json:"kind"`
}

// SymptomDetail holds the characteristics gathered for one symptom record.
type SymptomDetail struct {
	Category        string            `json:"category"`
	PrimarySymptom  string            `json:"primary_symptom"`
	Severity        Severity          `json:"severity,omitempty"`
	Duration        string            `json:"duration,omitempty"`
	Frequency       string            `json:"frequency,omitempty"`
	Characteristics map[string]string `json:"characteristics,omitempty"`
	RelatedSymptoms []string          `json:"related_symptoms,omitempty"`
	ImpactScore     int               `json:"impact_score,omitempty"`
}

// Answered reports whether the given characteristic key has a collected value.
func (d *SymptomDetail) Answered(key string) bool {
	_, ok := d.Value(key)
	return ok
}

// SymptomRecord is one collected symptom slot within a conversation.
type SymptomRecord struct {
	ID                 uuid.UUID     `json:"id"`
	ConversationID     uuid.UUID     `json:"conversation_id"`
	PatientID          string        `json:"patient_id"`
	RecorderID         string        `json:"recorder_id"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Note               string        `json:"note,omitempty"`
	CollectionOrder    int           `json:"collection_order"`
	CollectionComplete bool          `json:"collection_complete"`
	Detail             SymptomDetail `json:"detail"`
}

// Conversation is the aggregate root for one caregiving dialogue. It
// exclusively owns its Messages and SymptomRecords; deleting the conversation
// removes both.
type Conversation struct {
	ID                     uuid.UUID          `json:"id"`
	PatientID              string             `json:"patient_id"`
	InitiatorID            string             `json:"initiator_id"`
	StartTime              time.Time          `json:"start_time"`
	EndTime                *time.Time         `json:"end_time,omitempty"`
	Status                 ConversationStatus `json:"status"`
	Type                   ConversationType   `json:"type"`
	State                  CollectionState    `json:"state"`
	SymptomsCollectedCount int                `json:"symptoms_collected_count"`
	TargetSymptomsCount    int                `json:"target_symptoms_count"`
	CurrentSymptomFocus    string             `json:"current_symptom_focus,omitempty"`
	CollectionComplete     bool               `json:"collection_complete"`
	Messages               []Message          `json:"messages,omitempty"`
	Symptoms               []SymptomRecord    `json:"symptoms,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Terminal reports whether the conversation accepts no further messages.
func (c *Conversation) Terminal() bool {
	return c.State == StateCollectionComplete || c.State == StateInterrupted
}

// OpenSlot returns the symptom record currently being collected, or nil when
// no slot is open.
func (c *Conversation) OpenSlot() *SymptomRecord {
	if c.CurrentSymptomFocus == "" {
		return nil
	}
	for i := range c.Symptoms {
		if !c.Symptoms[i].CollectionComplete && c.Symptoms[i].Detail.PrimarySymptom == c.CurrentSymptomFocus {
			return &c.Symptoms[i]
		}
	}
	return nil
}

// RecordedSymptoms returns the set of primary symptom names holding a slot,
// whether complete or still open.
func (c *Conversation) RecordedSymptoms() map[string]bool {
	recorded := make(map[string]bool, len(c.Symptoms))
	for i := range c.Symptoms {
		recorded[c.Symptoms[i].Detail.PrimarySymptom] = true
	}
	return recorded
}

// CollectedSymptom is one entry in the conversation summary.
type CollectedSymptom struct {
	Order    int    `json:"order"`
	Symptom  string `json:"symptom"`
	Complete bool   `json:"complete"`
}

// ConversationSummary is the JSON shape exposed by the API layer.
type ConversationSummary struct {
	ConversationID         uuid.UUID          `json:"conversation_id"`
	Status                 ConversationStatus `json:"status"`
	SymptomsCollectedCount int                `json:"symptoms_collected_count"`
	TargetSymptomsCount    int                `json:"target_symptoms_count"`
	CurrentSymptomFocus    string             `json:"current_symptom_focus,omitempty"`
	CollectedSymptoms      []CollectedSymptom `json:"collected_symptoms"`
}

// ConversationListItem is the row shape returned by conversation listings.
// Listings load no symptom records, so the per-symptom breakdown is left out.
type ConversationListItem struct {
	ConversationID         uuid.UUID          `json:"conversation_id"`
	PatientID              string             `json:"patient_id"`
	Status                 ConversationStatus `json:"status"`
	Type                   ConversationType   `json:"type"`
	State                  CollectionState    `json:"state"`
	SymptomsCollectedCount int                `json:"symptoms_collected_count"`
	TargetSymptomsCount    int                `json:"target_symptoms_count"`
	StartTime              time.Time          `json:"start_time"`
	EndTime                *time.Time         `json:"end_time,omitempty"`
}

// ListItem builds the listing row shape for the conversation.
func (c *Conversation) ListItem() ConversationListItem {
	return ConversationListItem{
		ConversationID:         c.ID,
		PatientID:              c.PatientID,
		Status:                 c.Status,
		Type:                   c.Type,
		State:                  c.State,
		SymptomsCollectedCount: c.SymptomsCollectedCount,
		TargetSymptomsCount:    c.TargetSymptomsCount,
		StartTime:              c.StartTime,
		EndTime:                c.EndTime,
	}
}

// Summary builds the API summary shape for the conversation.
func (c *Conversation) Summary() ConversationSummary {
	collected := make([]CollectedSymptom, 0, len(c.Symptoms))
	for i := range c.Symptoms {
		rec := &c.Symptoms[i]
		collected = append(collected, CollectedSymptom{
			Order:    rec.CollectionOrder,
			Symptom:  rec.Detail.PrimarySymptom,
			Complete: rec.CollectionComplete,
		})
	}
	return ConversationSummary{
		ConversationID:         c.ID,
		Status:                 c.Status,
		SymptomsCollectedCount: c.SymptomsCollectedCount,
		TargetSymptomsCount:    c.TargetSymptomsCount,
		CurrentSymptomFocus:    c.CurrentSymptomFocus,
		CollectedSymptoms:      collected,
	}
}

// Extraction is the structured result of NLU over one inbound message.
// A zero Extraction means "no information extracted".
type Extraction struct {
	PrimarySymptom        string            `json:"primary_symptom,omitempty"`
	CharacteristicAnswers map[string]string `json:"characteristic_answers,omitempty"`
}

// Empty reports whether the extraction carries no usable signal.
func (e Extraction) Empty() bool {
	return e.PrimarySymptom == "" && len(e.CharacteristicAnswers) == 0
}
