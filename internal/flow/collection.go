// Package flow implements the symptom-collection conversation engine: the
// state machine over one conversation's symptom slots, the orchestrator that
// mediates inbound messages, and the handoff to the diagnosis workflow.
package flow

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/symflow/internal/models"
)

// NewConversation builds a fresh conversation in the AwaitingFocus state. An
// unset type falls back to symptom collection, a non-positive target to the
// default quota.
func NewConversation(patientID, initiatorID string, ctype models.ConversationType, target int, now time.Time) *models.Conversation {
	if ctype == "" {
		ctype = models.ConversationTypeSymptomCollection
	}
	if target <= 0 {
		target = models.DefaultTargetSymptoms
	}
	return &models.Conversation{
		ID:                  uuid.New(),
		PatientID:           patientID,
		InitiatorID:         initiatorID,
		StartTime:           now,
		Status:              models.ConversationStatusInProgress,
		Type:                ctype,
		State:               models.StateAwaitingFocus,
		TargetSymptomsCount: target,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// OpenSlot transitions AwaitingFocus to CollectingCharacteristics by creating
// a new symptom record with collection_order = symptoms_collected_count + 1.
func OpenSlot(c *models.Conversation, symptom, category string, now time.Time) (*models.SymptomRecord, error) {
	if c.Terminal() {
		return nil, models.ErrConversationFinalized
	}
	if c.SymptomsCollectedCount >= c.TargetSymptomsCount {
		return nil, models.ErrQuotaReached
	}

	rec := models.SymptomRecord{
		ID:              uuid.New(),
		ConversationID:  c.ID,
		PatientID:       c.PatientID,
		RecorderID:      c.InitiatorID,
		CreatedAt:       now,
		UpdatedAt:       now,
		CollectionOrder: c.SymptomsCollectedCount + 1,
		Detail: models.SymptomDetail{
			Category:       category,
			PrimarySymptom: symptom,
		},
	}
	c.Symptoms = append(c.Symptoms, rec)
	c.CurrentSymptomFocus = symptom
	c.State = models.StateCollectingCharacteristics
	c.UpdatedAt = now

	slog.Info("flow.OpenSlot: symptom slot opened", "conversationID", c.ID,
		"symptom", symptom, "order", rec.CollectionOrder)
	return &c.Symptoms[len(c.Symptoms)-1], nil
}

// ApplyAnswers writes extracted characteristic answers onto the open slot's
// detail. Every value is validated before any write: an out-of-range severity
// or impact score rejects the whole batch and leaves the detail untouched.
func ApplyAnswers(c *models.Conversation, answers map[string]string, now time.Time) error {
	slot := c.OpenSlot()
	if slot == nil {
		return models.ErrNoOpenSlot
	}
	if len(answers) == 0 {
		return nil
	}

	staged := make(map[string]string, len(answers))
	for key, raw := range answers {
		switch key {
		case models.CharacteristicKeySeverity:
			if _, err := models.ParseSeverity(raw); err != nil {
				return err
			}
		case models.CharacteristicKeyImpactScore:
			score, err := strconv.Atoi(raw)
			if err != nil {
				return &models.ValidationError{Field: models.CharacteristicKeyImpactScore, Value: raw, Allowed: "1..5"}
			}
			if err := models.ValidateImpactScore(score); err != nil {
				return err
			}
		}
		staged[key] = raw
	}

	for key, raw := range staged {
		switch key {
		case models.CharacteristicKeySeverity:
			slot.Detail.Severity = models.Severity(raw)
		case models.CharacteristicKeyDuration:
			slot.Detail.Duration = raw
		case models.CharacteristicKeyFrequency:
			slot.Detail.Frequency = raw
		case models.CharacteristicKeyImpactScore:
			slot.Detail.ImpactScore, _ = strconv.Atoi(raw)
		default:
			if slot.Detail.Characteristics == nil {
				slot.Detail.Characteristics = make(map[string]string)
			}
			slot.Detail.Characteristics[key] = raw
		}
	}
	slot.UpdatedAt = now
	c.UpdatedAt = now

	slog.Debug("flow.ApplyAnswers: answers applied", "conversationID", c.ID,
		"symptom", slot.Detail.PrimarySymptom, "answerCount", len(staged))
	return nil
}

// FlagRelated records a related-symptom name surfaced while questioning the
// open slot. Flagged names are not re-proposed for the same slot.
func FlagRelated(slot *models.SymptomRecord, symptom string, now time.Time) {
	for _, s := range slot.Detail.RelatedSymptoms {
		if s == symptom {
			return
		}
	}
	slot.Detail.RelatedSymptoms = append(slot.Detail.RelatedSymptoms, symptom)
	slot.UpdatedAt = now
}

// CloseSlot runs the SlotComplete transition: the open record is marked
// complete, the collected count increments, and the conversation lands in
// AwaitingFocus, or in the terminal CollectionComplete state when the count
// reaches the target.
func CloseSlot(c *models.Conversation, now time.Time) error {
	slot := c.OpenSlot()
	if slot == nil {
		return models.ErrNoOpenSlot
	}
	if c.SymptomsCollectedCount >= c.TargetSymptomsCount {
		return models.ErrQuotaReached
	}

	slot.CollectionComplete = true
	slot.UpdatedAt = now
	c.SymptomsCollectedCount++
	c.CurrentSymptomFocus = ""
	c.State = models.StateSlotComplete
	c.UpdatedAt = now

	slog.Info("flow.CloseSlot: symptom slot closed", "conversationID", c.ID,
		"symptom", slot.Detail.PrimarySymptom, "collected", c.SymptomsCollectedCount,
		"target", c.TargetSymptomsCount)

	if c.SymptomsCollectedCount == c.TargetSymptomsCount {
		finishCollection(c, now)
		return nil
	}
	c.State = models.StateAwaitingFocus
	return nil
}

// finishCollection moves the conversation into the terminal
// CollectionComplete state.
func finishCollection(c *models.Conversation, now time.Time) {
	c.State = models.StateCollectionComplete
	c.Status = models.ConversationStatusCompleted
	c.CollectionComplete = true
	c.EndTime = &now
	c.UpdatedAt = now
	slog.Info("flow.finishCollection: collection complete", "conversationID", c.ID,
		"collected", c.SymptomsCollectedCount)
}

// Interrupt moves any non-terminal conversation into the absorbing
// Interrupted state. Partially filled symptom records stay persisted with
// collection_complete=false for audit. Returns false when the conversation
// was already terminal (idempotent no-op).
func Interrupt(c *models.Conversation, now time.Time) bool {
	if c.Terminal() {
		slog.Debug("flow.Interrupt: conversation already terminal", "conversationID", c.ID,
			"state", c.State)
		return false
	}
	c.State = models.StateInterrupted
	c.Status = models.ConversationStatusInterrupted
	c.CurrentSymptomFocus = ""
	c.EndTime = &now
	c.UpdatedAt = now
	slog.Info("flow.Interrupt: conversation interrupted", "conversationID", c.ID,
		"collected", c.SymptomsCollectedCount)
	return true
}
