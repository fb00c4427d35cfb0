package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caretrail/symflow/internal/models"
	"github.com/google/uuid"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime maps an optional timestamp to its nullable column value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func marshalDetail(d models.SymptomDetail) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal symptom detail: %w", err)
	}
	return string(b), nil
}

func scanConversation(sc scanner) (models.Conversation, error) {
	var c models.Conversation
	var id string
	var endTime sql.NullTime
	var focus sql.NullString
	err := sc.Scan(&id, &c.PatientID, &c.InitiatorID, &c.StartTime, &endTime,
		(*string)(&c.Status), (*string)(&c.Type), (*string)(&c.State),
		&c.SymptomsCollectedCount, &c.TargetSymptomsCount, &focus,
		&c.CollectionComplete, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return c, fmt.Errorf("invalid conversation id %q: %w", id, err)
	}
	if endTime.Valid {
		c.EndTime = &endTime.Time
	}
	c.CurrentSymptomFocus = focus.String
	return c, nil
}

func scanConversationRow(row *sql.Row) (*models.Conversation, error) {
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(sc scanner) (models.Message, error) {
	var m models.Message
	var id, convID string
	err := sc.Scan(&id, &convID, &m.Sender, &m.Content, &m.Timestamp, (*string)(&m.Kind))
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return m, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	if m.ConversationID, err = uuid.Parse(convID); err != nil {
		return m, fmt.Errorf("invalid conversation id %q: %w", convID, err)
	}
	return m, nil
}

func scanSymptomRecord(sc scanner) (models.SymptomRecord, error) {
	var r models.SymptomRecord
	var id, convID, detailJSON string
	var note sql.NullString
	err := sc.Scan(&id, &convID, &r.PatientID, &r.RecorderID, &r.CreatedAt, &r.UpdatedAt,
		&note, &r.CollectionOrder, &r.CollectionComplete, &detailJSON)
	if err != nil {
		return r, fmt.Errorf("scan symptom record failed: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("invalid symptom record id %q: %w", id, err)
	}
	if r.ConversationID, err = uuid.Parse(convID); err != nil {
		return r, fmt.Errorf("invalid conversation id %q: %w", convID, err)
	}
	r.Note = note.String
	if err := json.Unmarshal([]byte(detailJSON), &r.Detail); err != nil {
		return r, fmt.Errorf("failed to unmarshal symptom detail: %w", err)
	}
	return r, nil
}

func scanDiagnosis(sc scanner) (models.Diagnosis, error) {
	var d models.Diagnosis
	var id string
	var suggestion, notes sql.NullString
	err := sc.Scan(&id, &d.PatientID, &d.CreatedBy, &d.CreatedAt, &d.SymptomsSummary,
		&suggestion, &notes, &d.Priority, (*string)(&d.Status))
	if err != nil {
		return d, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return d, fmt.Errorf("invalid diagnosis id %q: %w", id, err)
	}
	d.AISuggestion = suggestion.String
	d.TeamNotes = notes.String
	return d, nil
}

func scanDiagnosisRow(row *sql.Row) (*models.Diagnosis, error) {
	d, err := scanDiagnosis(row)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
