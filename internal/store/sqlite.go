// Package store provides storage backends for symflow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/caretrail/symflow/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists the conversation engine state in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; missing parent directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveConversation inserts or updates the conversation row.
func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	query := `
		INSERT OR REPLACE INTO conversations
			(id, patient_id, initiator_id, start_time, end_time, status, type, state,
			 symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			 collection_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		c.ID.String(), c.PatientID, c.InitiatorID, c.StartTime, nullableTime(c.EndTime),
		string(c.Status), string(c.Type), string(c.State),
		c.SymptomsCollectedCount, c.TargetSymptomsCount, nilIfEmpty(c.CurrentSymptomFocus),
		c.CollectionComplete, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "conversationID", c.ID, "state", c.State)
	return nil
}

// GetConversation loads the conversation aggregate with its children.
func (s *SQLiteStore) GetConversation(id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT id, patient_id, initiator_id, start_time, end_time, status, type, state,
			symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			collection_complete, created_at, updated_at
		FROM conversations WHERE id = ?`
	row := s.db.QueryRow(query, id.String())
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversation not found", "conversationID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, err
	}

	msgs, err := s.getMessages(id)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs

	recs, err := s.getSymptomRecords(id)
	if err != nil {
		return nil, err
	}
	c.Symptoms = recs

	slog.Debug("SQLiteStore GetConversation succeeded", "conversationID", id, "messages", len(msgs), "symptoms", len(recs))
	return c, nil
}

func (s *SQLiteStore) getMessages(conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, sender, content, timestamp, kind
		FROM messages WHERE conversation_id = ? ORDER BY timestamp`, conversationID.String())
	if err != nil {
		slog.Error("SQLiteStore getMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) getSymptomRecords(conversationID uuid.UUID) ([]models.SymptomRecord, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, patient_id, recorder_id, created_at, updated_at,
			note, collection_order, collection_complete, detail
		FROM symptom_records WHERE conversation_id = ? ORDER BY collection_order`, conversationID.String())
	if err != nil {
		slog.Error("SQLiteStore getSymptomRecords query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query symptom records: %w", err)
	}
	defer rows.Close()

	var recs []models.SymptomRecord
	for rows.Next() {
		r, err := scanSymptomRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListConversations returns conversation rows for a patient.
func (s *SQLiteStore) ListConversations(patientID string) ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, initiator_id, start_time, end_time, status, type, state,
			symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			collection_complete, created_at, updated_at
		FROM conversations WHERE patient_id = ? ORDER BY start_time`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err, "patientID", patientID)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes the conversation and cascades to children.
func (s *SQLiteStore) DeleteConversation(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit cascade keeps behavior identical whether or not the
	// foreign_keys pragma is honored by the driver.
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM symptom_records WHERE conversation_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete symptom records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	slog.Debug("SQLiteStore DeleteConversation succeeded", "conversationID", id)
	return nil
}

// AddMessage appends one message turn.
func (s *SQLiteStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, sender, content, timestamp, kind)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), m.Sender, m.Content, m.Timestamp, string(m.Kind))
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// SaveSymptomRecord inserts or updates one symptom record.
func (s *SQLiteStore) SaveSymptomRecord(r models.SymptomRecord) error {
	detailJSON, err := marshalDetail(r.Detail)
	if err != nil {
		slog.Error("SQLiteStore SaveSymptomRecord marshal failed", "error", err, "recordID", r.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO symptom_records
			(id, conversation_id, patient_id, recorder_id, created_at, updated_at,
			 note, collection_order, collection_complete, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.ConversationID.String(), r.PatientID, r.RecorderID,
		r.CreatedAt, r.UpdatedAt, nilIfEmpty(r.Note), r.CollectionOrder, r.CollectionComplete, detailJSON)
	if err != nil {
		slog.Error("SQLiteStore SaveSymptomRecord failed", "error", err, "recordID", r.ID)
		return fmt.Errorf("failed to save symptom record %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore SaveSymptomRecord succeeded", "recordID", r.ID, "symptom", r.Detail.PrimarySymptom)
	return nil
}

// AddDiagnosis stores a newly created diagnosis.
func (s *SQLiteStore) AddDiagnosis(d models.Diagnosis) error {
	_, err := s.db.Exec(`INSERT INTO diagnoses
			(id, patient_id, created_by, created_at, symptoms_summary, ai_suggestion, team_notes, priority, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.PatientID, d.CreatedBy, d.CreatedAt, d.SymptomsSummary,
		nilIfEmpty(d.AISuggestion), nilIfEmpty(d.TeamNotes), d.Priority, string(d.Status))
	if err != nil {
		slog.Error("SQLiteStore AddDiagnosis failed", "error", err, "diagnosisID", d.ID)
		return fmt.Errorf("failed to insert diagnosis: %w", err)
	}
	return nil
}

// GetDiagnosis loads one diagnosis by identity.
func (s *SQLiteStore) GetDiagnosis(id uuid.UUID) (*models.Diagnosis, error) {
	row := s.db.QueryRow(`SELECT id, patient_id, created_by, created_at, symptoms_summary,
			ai_suggestion, team_notes, priority, status
		FROM diagnoses WHERE id = ?`, id.String())
	d, err := scanDiagnosisRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDiagnosis failed", "error", err, "diagnosisID", id)
		return nil, err
	}
	return d, nil
}

// ListDiagnoses returns diagnoses for a patient, newest first.
func (s *SQLiteStore) ListDiagnoses(patientID string) ([]models.Diagnosis, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, created_by, created_at, symptoms_summary,
			ai_suggestion, team_notes, priority, status
		FROM diagnoses WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListDiagnoses query failed", "error", err, "patientID", patientID)
		return nil, fmt.Errorf("failed to query diagnoses: %w", err)
	}
	defer rows.Close()

	var out []models.Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDiagnosisStatus applies a forward-only status transition.
func (s *SQLiteStore) UpdateDiagnosisStatus(id uuid.UUID, status models.DiagnosisStatus) error {
	d, err := s.GetDiagnosis(id)
	if err != nil {
		return err
	}
	if d == nil {
		return models.ErrDiagnosisNotFound
	}
	if !d.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal diagnosis status transition %s -> %s", d.Status, status)
	}
	_, err = s.db.Exec(`UPDATE diagnoses SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		slog.Error("SQLiteStore UpdateDiagnosisStatus failed", "error", err, "diagnosisID", id)
		return fmt.Errorf("failed to update diagnosis status: %w", err)
	}
	slog.Debug("SQLiteStore UpdateDiagnosisStatus succeeded", "diagnosisID", id, "status", status)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
