// Package store provides storage backends for symflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/caretrail/symflow/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists the conversation engine state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// SaveConversation inserts or updates the conversation row.
func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	query := `
		INSERT INTO conversations
			(id, patient_id, initiator_id, start_time, end_time, status, type, state,
			 symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			 collection_complete, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			symptoms_collected_count = EXCLUDED.symptoms_collected_count,
			target_symptoms_count = EXCLUDED.target_symptoms_count,
			current_symptom_focus = EXCLUDED.current_symptom_focus,
			collection_complete = EXCLUDED.collection_complete,
			updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		c.ID.String(), c.PatientID, c.InitiatorID, c.StartTime, nullableTime(c.EndTime),
		string(c.Status), string(c.Type), string(c.State),
		c.SymptomsCollectedCount, c.TargetSymptomsCount, nilIfEmpty(c.CurrentSymptomFocus),
		c.CollectionComplete, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation loads the conversation aggregate with its children.
func (s *PostgresStore) GetConversation(id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT id, patient_id, initiator_id, start_time, end_time, status, type, state,
			symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			collection_complete, created_at, updated_at
		FROM conversations WHERE id = $1`
	row := s.db.QueryRow(query, id.String())
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
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
	return c, nil
}

func (s *PostgresStore) getMessages(conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, sender, content, timestamp, kind
		FROM messages WHERE conversation_id = $1 ORDER BY timestamp`, conversationID.String())
	if err != nil {
		slog.Error("PostgresStore getMessages query failed", "error", err, "conversationID", conversationID)
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

func (s *PostgresStore) getSymptomRecords(conversationID uuid.UUID) ([]models.SymptomRecord, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, patient_id, recorder_id, created_at, updated_at,
			note, collection_order, collection_complete, detail
		FROM symptom_records WHERE conversation_id = $1 ORDER BY collection_order`, conversationID.String())
	if err != nil {
		slog.Error("PostgresStore getSymptomRecords query failed", "error", err, "conversationID", conversationID)
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
func (s *PostgresStore) ListConversations(patientID string) ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, initiator_id, start_time, end_time, status, type, state,
			symptoms_collected_count, target_symptoms_count, current_symptom_focus,
			collection_complete, created_at, updated_at
		FROM conversations WHERE patient_id = $1 ORDER BY start_time`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err, "patientID", patientID)
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

// DeleteConversation removes the conversation; children cascade via the
// foreign key constraints.
func (s *PostgresStore) DeleteConversation(id uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = $1`, id.String())
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// AddMessage appends one message turn.
func (s *PostgresStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, sender, content, timestamp, kind)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID.String(), m.ConversationID.String(), m.Sender, m.Content, m.Timestamp, string(m.Kind))
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// SaveSymptomRecord inserts or updates one symptom record.
func (s *PostgresStore) SaveSymptomRecord(r models.SymptomRecord) error {
	detailJSON, err := marshalDetail(r.Detail)
	if err != nil {
		slog.Error("PostgresStore SaveSymptomRecord marshal failed", "error", err, "recordID", r.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO symptom_records
			(id, conversation_id, patient_id, recorder_id, created_at, updated_at,
			 note, collection_order, collection_complete, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			note = EXCLUDED.note,
			collection_complete = EXCLUDED.collection_complete,
			detail = EXCLUDED.detail`,
		r.ID.String(), r.ConversationID.String(), r.PatientID, r.RecorderID,
		r.CreatedAt, r.UpdatedAt, nilIfEmpty(r.Note), r.CollectionOrder, r.CollectionComplete, detailJSON)
	if err != nil {
		slog.Error("PostgresStore SaveSymptomRecord failed", "error", err, "recordID", r.ID)
		return fmt.Errorf("failed to save symptom record %s: %w", r.ID, err)
	}
	return nil
}

// AddDiagnosis stores a newly created diagnosis.
func (s *PostgresStore) AddDiagnosis(d models.Diagnosis) error {
	_, err := s.db.Exec(`INSERT INTO diagnoses
			(id, patient_id, created_by, created_at, symptoms_summary, ai_suggestion, team_notes, priority, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID.String(), d.PatientID, d.CreatedBy, d.CreatedAt, d.SymptomsSummary,
		nilIfEmpty(d.AISuggestion), nilIfEmpty(d.TeamNotes), d.Priority, string(d.Status))
	if err != nil {
		slog.Error("PostgresStore AddDiagnosis failed", "error", err, "diagnosisID", d.ID)
		return fmt.Errorf("failed to insert diagnosis: %w", err)
	}
	return nil
}

// GetDiagnosis loads one diagnosis by identity.
func (s *PostgresStore) GetDiagnosis(id uuid.UUID) (*models.Diagnosis, error) {
	row := s.db.QueryRow(`SELECT id, patient_id, created_by, created_at, symptoms_summary,
			ai_suggestion, team_notes, priority, status
		FROM diagnoses WHERE id = $1`, id.String())
	d, err := scanDiagnosisRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDiagnosis failed", "error", err, "diagnosisID", id)
		return nil, err
	}
	return d, nil
}

// ListDiagnoses returns diagnoses for a patient, newest first.
func (s *PostgresStore) ListDiagnoses(patientID string) ([]models.Diagnosis, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, created_by, created_at, symptoms_summary,
			ai_suggestion, team_notes, priority, status
		FROM diagnoses WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListDiagnoses query failed", "error", err, "patientID", patientID)
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
func (s *PostgresStore) UpdateDiagnosisStatus(id uuid.UUID, status models.DiagnosisStatus) error {
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
	_, err = s.db.Exec(`UPDATE diagnoses SET status = $1 WHERE id = $2`, string(status), id.String())
	if err != nil {
		slog.Error("PostgresStore UpdateDiagnosisStatus failed", "error", err, "diagnosisID", id)
		return fmt.Errorf("failed to update diagnosis status: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
