// Package store provides storage backends for symflow.
//
// It implements the persistence collaborator of the conversation engine: an
// in-memory store for tests and small deployments, plus SQLite and PostgreSQL
// backends. A Conversation exclusively owns its Messages and SymptomRecords;
// deleting a conversation cascades to both.
package store

import (
	"strings"

	"github.com/caretrail/symflow/internal/models"
	"github.com/google/uuid"
)

// Store defines the persistence operations used by the conversation engine.
//
// Get operations return (nil, nil) when the entity does not exist; callers
// map that to their own not-found errors.
type Store interface {
	// SaveConversation inserts or updates the conversation row. Child
	// messages and symptom records are persisted through AddMessage and
	// SaveSymptomRecord.
	SaveConversation(c models.Conversation) error

	// GetConversation loads the full aggregate: the conversation plus its
	// messages (timestamp order) and symptom records (collection order).
	GetConversation(id uuid.UUID) (*models.Conversation, error)

	// ListConversations returns conversation rows for a patient, children
	// not loaded.
	ListConversations(patientID string) ([]models.Conversation, error)

	// DeleteConversation removes the conversation and cascades to its
	// messages and symptom records.
	DeleteConversation(id uuid.UUID) error

	// AddMessage appends one message turn.
	AddMessage(m models.Message) error

	// SaveSymptomRecord inserts or updates one symptom record including its
	// detail set.
	SaveSymptomRecord(r models.SymptomRecord) error

	// AddDiagnosis stores a newly created diagnosis.
	AddDiagnosis(d models.Diagnosis) error

	// GetDiagnosis loads one diagnosis by identity.
	GetDiagnosis(id uuid.UUID) (*models.Diagnosis, error)

	// ListDiagnoses returns diagnoses for a patient, newest first.
	ListDiagnoses(patientID string) ([]models.Diagnosis, error)

	// UpdateDiagnosisStatus applies a forward-only status transition.
	UpdateDiagnosisStatus(id uuid.UUID, status models.DiagnosisStatus) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithSQLiteDSN configures the store to use SQLite with the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures the store to use PostgreSQL with the given DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
