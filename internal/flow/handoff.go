package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/symflow/internal/models"
	"github.com/caretrail/symflow/internal/store"
)

// Suggester drafts an assessment note for the care team from a plain-text
// symptom summary.
type Suggester interface {
	Suggest(ctx context.Context, symptomSummary string) (string, error)
}

// HandoffAdapter converts a completed collection into a Diagnosis with status
// pending. It does not manage diagnosis transitions beyond creation.
type HandoffAdapter struct {
	store     store.Store
	suggester Suggester
}

// NewHandoffAdapter creates the adapter. The suggester may be nil, in which
// case diagnoses are created without an AI suggestion.
func NewHandoffAdapter(st store.Store, suggester Suggester) *HandoffAdapter {
	return &HandoffAdapter{store: st, suggester: suggester}
}

// Create builds the diagnosis payload from the completed conversation and
// stores it. The review priority derives from the worst collected severity.
func (h *HandoffAdapter) Create(ctx context.Context, c *models.Conversation) (*models.Diagnosis, error) {
	input := models.BuildDiagnosisInput(c)
	summary := input.Text()

	var suggestion string
	if h.suggester != nil {
		s, err := h.suggester.Suggest(ctx, summary)
		if err != nil {
			slog.Error("HandoffAdapter.Create: suggestion failed", "error", err, "conversationID", c.ID)
			return nil, err
		}
		suggestion = s
	}

	d := models.Diagnosis{
		ID:              uuid.New(),
		PatientID:       input.PatientID,
		CreatedBy:       input.RecorderID,
		CreatedAt:       time.Now(),
		SymptomsSummary: summary,
		AISuggestion:    suggestion,
		Priority:        input.Priority(),
		Status:          models.DiagnosisStatusPending,
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid diagnosis payload: %w", err)
	}
	if err := h.store.AddDiagnosis(d); err != nil {
		slog.Error("HandoffAdapter.Create: failed to store diagnosis", "error", err, "conversationID", c.ID)
		return nil, err
	}

	slog.Info("HandoffAdapter.Create: diagnosis created", "diagnosisID", d.ID,
		"patientID", d.PatientID, "priority", d.Priority)
	return &d, nil
}
