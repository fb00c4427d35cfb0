package models

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors shared across modules.
var (
	// ErrConversationNotFound indicates an unknown conversation identifier.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDiagnosisNotFound indicates an unknown diagnosis identifier.
	ErrDiagnosisNotFound = errors.New("diagnosis not found")
	// ErrConversationFinalized indicates a write against a terminal conversation.
	ErrConversationFinalized = errors.New("conversation finalized")
	// ErrQuotaReached indicates an attempt to open a slot beyond the target count.
	ErrQuotaReached = errors.New("symptom quota reached")
	// ErrNoOpenSlot indicates a characteristic write with no symptom slot open.
	ErrNoOpenSlot = errors.New("no symptom slot open")
)

// ValidationError reports a field value outside its allowed range. The write
// is rejected before any state mutation.
type ValidationError struct {
	Field   string
	Value   string
	Allowed string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: allowed %s", e.Field, e.Value, e.Allowed)
}

// ExternalServiceError wraps a failure of the NLU or diagnosis collaborator.
// Callers retry with bounded attempts; conversation state is unchanged until
// the call succeeds or the caller gives up.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func itoa(n int) string { return strconv.Itoa(n) }
