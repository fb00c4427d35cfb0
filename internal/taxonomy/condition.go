package taxonomy

import (
	"github.com/caretrail/symflow/internal/models"
)

// ConditionKind enumerates the rule trigger predicates. Conditions are tagged
// data evaluated by a single interpreter; there is no per-category dispatch.
type ConditionKind string

const (
	// ConditionAlways fires unconditionally.
	ConditionAlways ConditionKind = "always"
	// ConditionAnswered fires when the keyed characteristic has any value.
	ConditionAnswered ConditionKind = "answered"
	// ConditionEquals fires when the keyed characteristic equals the value.
	ConditionEquals ConditionKind = "equals"
	// ConditionSeverityAtLeast fires when collected severity ranks at or
	// above the value on the ordinal scale.
	ConditionSeverityAtLeast ConditionKind = "severityAtLeast"
)

// IsValidConditionKind checks if the given condition kind is supported.
func IsValidConditionKind(k ConditionKind) bool {
	switch k {
	case ConditionAlways, ConditionAnswered, ConditionEquals, ConditionSeverityAtLeast:
		return true
	default:
		return false
	}
}

// Condition is a trigger predicate over already-collected characteristic
// values. Key and Value are interpreted per kind.
type Condition struct {
	Kind  ConditionKind `json:"kind"`
	Key   string        `json:"key,omitempty"`
	Value string        `json:"value,omitempty"`
}

// Holds evaluates the condition against the accumulated detail. A condition
// referencing an unanswered characteristic never fires; that is an ordinary
// false, not an error.
func (c Condition) Holds(detail *models.SymptomDetail) bool {
	switch c.Kind {
	case ConditionAlways:
		return true
	case ConditionAnswered:
		return detail.Answered(c.Key)
	case ConditionEquals:
		v, ok := detail.Value(c.Key)
		return ok && v == c.Value
	case ConditionSeverityAtLeast:
		if detail.Severity == "" {
			return false
		}
		threshold := models.Severity(c.Value).Rank()
		if threshold < 0 {
			return false
		}
		return detail.Severity.Rank() >= threshold
	default:
		return false
	}
}
