// Package rules implements the follow-up question engine.
//
// NextQuestion is a pure function over the immutable taxonomy and the
// accumulated symptom detail: the same inputs always produce the same plan.
// There is no randomness and no wall-clock dependence.
package rules

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/caretrail/symflow/internal/models"
	"github.com/caretrail/symflow/internal/taxonomy"
)

// PlanKind identifies what the engine wants to happen next.
type PlanKind string

const (
	// PlanAskCharacteristic asks for a required characteristic of the open slot.
	PlanAskCharacteristic PlanKind = "ask_characteristic"
	// PlanAskRelated proposes a related symptom as a candidate new slot.
	PlanAskRelated PlanKind = "ask_related"
	// PlanSlotDone signals the slot is complete and no related symptoms remain.
	PlanSlotDone PlanKind = "slot_done"
)

// QuestionPlan is the engine's decision for the next conversation step.
type QuestionPlan struct {
	Kind           PlanKind
	Characteristic *taxonomy.SymptomCharacteristic
	Prompt         string
	RelatedSymptom string
}

// NextQuestion decides the next probe for the open symptom slot.
//
// It first returns the earliest required characteristic (declaration order)
// that is still unanswered. Once all required characteristics are in, it
// evaluates the related-symptom rules for the primary symptom, merges the
// fired rules' candidates by priority then list order, deduplicates by name,
// and proposes the first candidate that does not already hold a slot in the
// conversation. When nothing remains the slot is done.
func NextQuestion(detail *models.SymptomDetail, recorded map[string]bool, tax *taxonomy.Store) (QuestionPlan, error) {
	if detail.PrimarySymptom == "" {
		return QuestionPlan{}, fmt.Errorf("no primary symptom on detail")
	}

	chars, err := tax.Characteristics(detail.Category)
	if err != nil {
		if errors.Is(err, taxonomy.ErrNotFound) {
			// Unknown category: nothing left to ask for this slot.
			slog.Debug("rules.NextQuestion: category not in taxonomy, slot done",
				"category", detail.Category, "symptom", detail.PrimarySymptom)
			return QuestionPlan{Kind: PlanSlotDone}, nil
		}
		return QuestionPlan{}, err
	}

	for i := range chars {
		c := &chars[i]
		if c.Required && !detail.Answered(c.Key) {
			slog.Debug("rules.NextQuestion: required characteristic open",
				"symptom", detail.PrimarySymptom, "key", c.Key)
			return QuestionPlan{
				Kind:           PlanAskCharacteristic,
				Characteristic: c,
				Prompt:         c.Prompt(0),
			}, nil
		}
	}

	candidates, err := relatedCandidates(detail, tax)
	if err != nil {
		return QuestionPlan{}, err
	}
	for _, name := range candidates {
		if !recorded[name] {
			slog.Debug("rules.NextQuestion: proposing related symptom",
				"symptom", detail.PrimarySymptom, "related", name)
			return QuestionPlan{Kind: PlanAskRelated, RelatedSymptom: name}, nil
		}
	}

	slog.Debug("rules.NextQuestion: slot done", "symptom", detail.PrimarySymptom)
	return QuestionPlan{Kind: PlanSlotDone}, nil
}

// RelatedQueue returns the full deduplicated, priority-merged follow-up queue
// of related symptoms whose rules fire against the detail.
func RelatedQueue(detail *models.SymptomDetail, tax *taxonomy.Store) ([]string, error) {
	return relatedCandidates(detail, tax)
}

func relatedCandidates(detail *models.SymptomDetail, tax *taxonomy.Store) ([]string, error) {
	rs, err := tax.Rules(detail.PrimarySymptom)
	if err != nil {
		if errors.Is(err, taxonomy.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var queue []string
	seen := make(map[string]bool)
	for _, rule := range rs {
		if !rule.When.Holds(detail) {
			continue
		}
		for _, name := range rule.Related {
			if seen[name] {
				continue
			}
			seen[name] = true
			queue = append(queue, name)
		}
	}
	return queue, nil
}
