// Package taxonomy provides the read-only symptom catalog for symflow.
//
// It holds the per-category characteristic definitions and the relationship
// rules between primary symptoms. The catalog is loaded once at startup,
// either from the embedded default or an operator-supplied file, and is
// immutable afterwards, so concurrent lookups need no locking.
package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	_ "embed"
)

// ErrNotFound indicates an unknown category or primary symptom. Callers treat
// it as "no further questions available", not as fatal.
var ErrNotFound = errors.New("taxonomy entry not found")

// ValueKind defines how a characteristic's answer is shaped.
type ValueKind string

const (
	ValueKindFreeText     ValueKind = "free_text"
	ValueKindNumeric      ValueKind = "numeric"
	ValueKindSingleSelect ValueKind = "single_select"
	ValueKindMultiSelect  ValueKind = "multi_select"
)

// IsValidValueKind checks if the given value kind is supported.
func IsValidValueKind(k ValueKind) bool {
	switch k {
	case ValueKindFreeText, ValueKindNumeric, ValueKindSingleSelect, ValueKindMultiSelect:
		return true
	default:
		return false
	}
}

// SymptomCharacteristic is one static characteristic definition within a
// category. Options are present iff the kind is a select kind.
type SymptomCharacteristic struct {
	Category    string    `json:"category"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Kind        ValueKind `json:"kind"`
	Options     []string  `json:"options,omitempty"`
	Required    bool      `json:"required"`
	Prompts     []string  `json:"prompts"`
}

// Prompt returns the question template at the given probe index, falling back
// to the last template when the index runs past the list.
func (c *SymptomCharacteristic) Prompt(probe int) string {
	if len(c.Prompts) == 0 {
		return fmt.Sprintf("Please describe the %s.", c.DisplayName)
	}
	if probe >= len(c.Prompts) {
		probe = len(c.Prompts) - 1
	}
	return c.Prompts[probe]
}

// RelatedSymptomRule is a directed edge from a primary symptom to candidate
// related symptoms. Lower priority fires first among satisfied rules.
type RelatedSymptomRule struct {
	PrimarySymptom string    `json:"primary_symptom"`
	Related        []string  `json:"related"`
	When           Condition `json:"when"`
	Priority       int       `json:"priority"`
}

// catalog is the on-disk shape of the taxonomy file.
type catalog struct {
	Characteristics []SymptomCharacteristic `json:"characteristics"`
	Rules           []RelatedSymptomRule    `json:"rules"`
	// SymptomCategories maps primary symptom names to their category so the
	// engine can open a slot for a freshly extracted symptom.
	SymptomCategories map[string]string `json:"symptom_categories"`
}

//go:embed taxonomy.json
var defaultCatalog []byte

// Store is the immutable taxonomy lookup table.
type Store struct {
	characteristics map[string][]SymptomCharacteristic
	rules           map[string][]RelatedSymptomRule
	categories      map[string]string
}

// Load builds a Store from the taxonomy file at path, or from the embedded
// default catalog when path is empty.
func Load(path string) (*Store, error) {
	data := defaultCatalog
	if path != "" {
		slog.Debug("taxonomy.Load: reading catalog file", "path", path)
		b, err := os.ReadFile(path)
		if err != nil {
			slog.Error("taxonomy.Load: failed to read catalog file", "path", path, "error", err)
			return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
		}
		data = b
	}

	var cat catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		slog.Error("taxonomy.Load: failed to parse catalog", "error", err)
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}

	st := &Store{
		characteristics: make(map[string][]SymptomCharacteristic),
		rules:           make(map[string][]RelatedSymptomRule),
		categories:      cat.SymptomCategories,
	}
	if st.categories == nil {
		st.categories = make(map[string]string)
	}

	seen := make(map[string]bool)
	for _, c := range cat.Characteristics {
		if !IsValidValueKind(c.Kind) {
			return nil, fmt.Errorf("characteristic %s/%s: unknown value kind %q", c.Category, c.Key, c.Kind)
		}
		if (c.Kind == ValueKindSingleSelect || c.Kind == ValueKindMultiSelect) && len(c.Options) == 0 {
			return nil, fmt.Errorf("characteristic %s/%s: select kind requires options", c.Category, c.Key)
		}
		dup := c.Category + "/" + c.Key
		if seen[dup] {
			return nil, fmt.Errorf("duplicate characteristic key %s", dup)
		}
		seen[dup] = true
		st.characteristics[c.Category] = append(st.characteristics[c.Category], c)
	}

	for _, r := range cat.Rules {
		if r.PrimarySymptom == "" {
			return nil, fmt.Errorf("rule with empty primary symptom")
		}
		if len(r.Related) == 0 {
			return nil, fmt.Errorf("rule for %s lists no related symptoms", r.PrimarySymptom)
		}
		if !IsValidConditionKind(r.When.Kind) {
			return nil, fmt.Errorf("rule for %s: unknown condition kind %q", r.PrimarySymptom, r.When.Kind)
		}
		st.rules[r.PrimarySymptom] = append(st.rules[r.PrimarySymptom], r)
	}
	// Priority ascending, declaration order on ties. Stable sort keeps the
	// merge order reproducible from the same catalog.
	for primary := range st.rules {
		rs := st.rules[primary]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
	}

	slog.Info("taxonomy.Load: catalog loaded",
		"categories", len(st.characteristics),
		"ruleEdges", len(cat.Rules),
		"symptoms", len(st.categories),
		"fromFile", path != "")
	return st, nil
}

// Characteristics returns the characteristic definitions for a category in
// declaration order.
func (s *Store) Characteristics(category string) ([]SymptomCharacteristic, error) {
	cs, ok := s.characteristics[category]
	if !ok {
		return nil, fmt.Errorf("category %q: %w", category, ErrNotFound)
	}
	return cs, nil
}

// Rules returns the related-symptom rules for a primary symptom, ordered by
// priority ascending.
func (s *Store) Rules(primarySymptom string) ([]RelatedSymptomRule, error) {
	rs, ok := s.rules[primarySymptom]
	if !ok {
		return nil, fmt.Errorf("primary symptom %q: %w", primarySymptom, ErrNotFound)
	}
	return rs, nil
}

// CategoryFor resolves the category a primary symptom belongs to. Unknown
// symptoms fall back to the general category so collection can proceed.
func (s *Store) CategoryFor(primarySymptom string) string {
	if cat, ok := s.categories[primarySymptom]; ok {
		return cat
	}
	return "general"
}
