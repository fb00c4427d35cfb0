package taxonomy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caretrail/symflow/internal/models"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	tax, err := Load("")
	if err != nil {
		t.Fatalf("failed to load embedded catalog: %v", err)
	}

	chars, err := tax.Characteristics("respiratory")
	if err != nil {
		t.Fatalf("respiratory characteristics: %v", err)
	}
	if len(chars) == 0 {
		t.Fatal("expected respiratory characteristics")
	}
	if chars[0].Key != "onset" {
		t.Errorf("declaration order not preserved, first key = %q", chars[0].Key)
	}

	rules, err := tax.Rules("cough")
	if err != nil {
		t.Fatalf("cough rules: %v", err)
	}
	for i := 1; i < len(rules); i++ {
		if rules[i-1].Priority > rules[i].Priority {
			t.Errorf("rules not sorted by priority: %d before %d", rules[i-1].Priority, rules[i].Priority)
		}
	}
}

func TestLookupNotFound(t *testing.T) {
	tax, err := Load("")
	if err != nil {
		t.Fatalf("failed to load embedded catalog: %v", err)
	}

	if _, err := tax.Characteristics("dermatology"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown category, got %v", err)
	}
	if _, err := tax.Rules("hiccups"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown symptom, got %v", err)
	}
}

func TestCategoryForFallsBackToGeneral(t *testing.T) {
	tax, err := Load("")
	if err != nil {
		t.Fatalf("failed to load embedded catalog: %v", err)
	}
	if got := tax.CategoryFor("cough"); got != "respiratory" {
		t.Errorf("CategoryFor(cough) = %q", got)
	}
	if got := tax.CategoryFor("somethingNew"); got != "general" {
		t.Errorf("CategoryFor(unknown) = %q, want general", got)
	}
}

func TestLoadFromFileAndValidation(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "ok.json")
	if err := os.WriteFile(valid, []byte(`{
		"characteristics": [
			{"category": "test", "key": "severity", "display_name": "severity",
			 "kind": "single_select", "options": ["mild", "severe"], "required": true,
			 "prompts": ["How bad?"]}
		],
		"rules": [
			{"primary_symptom": "itch", "related": ["rash"], "when": {"kind": "always"}, "priority": 1}
		],
		"symptom_categories": {"itch": "test"}
	}`), 0644); err != nil {
		t.Fatal(err)
	}
	tax, err := Load(valid)
	if err != nil {
		t.Fatalf("valid catalog rejected: %v", err)
	}
	if got := tax.CategoryFor("itch"); got != "test" {
		t.Errorf("CategoryFor(itch) = %q", got)
	}

	cases := map[string]string{
		"bad_kind.json":      `{"characteristics": [{"category": "t", "key": "k", "kind": "mystery", "prompts": []}]}`,
		"select_no_opts.json": `{"characteristics": [{"category": "t", "key": "k", "kind": "single_select", "prompts": []}]}`,
		"dup_key.json": `{"characteristics": [
			{"category": "t", "key": "k", "kind": "free_text", "prompts": []},
			{"category": "t", "key": "k", "kind": "free_text", "prompts": []}]}`,
		"bad_rule.json": `{"rules": [{"primary_symptom": "", "related": ["x"], "when": {"kind": "always"}}]}`,
		"bad_cond.json": `{"rules": [{"primary_symptom": "x", "related": ["y"], "when": {"kind": "sometimes"}}]}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected load to fail", name)
		}
	}
}

func TestConditionHolds(t *testing.T) {
	detail := &models.SymptomDetail{
		Category:       "respiratory",
		PrimarySymptom: "cough",
		Severity:       models.SeverityModerate,
		Characteristics: map[string]string{
			"sputum": "yes",
		},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"always", Condition{Kind: ConditionAlways}, true},
		{"answered hit", Condition{Kind: ConditionAnswered, Key: "sputum"}, true},
		{"answered miss", Condition{Kind: ConditionAnswered, Key: "onset"}, false},
		{"equals hit", Condition{Kind: ConditionEquals, Key: "sputum", Value: "yes"}, true},
		{"equals wrong value", Condition{Kind: ConditionEquals, Key: "sputum", Value: "no"}, false},
		{"equals unanswered key", Condition{Kind: ConditionEquals, Key: "onset", Value: "today"}, false},
		{"severity at threshold", Condition{Kind: ConditionSeverityAtLeast, Value: "moderate"}, true},
		{"severity below threshold", Condition{Kind: ConditionSeverityAtLeast, Value: "severe"}, false},
		{"severity bad threshold", Condition{Kind: ConditionSeverityAtLeast, Value: "extreme"}, false},
		{"unknown kind", Condition{Kind: "bogus"}, false},
	}
	for _, c := range cases {
		if got := c.cond.Holds(detail); got != c.want {
			t.Errorf("%s: Holds = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestConditionSeverityUnanswered(t *testing.T) {
	detail := &models.SymptomDetail{PrimarySymptom: "cough"}
	cond := Condition{Kind: ConditionSeverityAtLeast, Value: "mild"}
	if cond.Holds(detail) {
		t.Error("condition over unanswered severity must not fire")
	}
}

func TestCharacteristicPromptFallback(t *testing.T) {
	c := SymptomCharacteristic{DisplayName: "onset", Prompts: []string{"first", "second"}}
	if got := c.Prompt(0); got != "first" {
		t.Errorf("Prompt(0) = %q", got)
	}
	if got := c.Prompt(5); got != "second" {
		t.Errorf("Prompt(5) should fall back to last template, got %q", got)
	}
	empty := SymptomCharacteristic{DisplayName: "onset"}
	if got := empty.Prompt(0); got == "" {
		t.Error("empty prompt list should produce a default question")
	}
}
