package models

// Well-known characteristic keys. Answers under these keys land in the typed
// SymptomDetail fields instead of the free-form characteristics map.
const (
	CharacteristicKeySeverity    = "severity"
	CharacteristicKeyDuration    = "duration"
	CharacteristicKeyFrequency   = "frequency"
	CharacteristicKeyImpactScore = "impact_score"
)

// Value returns the collected value for a characteristic key, typed fields
// included, and whether it has been answered.
func (d *SymptomDetail) Value(key string) (string, bool) {
	switch key {
	case CharacteristicKeySeverity:
		return string(d.Severity), d.Severity != ""
	case CharacteristicKeyDuration:
		return d.Duration, d.Duration != ""
	case CharacteristicKeyFrequency:
		return d.Frequency, d.Frequency != ""
	case CharacteristicKeyImpactScore:
		if d.ImpactScore == 0 {
			return "", false
		}
		return itoa(d.ImpactScore), true
	}
	if d.Characteristics == nil {
		return "", false
	}
	v, ok := d.Characteristics[key]
	return v, ok
}
