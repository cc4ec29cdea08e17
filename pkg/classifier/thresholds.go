package classifier

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Band is the set of intervals one tier covers. A tier may cover both a low
// and a high side of a vital, e.g. bradycardia and tachycardia.
type Band []Range

func (b Band) Contains(v float64) bool {
	for _, r := range b {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

type Bands struct {
	Normal   Band `yaml:"normal" json:"normal"`
	Warning  Band `yaml:"warning" json:"warning"`
	Critical Band `yaml:"critical" json:"critical"`
}

func (b Bands) band(t models.Tier) Band {
	switch t {
	case models.TierNormal:
		return b.Normal
	case models.TierWarning:
		return b.Warning
	case models.TierCritical:
		return b.Critical
	}
	return nil
}

type ThresholdTable map[models.Vital]Bands

// DefaultThresholds is the adult reference table. Boundaries shared by two
// tiers resolve to the more severe one.
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		models.VitalHeartRate: {
			Normal:   Band{{Min: 60, Max: 100}},
			Warning:  Band{{Min: 50, Max: 60}, {Min: 100, Max: 130}},
			Critical: Band{{Min: 0, Max: 50}, {Min: 130, Max: 350}},
		},
		models.VitalSpO2: {
			Normal:   Band{{Min: 94, Max: 100}},
			Warning:  Band{{Min: 90, Max: 94}},
			Critical: Band{{Min: 0, Max: 90}},
		},
		models.VitalTemperature: {
			Normal:   Band{{Min: 36.1, Max: 37.5}},
			Warning:  Band{{Min: 35, Max: 36.1}, {Min: 37.5, Max: 39}},
			Critical: Band{{Min: 25, Max: 35}, {Min: 39, Max: 45}},
		},
	}
}

// Validate checks that every known vital has a table entry whose ranges are
// finite and well formed.
func (t ThresholdTable) Validate() error {
	for _, vital := range models.Vitals {
		bands, ok := t[vital]
		if !ok {
			return fmt.Errorf("threshold table: missing vital %q", vital)
		}
		if len(bands.Normal) == 0 {
			return fmt.Errorf("threshold table: vital %q has no normal range", vital)
		}
		for _, tier := range models.Tiers {
			for _, r := range bands.band(tier) {
				if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
					return fmt.Errorf("threshold table: vital %q tier %s has a non-finite bound", vital, tier)
				}
				if r.Min > r.Max {
					return fmt.Errorf("threshold table: vital %q tier %s range [%v, %v] is inverted", vital, tier, r.Min, r.Max)
				}
			}
		}
	}
	for vital := range t {
		if !vital.Valid() {
			return fmt.Errorf("threshold table: unknown vital %q", vital)
		}
	}
	return nil
}

// LoadThresholds reads a YAML table. Vitals missing from the file keep their
// default bands.
func LoadThresholds(path string) (ThresholdTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds file: %w", err)
	}

	var parsed map[models.Vital]Bands
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse thresholds file: %w", err)
	}

	table := DefaultThresholds()
	for vital, bands := range parsed {
		table[vital] = bands
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
