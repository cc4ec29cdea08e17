package classifier

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// Classifier maps vital values to tiers. It holds no mutable state.
type Classifier struct {
	table ThresholdTable
}

func New(table ThresholdTable) (*Classifier, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{table: table}, nil
}

func (c *Classifier) Table() ThresholdTable {
	return c.table
}

// Classify returns the most severe tier whose band contains value. A value
// outside every band is critical.
func (c *Classifier) Classify(vital models.Vital, value float64) (models.Tier, error) {
	bands, ok := c.table[vital]
	if !ok {
		return models.TierNormal, &models.ValidationError{Vital: vital, Value: value, Reason: "unknown vital"}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return models.TierNormal, &models.ValidationError{Vital: vital, Value: value, Reason: "value is not a finite number"}
	}

	matched := false
	tier := models.TierNormal
	for _, t := range models.Tiers {
		if bands.band(t).Contains(value) {
			tier = t
			matched = true
		}
	}
	if !matched {
		return models.TierCritical, nil
	}
	return tier, nil
}

type Classification struct {
	HeartRate   models.Tier `json:"heart_rate"`
	SpO2        models.Tier `json:"spo2"`
	Temperature models.Tier `json:"temperature"`
	Overall     models.Tier `json:"overall"`

	// Invalid lists vitals that could not be classified; their tier fields
	// are left at normal and do not contribute to Overall.
	Invalid []models.Vital `json:"invalid,omitempty"`
}

func (c Classification) Tier(v models.Vital) models.Tier {
	switch v {
	case models.VitalHeartRate:
		return c.HeartRate
	case models.VitalSpO2:
		return c.SpO2
	case models.VitalTemperature:
		return c.Temperature
	}
	return models.TierNormal
}

// Complete reports whether every vital of the reading was classified.
func (c Classification) Complete() bool {
	return len(c.Invalid) == 0
}

// ClassifyReading classifies each vital independently. When some vitals are
// invalid the classification of the rest is still returned together with the
// joined validation errors; when none is valid the classification is unusable
// and ok is false.
func (c *Classifier) ClassifyReading(reading models.VitalReading) (result Classification, ok bool, err error) {
	logger := common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryClassifier),
	)

	var errs []error
	for _, vital := range models.Vitals {
		tier, verr := c.Classify(vital, reading.Value(vital))
		if verr != nil {
			var ve *models.ValidationError
			if errors.As(verr, &ve) {
				ve.PatientID = reading.PatientID
			}
			logger.Warn("Vital rejected",
				zap.String("patient_id", reading.PatientID),
				zap.String("vital", string(vital)),
				zap.Error(verr))
			errs = append(errs, verr)
			result.Invalid = append(result.Invalid, vital)
			continue
		}

		switch vital {
		case models.VitalHeartRate:
			result.HeartRate = tier
		case models.VitalSpO2:
			result.SpO2 = tier
		case models.VitalTemperature:
			result.Temperature = tier
		}
		if tier > result.Overall {
			result.Overall = tier
		}
	}

	return result, len(result.Invalid) < len(models.Vitals), errors.Join(errs...)
}
