package monitor

import (
	"encoding/json"
	"time"

	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

// DevicePayload is what bedside devices publish on the message buses. The
// patient id travels in the topic or subject.
type DevicePayload struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   *float64  `json:"heart_rate,omitempty"`
	SpO2        *float64  `json:"spo2,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func (p DevicePayload) Reading(patientID string) models.VitalReading {
	return models.VitalReading{
		PatientID:   patientID,
		DeviceID:    p.DeviceID,
		Timestamp:   p.Timestamp,
		HeartRate:   models.ValueOrNaN(p.HeartRate),
		SpO2:        models.ValueOrNaN(p.SpO2),
		Temperature: models.ValueOrNaN(p.Temperature),
	}
}

// IngestDevicePayload decodes a raw device message and ingests it under the
// device's rate limit. It returns models.ErrLimited when a normal reading
// arrives while the device is over its budget.
func (m *Monitor) IngestDevicePayload(patientID string, data []byte) (*models.AlertEvent, error) {
	var p DevicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &models.ValidationError{PatientID: patientID, Reason: "malformed payload: " + err.Error()}
	}
	if p.DeviceID == "" {
		return nil, &models.ValidationError{PatientID: patientID, Reason: "device id is required"}
	}
	if p.HeartRate == nil && p.SpO2 == nil && p.Temperature == nil {
		return nil, &models.ValidationError{PatientID: patientID, Reason: "at least one vital is required"}
	}

	reading := p.Reading(patientID)
	if !m.AdmitReading(reading) {
		return nil, models.ErrLimited
	}

	return m.Reading.IngestReading(reading)
}
