package models

import (
	"fmt"
	"math"
	"slices"
	"time"
)

type Vital string

const (
	VitalHeartRate   Vital = "heart_rate"
	VitalSpO2        Vital = "spo2"
	VitalTemperature Vital = "temperature"
)

// Vitals lists the known vitals in reporting order.
var Vitals = []Vital{VitalHeartRate, VitalSpO2, VitalTemperature}

func (v Vital) Valid() bool {
	return slices.Contains(Vitals, v)
}

// Tier is ordered by severity, so tiers compare with < and >.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierCritical
)

// Tiers lists the tiers in increasing severity.
var Tiers = []Tier{TierNormal, TierWarning, TierCritical}

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, nil
		}
	}
	return TierNormal, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// VitalReading is one sample from a device. A vital that the device did not
// report is NaN.
type VitalReading struct {
	PatientID   string    `json:"patient_id"`
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   float64   `json:"heart_rate"`
	SpO2        float64   `json:"spo2"`
	Temperature float64   `json:"temperature"`
}

func (r VitalReading) Value(v Vital) float64 {
	switch v {
	case VitalHeartRate:
		return r.HeartRate
	case VitalSpO2:
		return r.SpO2
	case VitalTemperature:
		return r.Temperature
	}
	return math.NaN()
}

// ValueOrNaN maps an optional wire value onto the reading representation.
func ValueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// VitalSnapshot is the JSON friendly copy of a reading kept on an alert.
// Vitals that were not reported are nil.
type VitalSnapshot struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	HeartRate   *float64  `json:"heart_rate,omitempty"`
	SpO2        *float64  `json:"spo2,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func SnapshotOf(r VitalReading) VitalSnapshot {
	opt := func(v float64) *float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return &v
	}
	return VitalSnapshot{
		DeviceID:    r.DeviceID,
		Timestamp:   r.Timestamp,
		HeartRate:   opt(r.HeartRate),
		SpO2:        opt(r.SpO2),
		Temperature: opt(r.Temperature),
	}
}

type CloseReason string

const (
	CloseReasonEscalated    CloseReason = "escalated"
	CloseReasonCleared      CloseReason = "cleared"
	CloseReasonAcknowledged CloseReason = "acknowledged"
	CloseReasonExpired      CloseReason = "expired"
)

type Alert struct {
	ID             string        `json:"id"`
	PatientID      string        `json:"patient_id"`
	Level          Tier          `json:"level"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	VitalSnapshot  VitalSnapshot `json:"vital_snapshot"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Acknowledged   bool          `json:"acknowledged"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
	CloseReason    CloseReason   `json:"close_reason,omitempty"`
}

type EventType string

const (
	EventNew          EventType = "new"
	EventUpdate       EventType = "update"
	EventEscalated    EventType = "escalated"
	EventCleared      EventType = "cleared"
	EventAcknowledged EventType = "acknowledged"
)

type AlertEvent struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
}

// PatientStatusChange is emitted whenever the overall tier of a patient's
// latest classified reading differs from the previous one.
type PatientStatusChange struct {
	PatientID string    `json:"patient_id"`
	From      Tier      `json:"from"`
	To        Tier      `json:"to"`
	At        time.Time `json:"at"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type DoctorStatus struct {
	DoctorID string         `json:"doctor_id"`
	Name     string         `json:"name"`
	Status   PresenceStatus `json:"status"`
}

// AlertRecord is the persisted history row of a retired alert.
type AlertRecord struct {
	ID             string `gorm:"primaryKey"`
	PatientID      string `gorm:"index"`
	Level          string `gorm:"type:varchar(10);check:level IN ('normal','warning','critical')"`
	Title          string
	Message        string
	DeviceID       string
	ReadingAt      time.Time
	HeartRate      *float64
	SpO2           *float64
	Temperature    *float64
	CreatedAt      time.Time
	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	ClosedAt       *time.Time
	CloseReason    string
}

func RecordOf(a Alert) AlertRecord {
	return AlertRecord{
		ID:             a.ID,
		PatientID:      a.PatientID,
		Level:          a.Level.String(),
		Title:          a.Title,
		Message:        a.Message,
		DeviceID:       a.VitalSnapshot.DeviceID,
		ReadingAt:      a.VitalSnapshot.Timestamp,
		HeartRate:      a.VitalSnapshot.HeartRate,
		SpO2:           a.VitalSnapshot.SpO2,
		Temperature:    a.VitalSnapshot.Temperature,
		CreatedAt:      a.CreatedAt,
		Acknowledged:   a.Acknowledged,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		ClosedAt:       a.ClosedAt,
		CloseReason:    string(a.CloseReason),
	}
}
