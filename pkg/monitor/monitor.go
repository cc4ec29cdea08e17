package monitor

import (
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

type IReading interface {
	IngestReading(reading models.VitalReading) (*models.AlertEvent, error)
}

type IAlert interface {
	ListActive(viewer models.Identity, patientID string, limit int) ([]models.Alert, error)
	Acknowledge(viewer models.Identity, alertID string) (models.Alert, error)
}

type IThreshold interface {
	Table() classifier.ThresholdTable
}

// Monitor is what every adapter (REST, gRPC, realtime hub, MQTT, NATS)
// talks to.
type Monitor struct {
	Aggregator *aggregator.Aggregator
	Limiters   *RateLimiterStore

	Reading   IReading
	Alert     IAlert
	Threshold IThreshold
}

type ServiceOpts struct {
	Reading   IReading
	Alert     IAlert
	Threshold IThreshold
}

func New(agg *aggregator.Aggregator, limiters *RateLimiterStore) *Monitor {
	m := &Monitor{Aggregator: agg, Limiters: limiters}
	return m.WithServices(ServiceOpts{
		Reading:   m.GetIReading(),
		Alert:     m.GetIAlert(),
		Threshold: m.GetIThreshold(),
	})
}

func (m *Monitor) WithServices(opts ServiceOpts) *Monitor {
	if opts.Reading != nil {
		m.Reading = opts.Reading
	}
	if opts.Alert != nil {
		m.Alert = opts.Alert
	}
	if opts.Threshold != nil {
		m.Threshold = opts.Threshold
	}
	return m
}

// CheckDeviceLimiter reports whether a reading from deviceID may be ingested
// now. Without a limiter store every device is allowed.
func (m *Monitor) CheckDeviceLimiter(deviceID string) bool {
	if m.Limiters == nil {
		return true
	}
	return m.Limiters.GetLimiter(deviceID).Allow()
}

// AdmitReading applies the device rate limit to a reading. A reading that
// classifies above normal is admitted even when its device is over budget.
func (m *Monitor) AdmitReading(reading models.VitalReading) bool {
	if m.CheckDeviceLimiter(reading.DeviceID) {
		return true
	}

	cls, ok, _ := m.Aggregator.Classifier().ClassifyReading(reading)
	if !ok || cls.Overall == models.TierNormal {
		return false
	}

	common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryIngest),
	).Warn("Admitted abnormal reading over device rate limit",
		zap.String("patient_id", reading.PatientID),
		zap.String("device_id", reading.DeviceID),
		zap.String("tier", cls.Overall.String()))
	return true
}
