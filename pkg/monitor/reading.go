package monitor

import (
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

func (m *Monitor) ingestReading(reading models.VitalReading) (*models.AlertEvent, error) {
	logger := common.GetLoggerWith(
		common.LoggerNameVitalsCore,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryIngest),
	)

	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}

	logger.Debug("Received reading",
		zap.String("patient_id", reading.PatientID),
		zap.String("device_id", reading.DeviceID))

	evt, err := m.Aggregator.Ingest(reading)
	if models.IsPartial(err) {
		logger.Warn("Reading partly rejected",
			zap.String("patient_id", reading.PatientID),
			zap.String("device_id", reading.DeviceID),
			zap.Error(err))
		return evt, err
	}
	if err != nil {
		logger.Warn("Reading rejected",
			zap.String("patient_id", reading.PatientID),
			zap.String("device_id", reading.DeviceID),
			zap.Error(err))
		return nil, err
	}
	return evt, nil
}

type IReadingImpl struct {
	monitor *Monitor
}

func (ir *IReadingImpl) IngestReading(reading models.VitalReading) (*models.AlertEvent, error) {
	return ir.monitor.ingestReading(reading)
}

func (m *Monitor) GetIReading() IReading {
	return &IReadingImpl{monitor: m}
}
