package monitor

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zapcore"

	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

func TestIngestDevicePayload(t *testing.T) {
	common.SetTestLoggerNop()

	ctrl, m, _, _, _ := GetMockMonitor(t, false, false, false)
	defer ctrl.Finish()

	evt, err := m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":145}`))
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, models.EventNew, evt.Type)
	assert.Equal(t, "A", evt.Alert.PatientID)
	assert.Equal(t, "d1", evt.Alert.VitalSnapshot.DeviceID)
	assert.Nil(t, evt.Alert.VitalSnapshot.SpO2)

	evt, err = m.IngestDevicePayload("B", []byte(`{"device_id":"d2","spo2":99}`))
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestIngestDevicePayload_EdgeCases(t *testing.T) {
	common.SetTestLoggerNop()

	ctrl, m, _, _, _ := GetMockMonitor(t, false, false, false)
	defer ctrl.Finish()

	for _, payload := range []string{
		`not json`,
		`{"heart_rate":80}`,
		`{"device_id":"d1"}`,
	} {
		_, err := m.IngestDevicePayload("A", []byte(payload))
		require.Error(t, err, payload)
		assert.True(t, models.IsValidation(err), payload)
	}
}

func TestIngestDevicePayload_Limited(t *testing.T) {
	common.SetTestLoggerNop()

	ctrl, m, mockIReading, _, _ := GetMockMonitor(t, true, false, false)
	defer ctrl.Finish()
	m.Limiters = NewRateLimiterStore(0, 1)

	mockIReading.EXPECT().
		IngestReading(gomock.Any()).
		DoAndReturn(func(r models.VitalReading) (*models.AlertEvent, error) {
			assert.Equal(t, "A", r.PatientID)
			assert.Equal(t, 80.0, r.HeartRate)
			assert.True(t, math.IsNaN(r.SpO2))
			return nil, nil
		}).
		Times(1)

	_, err := m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":80}`))
	require.NoError(t, err)

	_, err = m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":80}`))
	assert.True(t, errors.Is(err, models.ErrLimited))
}

func TestIngestDevicePayload_CriticalPassesLimiter(t *testing.T) {
	common.SetTestLoggerNop()

	ctrl, m, _, _, _ := GetMockMonitor(t, false, false, false)
	defer ctrl.Finish()
	m.Limiters = NewRateLimiterStore(0.01, 1)

	evt, err := m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":72,"spo2":98,"temperature":36.6}`))
	require.NoError(t, err)
	assert.Nil(t, evt)

	_, err = m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":74,"spo2":98,"temperature":36.6}`))
	assert.True(t, errors.Is(err, models.ErrLimited))

	evt, err = m.IngestDevicePayload("A", []byte(`{"device_id":"d1","heart_rate":180,"spo2":80}`))
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, models.EventNew, evt.Type)
	assert.Equal(t, models.TierCritical, evt.Alert.Level)

	active := m.Aggregator.ListActive("A", 0)
	require.Len(t, active, 1)
	assert.Equal(t, evt.Alert.ID, active[0].ID)
}

func TestAdmitReading(t *testing.T) {
	var buf bytes.Buffer
	common.SetTestCaptureLogger(&buf, zapcore.InfoLevel)

	ctrl, m, _, _, _ := GetMockMonitor(t, false, false, false)
	defer ctrl.Finish()

	normal := models.VitalReading{PatientID: "A", DeviceID: "d1", HeartRate: 72, SpO2: 98, Temperature: 36.6}
	warning := models.VitalReading{PatientID: "A", DeviceID: "d1", HeartRate: 115, SpO2: 98, Temperature: 36.6}

	// no limiter store admits everything
	assert.True(t, m.AdmitReading(normal))

	m.Limiters = NewRateLimiterStore(0, 1)
	assert.True(t, m.AdmitReading(normal))
	assert.False(t, m.AdmitReading(normal))
	assert.True(t, m.AdmitReading(warning))

	unreported := models.VitalReading{PatientID: "A", DeviceID: "d1", HeartRate: math.NaN(), SpO2: math.NaN(), Temperature: math.NaN()}
	assert.False(t, m.AdmitReading(unreported))

	var admitted []map[string]any
	for _, l := range ParseLogs(&buf) {
		if l["msg"] == "Admitted abnormal reading over device rate limit" {
			admitted = append(admitted, l)
		}
	}
	require.Len(t, admitted, 1)
	assert.Equal(t, "warn", admitted[0]["level"])
	assert.Equal(t, "d1", admitted[0]["device_id"])
	assert.Equal(t, models.TierWarning.String(), admitted[0]["tier"])
}

func TestIngestDevicePayload_PartlyRejected(t *testing.T) {
	common.SetTestLoggerNop()

	ctrl, m, mockIReading, _, _ := GetMockMonitor(t, true, false, false)
	defer ctrl.Finish()

	partial := &models.PartialReadingError{
		PatientID: "A",
		Rejected:  []models.Vital{models.VitalTemperature},
		Err:       &models.ValidationError{PatientID: "A", Vital: models.VitalTemperature, Reason: "value is not a finite number"},
	}
	want := &models.AlertEvent{Type: models.EventNew, Alert: models.Alert{ID: "a1", PatientID: "A", Level: models.TierCritical}}
	mockIReading.EXPECT().IngestReading(gomock.Any()).Return(want, partial).Times(1)

	evt, err := m.IngestDevicePayload("A", []byte(`{"device_id":"d1","spo2":84}`))
	assert.Equal(t, want, evt)
	assert.True(t, models.IsPartial(err))
	assert.True(t, models.IsValidation(err))
}
