package aggregator

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	events   []models.AlertEvent
	statuses []models.PatientStatusChange
}

func (r *recorder) NotifyAlert(evt models.AlertEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) NotifyStatus(change models.PatientStatusChange) {
	r.mu.Lock()
	r.statuses = append(r.statuses, change)
	r.mu.Unlock()
}

func (r *recorder) Types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.EventType, 0, len(r.events))
	for _, evt := range r.events {
		types = append(types, evt.Type)
	}
	return types
}

func (r *recorder) Statuses() []models.PatientStatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PatientStatusChange(nil), r.statuses...)
}

func newTestAggregator(t *testing.T, policy Policy, sink HistorySink) (*Aggregator, *fakeClock, *recorder) {
	c, err := classifier.New(classifier.DefaultThresholds())
	require.NoError(t, err)

	clock := newFakeClock()
	rec := &recorder{}
	a := New(c, policy, Options{Notifier: rec, Sink: sink, Clock: clock.Now, Monotonic: clock.Now})
	t.Cleanup(a.Flush)
	return a, clock, rec
}

func reading(patientID string, heartRate, spo2, temperature float64) models.VitalReading {
	return models.VitalReading{
		PatientID:   patientID,
		DeviceID:    "dev-" + patientID,
		Timestamp:   t0,
		HeartRate:   heartRate,
		SpO2:        spo2,
		Temperature: temperature,
	}
}

func normal(patientID string) models.VitalReading {
	return reading(patientID, 75, 98, 36.5)
}

func parseLogs(r io.Reader) []map[string]any {
	scanner := bufio.NewScanner(r)
	var logs []map[string]any

	for scanner.Scan() {
		var j map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &j); err == nil {
			logs = append(logs, j)
		}
	}
	return logs
}
