package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	"liyu1981.xyz/vitals-alert-service/pkg/registry"
)

const (
	testSecret  = "transport-test-secret"
	waitTimeout = 2 * time.Second
)

var (
	doctor  = models.Identity{UserID: "doc-1", Name: "Dr. Reyes", Role: models.RoleDoctor}
	doctor2 = models.Identity{UserID: "doc-2", Name: "Dr. Okafor", Role: models.RoleDoctor}
	family  = models.Identity{UserID: "fam-1", Name: "Sam", Role: models.RoleFamily, PatientIDs: []string{"P1"}}
	family2 = models.Identity{UserID: "fam-2", Name: "Alex", Role: models.RoleFamily, PatientIDs: []string{"P2"}}
)

// hubSwitch forwards aggregator events to whichever hub is current.
type hubSwitch struct {
	current atomic.Pointer[Hub]
}

func (s *hubSwitch) NotifyAlert(evt models.AlertEvent) {
	if h := s.current.Load(); h != nil {
		h.NotifyAlert(evt)
	}
}

func (s *hubSwitch) NotifyStatus(change models.PatientStatusChange) {
	if h := s.current.Load(); h != nil {
		h.NotifyStatus(change)
	}
}

func (s *hubSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h := s.current.Load(); h != nil {
		h.HandleConnect(w, r)
		return
	}
	http.Error(w, "no hub", http.StatusServiceUnavailable)
}

type testEnv struct {
	monitor  *monitor.Monitor
	registry *registry.Registry
	hub      *Hub
	auth     *auth.JWTAuthenticator
	sw       *hubSwitch
	server   *httptest.Server
	url      string
}

func newTestEnv(t *testing.T, cfg HubConfig) *testEnv {
	common.SetTestLoggerNop()

	c, err := classifier.New(classifier.DefaultThresholds())
	require.NoError(t, err)

	sw := &hubSwitch{}
	agg := aggregator.New(c, aggregator.DefaultPolicy(), aggregator.Options{Notifier: sw})
	m := monitor.New(agg, nil)
	authn := auth.NewJWTAuthenticator(testSecret)
	reg := registry.New()
	hub := NewHub(m, reg, authn, cfg)
	sw.current.Store(hub)

	server := httptest.NewServer(sw)
	env := &testEnv{
		monitor:  m,
		registry: reg,
		hub:      hub,
		auth:     authn,
		sw:       sw,
		server:   server,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
	t.Cleanup(func() {
		env.currentHub().Close()
		server.Close()
	})
	return env
}

func (e *testEnv) currentHub() *Hub {
	return e.sw.current.Load()
}

// swapHub replaces the serving hub with a fresh one that has an empty
// registry and closes the old hub.
func (e *testEnv) swapHub(cfg HubConfig) (*Hub, *registry.Registry) {
	reg := registry.New()
	next := NewHub(e.monitor, reg, e.auth, cfg)
	prev := e.sw.current.Swap(next)
	prev.Close()
	return next, reg
}

func (e *testEnv) token(t *testing.T, id models.Identity) string {
	token, err := e.auth.IssueToken(id, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) newClient(t *testing.T, id models.Identity) *Client {
	client := NewClient(ClientConfig{
		URL:            e.url,
		Token:          e.token(t, id),
		Backoff:        Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		RequestTimeout: waitTimeout,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func (e *testEnv) connect(t *testing.T, id models.Identity) *Client {
	client := e.newClient(t, id)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, client.Open(ctx))
	return client
}

func (e *testEnv) ingest(t *testing.T, patientID string, heartRate, spo2, temperature float64) *models.AlertEvent {
	evt, err := e.monitor.Reading.IngestReading(models.VitalReading{
		PatientID:   patientID,
		DeviceID:    "dev-" + patientID,
		Timestamp:   time.Now(),
		HeartRate:   heartRate,
		SpO2:        spo2,
		Temperature: temperature,
	})
	require.NoError(t, err)
	return evt
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func waitAlert(t *testing.T, client *Client) models.AlertEvent {
	t.Helper()
	select {
	case evt, ok := <-client.Alerts():
		require.True(t, ok, "alert channel closed")
		return evt
	case <-time.After(waitTimeout):
		require.FailNow(t, "no alert event received")
	}
	return models.AlertEvent{}
}

func expectNoAlert(t *testing.T, client *Client, d time.Duration) {
	t.Helper()
	select {
	case evt := <-client.Alerts():
		require.FailNow(t, "unexpected alert event", "%s %s", evt.Type, evt.Alert.PatientID)
	case <-time.After(d):
	}
}

func waitPresence(t *testing.T, client *Client) models.DoctorStatus {
	t.Helper()
	select {
	case st, ok := <-client.Presence():
		require.True(t, ok, "presence channel closed")
		return st
	case <-time.After(waitTimeout):
		require.FailNow(t, "no presence event received")
	}
	return models.DoctorStatus{}
}

// waitState drains state changes until want shows up.
func waitState(t *testing.T, client *Client, want ConnState) StateChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case change, ok := <-client.States():
			require.True(t, ok, "state channel closed before %s", want)
			if change.State == want {
				return change
			}
		case <-deadline:
			require.FailNow(t, "state not reached", "%s", want)
		}
	}
}

func waitDone(t *testing.T, client *Client) {
	t.Helper()
	select {
	case <-client.Done():
	case <-time.After(waitTimeout):
		require.FailNow(t, "client did not stop")
	}
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
