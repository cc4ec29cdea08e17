package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor/mocks"
	_ "liyu1981.xyz/vitals-alert-service/pkg/testing"
)

const (
	bufSize    = 1024 * 1024
	testSecret = "grpc-test-secret"
)

var (
	doctor = models.Identity{UserID: "doc-1", Role: models.RoleDoctor}
	admin  = models.Identity{UserID: "adm-1", Role: models.RoleAdmin}
	family = models.Identity{UserID: "fam-1", Role: models.RoleFamily, PatientIDs: []string{"P1"}}
)

type testServer struct {
	client        *VitalsServiceClient
	authenticator *auth.JWTAuthenticator
}

func (ts *testServer) as(t *testing.T, id models.Identity) context.Context {
	token, err := ts.authenticator.IssueToken(id, time.Hour)
	require.NoError(t, err)
	return WithToken(context.Background(), token)
}

func newMonitor(t *testing.T, limiters *monitor.RateLimiterStore) *monitor.Monitor {
	c, err := classifier.New(classifier.DefaultThresholds())
	require.NoError(t, err)
	return monitor.New(aggregator.New(c, aggregator.DefaultPolicy(), aggregator.Options{}), limiters)
}

func serve(t *testing.T, m *monitor.Monitor) *testServer {
	listener := bufconn.Listen(bufSize)
	authenticator := auth.NewJWTAuthenticator(testSecret)

	vitalsServer := VitalsServer{Monitor: m, Verifier: authenticator}
	interceptor := vitalsServer.CreateRateLimitInterceptor([]any{
		&PostReadingRequest{},
	})
	server := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	RegisterVitalsServiceServer(server, &vitalsServer)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithInsecure(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testServer{client: NewVitalsServiceClient(conn), authenticator: authenticator}
}

func startTestServer(t *testing.T) *testServer {
	return serve(t, newMonitor(t, nil))
}

func startTestServerWithLimiter(t *testing.T, limiterStore *monitor.RateLimiterStore) *testServer {
	return serve(t, newMonitor(t, limiterStore))
}

func startTestServerWithMocks(t *testing.T, useMockIReading, useMockIAlert bool) (
	*gomock.Controller,
	*testServer,
	*mocks.MockIReading,
	*mocks.MockIAlert,
) {
	ctrl := gomock.NewController(t)

	mockIReading := mocks.NewMockIReading(ctrl)
	mockIAlert := mocks.NewMockIAlert(ctrl)

	m := newMonitor(t, nil)
	opts := monitor.ServiceOpts{}
	if useMockIReading {
		opts.Reading = mockIReading
	}
	if useMockIAlert {
		opts.Alert = mockIAlert
	}
	m.WithServices(opts)

	return ctrl, serve(t, m), mockIReading, mockIAlert
}

func ptr(v float64) *float64 {
	return &v
}

func criticalReading(deviceID, patientID string) *PostReadingRequest {
	return &PostReadingRequest{
		DeviceID:    deviceID,
		PatientID:   patientID,
		Timestamp:   time.Now(),
		HeartRate:   ptr(145),
		SpO2:        ptr(97),
		Temperature: ptr(36.8),
	}
}

func TestPostReadingListAndAcknowledge(t *testing.T) {
	common.SetTestLoggerNop()
	ts := startTestServer(t)

	deviceID := uuid.NewString()

	r, err := ts.client.PostReading(context.Background(), criticalReading(deviceID, "P1"))
	require.NoError(t, err)
	require.True(t, r.Status.Success)
	require.NotNil(t, r.Event)
	assert.Equal(t, models.EventNew, r.Event.Type)
	assert.Equal(t, models.TierCritical, r.Event.Alert.Level)

	list, err := ts.client.ListActive(ts.as(t, family), &ListActiveRequest{})
	require.NoError(t, err)
	require.True(t, list.Status.Success)
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, r.Event.Alert.ID, list.Alerts[0].ID)

	ack, err := ts.client.Acknowledge(ts.as(t, doctor), &AcknowledgeRequest{AlertID: r.Event.Alert.ID})
	require.NoError(t, err)
	require.True(t, ack.Status.Success)
	assert.True(t, ack.Alert.Acknowledged)
	assert.Equal(t, doctor.UserID, ack.Alert.AcknowledgedBy)

	list, err = ts.client.ListActive(ts.as(t, doctor), &ListActiveRequest{PatientID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, list.Alerts)
}

func TestPostReading_NormalHasNoEvent(t *testing.T) {
	common.SetTestLoggerNop()
	ts := startTestServer(t)

	r, err := ts.client.PostReading(context.Background(), &PostReadingRequest{
		DeviceID:  uuid.NewString(),
		PatientID: "P1",
		HeartRate: ptr(72),
	})
	require.NoError(t, err)
	assert.True(t, r.Status.Success)
	assert.Nil(t, r.Event)
}

func TestPostReading_EdgeCases(t *testing.T) {
	common.SetTestLoggerNop()

	{
		ts := startTestServer(t)
		deviceID := uuid.NewString()

		{
			// empty DeviceID will fail validation
			r, err := ts.client.PostReading(context.Background(), &PostReadingRequest{PatientID: "P1", HeartRate: ptr(80)})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostReading to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostReading to fail with validation error")
		}

		{
			// empty PatientID will fail validation
			r, err := ts.client.PostReading(context.Background(), &PostReadingRequest{DeviceID: deviceID, HeartRate: ptr(80)})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostReading to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostReading to fail with validation error")
		}

		{
			// no vitals at all will fail validation
			r, err := ts.client.PostReading(context.Background(), &PostReadingRequest{DeviceID: deviceID, PatientID: "P1"})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostReading to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostReading to fail with validation error")
		}
	}

	{
		ctrl, ts, mockIReading, _ := startTestServerWithMocks(t, true, false)
		defer ctrl.Finish()

		deviceID := uuid.NewString()

		{
			// internal error should fail too
			mockIReading.EXPECT().
				IngestReading(gomock.Any()).
				Return(nil, fmt.Errorf("test error")).
				Times(1)
			r, err := ts.client.PostReading(context.Background(), criticalReading(deviceID, "P1"))
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostReading to fail")
			assert.True(t, strings.Contains(r.Status.Message, "test error"), "expected PostReading to fail with test error")
		}

		{
			// a partly rejected reading still succeeds and says which vital was dropped
			mockIReading.EXPECT().
				IngestReading(gomock.Any()).
				Return(
					&models.AlertEvent{Type: models.EventNew, Alert: models.Alert{ID: "a1", PatientID: "P1", Level: models.TierCritical}},
					&models.PartialReadingError{
						PatientID: "P1",
						Rejected:  []models.Vital{models.VitalTemperature},
						Err:       &models.ValidationError{PatientID: "P1", Vital: models.VitalTemperature, Reason: "value is not a finite number"},
					}).
				Times(1)
			r, err := ts.client.PostReading(context.Background(), criticalReading(deviceID, "P1"))
			assert.NoError(t, err)
			assert.True(t, r.Status.Success, "expected PostReading to succeed")
			assert.Contains(t, r.Status.Message, "partly rejected")
			require.NotNil(t, r.Event)
			assert.Equal(t, "a1", r.Event.Alert.ID)
		}
	}
}

func TestListActive_EdgeCases(t *testing.T) {
	common.SetTestLoggerNop()

	{
		ts := startTestServer(t)

		{
			// no token
			_, err := ts.client.ListActive(context.Background(), &ListActiveRequest{})
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		}

		{
			// bad token
			ctx := WithToken(context.Background(), "not-a-jwt")
			_, err := ts.client.ListActive(ctx, &ListActiveRequest{})
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		}

		{
			// family asking for somebody else's patient
			_, err := ts.client.ListActive(ts.as(t, family), &ListActiveRequest{PatientID: "P2"})
			require.Error(t, err)
			assert.Equal(t, codes.PermissionDenied, status.Code(err))
		}
	}

	{
		ctrl, ts, _, mockIAlert := startTestServerWithMocks(t, false, true)
		defer ctrl.Finish()

		{
			// a zero limit asks for the default cap
			mockIAlert.EXPECT().
				ListActive(gomock.Eq(doctor), gomock.Eq(""), gomock.Eq(10)).
				Return(nil, fmt.Errorf("test error")).
				Times(1)
			r, err := ts.client.ListActive(ts.as(t, doctor), &ListActiveRequest{})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected ListActive to fail")
			assert.True(t, strings.Contains(r.Status.Message, "test error"), "expected ListActive to fail with test error")
		}

		{
			mockIAlert.EXPECT().
				ListActive(gomock.Eq(doctor), gomock.Eq("P1"), gomock.Eq(-1)).
				Return([]models.Alert{{ID: "a-1", PatientID: "P1"}}, nil).
				Times(1)
			r, err := ts.client.ListActive(ts.as(t, doctor), &ListActiveRequest{PatientID: "P1", Limit: -1})
			require.NoError(t, err)
			assert.True(t, r.Status.Success)
			require.Len(t, r.Alerts, 1)
			assert.Equal(t, "a-1", r.Alerts[0].ID)
		}
	}
}

func TestAcknowledge_EdgeCases(t *testing.T) {
	common.SetTestLoggerNop()
	ts := startTestServer(t)

	r, err := ts.client.PostReading(context.Background(), criticalReading(uuid.NewString(), "P1"))
	require.NoError(t, err)
	require.NotNil(t, r.Event)

	{
		// empty AlertID will fail validation
		ack, err := ts.client.Acknowledge(ts.as(t, doctor), &AcknowledgeRequest{})
		assert.NoError(t, err)
		assert.False(t, ack.Status.Success, "expected Acknowledge to fail")
		assert.True(t, strings.Contains(ack.Status.Message, "validation error"), "expected Acknowledge to fail with validation error")
	}

	{
		_, err := ts.client.Acknowledge(ts.as(t, doctor), &AcknowledgeRequest{AlertID: "missing"})
		require.Error(t, err)
		assert.Equal(t, codes.NotFound, status.Code(err))
	}

	{
		// family may look but not acknowledge
		_, err := ts.client.Acknowledge(ts.as(t, family), &AcknowledgeRequest{AlertID: r.Event.Alert.ID})
		require.Error(t, err)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	}
}

func TestRateLimitInterceptor_PostReading(t *testing.T) {
	common.SetTestLoggerNop()

	limiterStore := monitor.NewRateLimiterStore(2, 2) // Allow 2 req/sec per device
	ts := startTestServerWithLimiter(t, limiterStore)

	ctx := context.Background()
	deviceID := uuid.NewString()

	req := &PostReadingRequest{
		DeviceID:  deviceID,
		PatientID: "P1",
		HeartRate: ptr(72),
	}

	// First 2 requests should pass
	for i := 0; i < 2; i++ {
		_, err := ts.client.PostReading(ctx, req)
		require.NoError(t, err, "expected request %d to pass", i+1)
	}

	// 3rd request should fail immediately
	_, err := ts.client.PostReading(ctx, req)
	require.Error(t, err, "expected third request to be rate limited")

	st, ok := status.FromError(err)
	require.True(t, ok, "expected gRPC status error")
	require.Equal(t, codes.ResourceExhausted, st.Code(), "expected ResourceExhausted code")

	// a critical reading from the same device is never throttled
	r, err := ts.client.PostReading(ctx, criticalReading(deviceID, "P1"))
	require.NoError(t, err)
	require.True(t, r.Status.Success)
	require.NotNil(t, r.Event)
	assert.Equal(t, models.TierCritical, r.Event.Alert.Level)

	// other devices keep their own bucket
	_, err = ts.client.PostReading(ctx, &PostReadingRequest{DeviceID: uuid.NewString(), PatientID: "P1", HeartRate: ptr(72)})
	require.NoError(t, err)

	// increase rate limiter
	lr, err := ts.client.PostLimiter(ts.as(t, admin), &PostLimiterRequest{
		DeviceID:    deviceID,
		DeviceRate:  3,
		DeviceBurst: 2,
	})
	require.NoError(t, err)
	require.True(t, lr.Status.Success)

	// Should pass again
	_, err = ts.client.PostReading(ctx, req)
	require.NoError(t, err, "expected request after limiter change to pass")
}

func TestPostLimiter_EdgeCases(t *testing.T) {
	common.SetTestLoggerNop()

	{
		ts := startTestServerWithLimiter(t, monitor.NewRateLimiterStore(2, 2))
		deviceID := uuid.NewString()

		{
			// only admins may change limiters
			_, err := ts.client.PostLimiter(ts.as(t, doctor), &PostLimiterRequest{DeviceID: deviceID, DeviceRate: 3, DeviceBurst: 2})
			require.Error(t, err)
			assert.Equal(t, codes.PermissionDenied, status.Code(err))
		}

		{
			_, err := ts.client.PostLimiter(context.Background(), &PostLimiterRequest{DeviceID: deviceID, DeviceRate: 3, DeviceBurst: 2})
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		}

		{
			// empty DeviceID will fail validation
			r, err := ts.client.PostLimiter(ts.as(t, admin), &PostLimiterRequest{DeviceID: ""})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostLimiter to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostLimiter to fail with validation error")
		}

		{
			// empty rate or burst will fail validation
			r, err := ts.client.PostLimiter(ts.as(t, admin), &PostLimiterRequest{
				DeviceID: deviceID,
			})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostLimiter to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostLimiter to fail with validation error")
		}

		{
			// empty rate or burst will fail validation
			r, err := ts.client.PostLimiter(ts.as(t, admin), &PostLimiterRequest{
				DeviceID:   deviceID,
				DeviceRate: 3.0,
			})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostLimiter to fail")
			assert.True(t, strings.Contains(r.Status.Message, "validation error"), "expected PostLimiter to fail with validation error")
		}
	}

	{
		ts := startTestServer(t)
		deviceID := uuid.NewString()

		{
			// default there is no rate limiter so setting a rate will fail with no effect
			r, err := ts.client.PostLimiter(ts.as(t, admin), &PostLimiterRequest{
				DeviceID:    deviceID,
				DeviceRate:  3.0,
				DeviceBurst: 2,
			})
			assert.NoError(t, err)
			assert.False(t, r.Status.Success, "expected PostLimiter to fail")
			assert.True(t, strings.Contains(r.Status.Message, "No effect"), "expected PostLimiter to succeed with no effect")
		}
	}
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(&AcknowledgeRequest{AlertID: "a-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"alert_id":"a-1"}`, string(data))

	var out AcknowledgeRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "a-1", out.AlertID)
}
