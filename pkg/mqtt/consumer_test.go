package mqtt

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"liyu1981.xyz/vitals-alert-service/pkg/aggregator"
	"liyu1981.xyz/vitals-alert-service/pkg/classifier"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	_ "liyu1981.xyz/vitals-alert-service/pkg/testing"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return qosAtLeastOnce }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

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

func newConsumer(t *testing.T, limiters *monitor.RateLimiterStore) *Consumer {
	c, err := classifier.New(classifier.DefaultThresholds())
	require.NoError(t, err)
	m := monitor.New(aggregator.New(c, aggregator.DefaultPolicy(), aggregator.Options{}), limiters)
	return NewConsumer(m, "tcp://127.0.0.1:1", "vitals-test", "")
}

func TestPatientFromTopic(t *testing.T) {
	id, err := PatientFromTopic("vitals/P1/readings")
	require.NoError(t, err)
	assert.Equal(t, "P1", id)

	for _, topic := range []string{"vitals//readings", "vitals/P1", "other/P1/readings", "vitals/P1/readings/x"} {
		_, err := PatientFromTopic(topic)
		assert.True(t, models.IsValidation(err), topic)
	}
}

func TestHandleMessage(t *testing.T) {
	common.SetTestLoggerNop()
	c := newConsumer(t, nil)
	assert.Equal(t, DefaultTopic, c.Topic)

	require.NoError(t, c.HandleMessage("vitals/P1/readings", []byte(`{"device_id":"d1","spo2":84}`)))

	alerts := c.Monitor.Aggregator.ListActive("P1", 0)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.TierCritical, alerts[0].Level)

	err := c.HandleMessage("vitals/P1/readings", []byte(`{`))
	assert.True(t, models.IsValidation(err))

	err = c.HandleMessage("vitals/readings", []byte(`{"device_id":"d1","spo2":84}`))
	assert.True(t, models.IsValidation(err))
}

func TestOnMessage_LogsDropsAndKeepsCritical(t *testing.T) {
	c := newConsumer(t, monitor.NewRateLimiterStore(0, 1))

	var buf bytes.Buffer
	common.SetTestCaptureLogger(&buf, zapcore.DebugLevel)

	c.onMessage(nil, &fakeMessage{topic: "vitals/P1/readings", payload: []byte(`{"device_id":"d1","heart_rate":72}`)})
	c.onMessage(nil, &fakeMessage{topic: "vitals/P1/readings", payload: []byte(`{"device_id":"d1","heart_rate":72}`)})
	// over budget but critical, so it is ingested
	c.onMessage(nil, &fakeMessage{topic: "vitals/P1/readings", payload: []byte(`{"device_id":"d1","heart_rate":180,"spo2":80}`)})
	c.onMessage(nil, &fakeMessage{topic: "bogus", payload: []byte(`{}`)})

	logs := parseLogs(&buf)
	var drops []map[string]any
	for _, l := range logs {
		if l["msg"] == "Dropped device message" {
			drops = append(drops, l)
		}
	}
	require.Len(t, drops, 2)
	assert.Equal(t, "warn", drops[0]["level"])
	assert.Equal(t, models.ErrLimited.Error(), drops[0]["error"])
	assert.Equal(t, common.LoggerNameMqttIngest, drops[0]["logger"])
	assert.Equal(t, common.LoggerCategoryIngest, drops[0]["category"])
	assert.Equal(t, "warn", drops[1]["level"])
	assert.Equal(t, "bogus", drops[1]["topic"])

	alerts := c.Monitor.Aggregator.ListActive("P1", 0)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.TierCritical, alerts[0].Level)
}

func TestStart_UnreachableBroker(t *testing.T) {
	common.SetTestLoggerNop()
	c := newConsumer(t, nil)

	err := c.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to MQTT broker")
	c.Stop()
}
