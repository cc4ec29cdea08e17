package mqtt

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
)

const (
	DefaultTopic = "vitals/+/readings"

	qosAtLeastOnce byte = 1
	disconnectWait      = 250 // ms
)

// Consumer ingests device readings published on vitals/<patient_id>/readings.
type Consumer struct {
	Monitor *monitor.Monitor
	Topic   string

	client paho.Client
}

func NewConsumer(m *monitor.Monitor, broker, clientID, topic string) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)

	c := &Consumer{Monitor: m, Topic: topic}

	// resubscribe whenever the broker connection comes back
	opts.SetOnConnectHandler(func(client paho.Client) {
		if token := client.Subscribe(c.Topic, qosAtLeastOnce, c.onMessage); token.Wait() && token.Error() != nil {
			c.logger().Error("Failed to subscribe", zap.String("topic", c.Topic), zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger().Warn("Broker connection lost", zap.Error(err))
	})

	c.client = paho.NewClient(opts)
	return c
}

func (c *Consumer) logger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameMqttIngest,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryIngest),
	)
}

func (c *Consumer) Start() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	c.logger().Info("MQTT consumer started", zap.String("topic", c.Topic))
	return nil
}

func (c *Consumer) Stop() {
	if c.client.IsConnected() {
		c.client.Unsubscribe(c.Topic).Wait()
	}
	c.client.Disconnect(disconnectWait)
}

func (c *Consumer) onMessage(_ paho.Client, msg paho.Message) {
	err := c.HandleMessage(msg.Topic(), msg.Payload())
	switch {
	case err == nil:
	case models.IsPartial(err):
		c.logger().Warn("Device reading partly rejected",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
	default:
		c.logger().Warn("Dropped device message",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
	}
}

// HandleMessage ingests one payload received on topic.
func (c *Consumer) HandleMessage(topic string, payload []byte) error {
	patientID, err := PatientFromTopic(topic)
	if err != nil {
		return err
	}
	_, err = c.Monitor.IngestDevicePayload(patientID, payload)
	return err
}

// PatientFromTopic extracts the patient id from vitals/<patient_id>/readings.
func PatientFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "vitals" || parts[2] != "readings" || parts[1] == "" {
		return "", &models.ValidationError{Reason: fmt.Sprintf("unexpected topic %q", topic)}
	}
	return parts[1], nil
}
