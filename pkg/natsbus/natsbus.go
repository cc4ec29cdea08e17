package natsbus

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
)

const (
	AlertSubjectPrefix   = "vitals.alerts"
	StatusSubjectPrefix  = "vitals.status"
	ReadingSubjectPrefix = "vitals.readings"
	ReadingSubject       = ReadingSubjectPrefix + ".*"
)

func logger() *zap.Logger {
	return common.GetLoggerWith(common.LoggerNameNatsBus)
}

// subjectToken makes an id safe to use as a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

func AlertSubject(patientID string, typ models.EventType) string {
	return AlertSubjectPrefix + "." + subjectToken(patientID) + "." + string(typ)
}

func StatusSubject(patientID string) string {
	return StatusSubjectPrefix + "." + subjectToken(patientID)
}

// Publisher mirrors alert events onto NATS for downstream systems (paging,
// audit). It is an aggregator.Notifier; core NATS publishing only buffers, so
// it never blocks the ingest path.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger().Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		logger().Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) NotifyAlert(evt models.AlertEvent) {
	p.publish(AlertSubject(evt.Alert.PatientID, evt.Type), evt)
}

func (p *Publisher) NotifyStatus(change models.PatientStatusChange) {
	p.publish(StatusSubject(change.PatientID), change)
}

// ReadingReply answers readings sent with a reply subject.
type ReadingReply struct {
	Event *models.AlertEvent `json:"event,omitempty"`
	Error string             `json:"error,omitempty"`
}

// Consumer ingests device readings published on vitals.readings.<patient_id>.
type Consumer struct {
	Monitor *monitor.Monitor

	nc  *nats.Conn
	sub *nats.Subscription
}

func NewConsumer(m *monitor.Monitor, nc *nats.Conn) *Consumer {
	return &Consumer{Monitor: m, nc: nc}
}

func (c *Consumer) Start() error {
	sub, err := c.nc.Subscribe(ReadingSubject, c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	logger().Info("NATS consumer started", zap.String("subject", ReadingSubject))
	return nil
}

// Stop drains in-flight readings before returning.
func (c *Consumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}

func (c *Consumer) handle(msg *nats.Msg) {
	patientID := strings.TrimPrefix(msg.Subject, ReadingSubjectPrefix+".")

	evt, err := c.Monitor.IngestDevicePayload(patientID, msg.Data)
	if err != nil {
		message := "Dropped device message"
		if models.IsPartial(err) {
			message = "Device reading partly rejected"
		}
		logger().Warn(message,
			zap.String("subject", msg.Subject),
			zap.String(common.LoggerFieldCategory, common.LoggerCategoryIngest),
			zap.Error(err))
	}

	if msg.Reply == "" {
		return
	}
	reply := ReadingReply{Event: evt}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		logger().Warn("Failed to reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
