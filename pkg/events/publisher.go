// Package events publishes attendance markings to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
)

// DefaultTopic is the topic attendance markings are published to.
const DefaultTopic = "attendance.marked"

// AttendanceMarked is the payload of a marking event.
type AttendanceMarked struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Persisted bool      `json:"persisted"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes attendance events. When Kafka is disabled it only logs.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *metrics.Metrics
}

var log = logging.Component("events")

// New creates a new publisher. m may be nil.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if cfg == nil {
		log.Info("Kafka disabled (nil config), using log-only mode")
		return &Publisher{topic: DefaultTopic, metrics: m}
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("Kafka disabled, using log-only mode")
		return &Publisher{topic: topic, metrics: m}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.WithFields(logging.Fields{
		"brokers": cfg.Brokers,
		"topic":   topic,
	}).Info("Kafka publisher initialized")

	return &Publisher{
		writer:  writer,
		topic:   topic,
		enabled: true,
		metrics: m,
	}
}

// Enabled reports whether events are sent to Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishMarked publishes a marking event keyed by identity name.
func (p *Publisher) PublishMarked(ctx context.Context, event AttendanceMarked) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to marshal event")
		return err
	}

	log.WithFields(logging.Fields{
		"topic":   p.topic,
		"key":     event.Name,
		"payload": string(payload),
	}).Debug("Publishing event")

	if !p.enabled || p.writer == nil {
		p.record(nil, start)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.Name),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(p.topic)},
			{Key: "sessionId", Value: []byte(event.SessionID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.WithError(err).WithFields(logging.Fields{
			"topic": p.topic,
			"key":   event.Name,
		}).Error("Failed to write to Kafka")
		p.record(err, start)
		return err
	}

	p.record(nil, start)
	return nil
}

func (p *Publisher) record(err error, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordPublish(err, time.Since(start).Seconds())
	}
}

// Close closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		log.WithError(err).Error("Error closing writer")
		return err
	}
	return nil
}
