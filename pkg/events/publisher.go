// Package events publishes bargain detections and run lifecycle changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	RunEventStarted  = "run.started"
	RunEventFinished = "run.finished"
)

// BargainEvent is emitted when a listing gets its first detection of a type.
type BargainEvent struct {
	ListingID     string    `json:"listing_id"`
	ExternalID    string    `json:"external_id"`
	ComplexID     string    `json:"complex_id"`
	DetectionType string    `json:"detection_type"`
	Price         int64     `json:"price"`
	Score         int       `json:"score,omitempty"`
	Keyword       string    `json:"keyword,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// RunEvent is a lifecycle event for a collection run.
type RunEvent struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Counters  map[string]int `json:"counters,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Publisher interface {
	PublishBargain(ctx context.Context, evt BargainEvent) error
	PublishRun(ctx context.Context, evt RunEvent) error
	Close() error
}

// NoopPublisher drops every event. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishBargain(context.Context, BargainEvent) error { return nil }
func (NoopPublisher) PublishRun(context.Context, RunEvent) error         { return nil }
func (NoopPublisher) Close() error                                      { return nil }

// Config holds Kafka configuration
type Config struct {
	Brokers      []string
	BargainTopic string
	RunTopic     string
}

// KafkaPublisher writes events as JSON messages.
type KafkaPublisher struct {
	bargainWriter *kafka.Writer
	runWriter     *kafka.Writer
	logger        ectologger.Logger
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisher(cfg Config, logger ectologger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		bargainWriter: newWriter(cfg.Brokers, cfg.BargainTopic),
		runWriter:     newWriter(cfg.Brokers, cfg.RunTopic),
		logger:        logger,
	}
}

func (p *KafkaPublisher) PublishBargain(ctx context.Context, evt BargainEvent) error {
	if evt.DetectedAt.IsZero() {
		evt.DetectedAt = time.Now().UTC()
	}
	return p.write(ctx, p.bargainWriter, evt.ListingID, evt.DetectionType, evt)
}

func (p *KafkaPublisher) PublishRun(ctx context.Context, evt RunEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return p.write(ctx, p.runWriter, evt.RunID, evt.Type, evt)
}

func (p *KafkaPublisher) write(ctx context.Context, w *kafka.Writer, key, eventType string, payload any) error {
	ctx, span := tracing.StartSpan(ctx, "KafkaPublisher.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", w.Topic),
		attribute.String("event_type", eventType),
	)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	headers := []kafka.Header{{Key: "type", Value: []byte(eventType)}}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	err = w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(w.Topic, "error").Inc()
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s event to Kafka topic %s", eventType, w.Topic)
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(w.Topic, "ok").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	var firstErr error
	if err := p.bargainWriter.Close(); err != nil {
		firstErr = err
	}
	if err := p.runWriter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
