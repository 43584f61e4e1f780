// Package stream publishes finished decisions to Kafka for downstream
// consumers. Messages are keyed by asset so one asset's decisions land
// on one partition in order.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/advisory"
	"finance-feedback-engine/internal/logging"
	"finance-feedback-engine/internal/metrics"
)

// Publisher writes decision events to a Kafka topic.
type Publisher struct {
	writer   *kafka.Writer
	topic    string
	recorder *metrics.Recorder
	log      *logging.Logger
}

// NewPublisher builds a Kafka publisher from configuration.
func NewPublisher(cfg config.KafkaConfig, recorder *metrics.Recorder, log *logging.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if log == nil {
		log = logging.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "advisory.decisions"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}

	return &Publisher{
		writer:   writer,
		topic:    topic,
		recorder: recorder,
		log:      log.WithComponent("stream"),
	}, nil
}

// PublishDecision sends one decision event keyed by asset.
func (p *Publisher) PublishDecision(ctx context.Context, d *advisory.ConsensusDecision) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(d.Asset),
		Value: value,
		Time:  time.Now(),
	}

	err = p.writer.WriteMessages(ctx, msg)
	if p.recorder != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.recorder.RecordStreamPublish(p.topic, result)
	}
	if err != nil {
		return fmt.Errorf("publish decision %s: %w", d.ID, err)
	}

	p.log.Debug("decision published", "decision_id", d.ID, "asset", d.Asset, "topic", p.topic)
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
