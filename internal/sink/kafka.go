package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/rawblock/intel-engine/internal/heuristics"
	"github.com/rawblock/intel-engine/pkg/models"
)

const alertEnvelopeType = "watchlist_alert"

// Envelope wraps every message published by the engine.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// KafkaAlertSink publishes watchlist alerts to a topic, keyed by address id
// so alerts for one address stay ordered within a partition.
type KafkaAlertSink struct {
	topic string
	p     sarama.SyncProducer
}

var _ heuristics.AlertSink = (*KafkaAlertSink)(nil)

// NewProducerConfig returns the idempotent producer settings used for alerts.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewKafkaAlertSink dials brokers with NewProducerConfig.
func NewKafkaAlertSink(brokers []string, topic string) (*KafkaAlertSink, error) {
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaAlertSinkWithProducer(p, topic), nil
}

// NewKafkaAlertSinkWithProducer wraps an existing producer.
func NewKafkaAlertSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaAlertSink {
	return &KafkaAlertSink{topic: topic, p: p}
}

func (s *KafkaAlertSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// PublishAlert sends one alert. SyncProducer ignores ctx; the check only
// skips sends for callers that already gave up.
func (s *KafkaAlertSink) PublishAlert(ctx context.Context, alert models.WatchlistAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{
		Type: alertEnvelopeType,
		TS:   alert.CreatedAt.UnixMilli(),
		Data: data,
	})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(alert.AddressID),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish alert %s: %w", alert.ID, err)
	}
	return nil
}
