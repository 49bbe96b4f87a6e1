package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"

	"github.com/rawblock/intel-engine/internal/engine"
	"github.com/rawblock/intel-engine/internal/observability"
	"github.com/rawblock/intel-engine/pkg/models"
)

// DiscoveryHandler rescores the registry entry behind a discovery.
type DiscoveryHandler interface {
	HandleDiscovery(ctx context.Context, d models.Discovery) (engine.ScoreResult, error)
}

// Outcome of processing one discovery message.
type Outcome string

const (
	OutcomeScored    Outcome = "scored"
	OutcomeMalformed Outcome = "malformed"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeFailed    Outcome = "failed"
)

// Consumer reads scraper discoveries from a Kafka topic through a consumer
// group and hands each one to the engine.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler DiscoveryHandler
}

// NewConsumer joins groupID on brokers.
func NewConsumer(brokers []string, groupID, topic string, h DiscoveryHandler) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	cg, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: cg, topic: topic, handler: h}, nil
}

func (c *Consumer) Close() error { return c.group.Close() }

// Run consumes until ctx is done. sarama requires Consume to be re-entered
// after every rebalance.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			log.Printf("[Ingest] consumer group error: %v", err)
		}
	}()

	log.Printf("[Ingest] Consuming discoveries from topic %s", c.topic)
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			log.Printf("[Ingest] consume err: %v", err)
			time.Sleep(300 * time.Millisecond)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes messages in partition order. Every message is
// marked, including ones that failed: discoveries are re-emitted by the
// scrapers and a scheduled pass rescores everything anyway.
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		outcome := c.Process(sess.Context(), msg.Value)
		if outcome != OutcomeScored {
			log.Printf("[Ingest] p=%d off=%d discovery %s", msg.Partition, msg.Offset, outcome)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Process decodes and handles one message value.
func (c *Consumer) Process(ctx context.Context, value []byte) Outcome {
	outcome := c.process(ctx, value)
	observability.RecordDiscovery(string(outcome))
	return outcome
}

func (c *Consumer) process(ctx context.Context, value []byte) Outcome {
	var d models.Discovery
	if err := json.Unmarshal(value, &d); err != nil {
		log.Printf("[Ingest] undecodable discovery: %v", err)
		return OutcomeMalformed
	}

	res, err := c.handler.HandleDiscovery(ctx, d)
	switch {
	case err == nil:
		if res.Changed {
			log.Printf("[Ingest] %s rescored to %d (%s)", res.AddressID, res.Verdict.RiskScore, res.Verdict.Category)
		}
		return OutcomeScored
	case errors.Is(err, models.ErrInput):
		log.Printf("[Ingest] rejected discovery %s/%s: %v", d.CryptoType, d.Address, err)
		return OutcomeInvalid
	case errors.Is(err, models.ErrNotFound):
		log.Printf("[Ingest] discovery %s/%s is not in the registry yet", d.CryptoType, d.Address)
		return OutcomeUnknown
	default:
		log.Printf("[Ingest] discovery %s/%s failed: %v", d.CryptoType, d.Address, err)
		return OutcomeFailed
	}
}
