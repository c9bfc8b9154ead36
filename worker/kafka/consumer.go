package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, event *ConversionEvent) error

// ConversionEvent mirrors the event the API publishes for every terminal
// item transition.
type ConversionEvent struct {
	TraceID      string    `json:"trace_id"`
	SessionID    string    `json:"session_id"`
	ItemID       string    `json:"item_id"`
	SourceName   string    `json:"source_name"`
	OutputName   string    `json:"output_name,omitempty"`
	Format       string    `json:"format"`
	Status       string    `json:"status"`
	SourceSize   int       `json:"source_size"`
	OutputSize   int       `json:"output_size,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

type consumerHandler struct {
	fn     MessageHandler
	logger *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks every message once handled. Undecodable messages are
// logged and skipped; handler failures are logged and the message is still
// marked so one bad event cannot stall the partition.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var event ConversionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Warn("Skipping malformed conversion event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}

	if err := h.fn(ctx, &event); err != nil {
		h.logger.Error("Failed to handle conversion event",
			zap.String("trace_id", event.TraceID),
			zap.String("session_id", event.SessionID),
			zap.String("item_id", event.ItemID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

// Consume joins the group and handles messages until ctx ends. Consume is
// re-entered after every rebalance.
func (c *Consumer) Consume(ctx context.Context, topic string, handler MessageHandler) error {
	h := &consumerHandler{fn: handler, logger: c.logger}
	for {
		if err := c.consumer.Consume(ctx, []string{topic}, h); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
