package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

type Producer interface {
	SendConversionEvent(ctx context.Context, topic string, event *ConversionEvent) error
	Close() error
}

// ConversionEvent is published once per terminal item transition.
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

type producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerFrom(p), nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(p sarama.SyncProducer) Producer {
	return &producer{producer: p}
}

func (p *producer) SendConversionEvent(ctx context.Context, topic string, event *ConversionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// keyed by session so one session's events stay ordered on a partition
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send conversion event: %w", err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.producer.Close()
}
