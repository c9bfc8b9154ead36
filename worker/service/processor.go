package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"imageConverter/worker/kafka"
	"imageConverter/worker/repository"
)

var ErrInvalidEvent = errors.New("invalid conversion event")

type Processor struct {
	repo       repository.Repository
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewProcessor(repo repository.Repository, maxRetries int, backoff time.Duration, logger *zap.Logger) *Processor {
	return &Processor{
		repo:       repo,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Process records one terminal conversion. Invalid events are rejected
// without retrying; storage failures are retried with linear backoff.
func (p *Processor) Process(ctx context.Context, event *kafka.ConversionEvent) error {
	if err := validate(event); err != nil {
		return err
	}

	record := &repository.Conversion{
		TraceID:      event.TraceID,
		SessionID:    event.SessionID,
		ItemID:       event.ItemID,
		SourceName:   event.SourceName,
		OutputName:   event.OutputName,
		Format:       event.Format,
		Status:       event.Status,
		SourceSize:   event.SourceSize,
		OutputSize:   event.OutputSize,
		ErrorMessage: event.ErrorMessage,
		OccurredAt:   event.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}

	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.backoff):
			}
		}

		var inserted bool
		inserted, err = p.repo.InsertConversion(ctx, record)
		if err == nil {
			p.logger.Info("Conversion recorded",
				zap.String("trace_id", event.TraceID),
				zap.String("session_id", event.SessionID),
				zap.String("item_id", event.ItemID),
				zap.String("status", event.Status),
				zap.Bool("duplicate", !inserted),
			)
			return nil
		}

		p.logger.Warn("Failed to record conversion",
			zap.String("item_id", event.ItemID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("record conversion after %d attempts: %w", p.maxRetries+1, err)
}

func validate(event *kafka.ConversionEvent) error {
	switch {
	case event.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	case event.ItemID == "":
		return fmt.Errorf("%w: missing item id", ErrInvalidEvent)
	case event.Status != "success" && event.Status != "error":
		return fmt.Errorf("%w: non-terminal status %q", ErrInvalidEvent, event.Status)
	}
	return nil
}
