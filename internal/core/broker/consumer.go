// internal/core/broker/consumer.go
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Handler processes one consumed message.
type Handler func(ctx context.Context, msg Message) error

// DefaultRetryDelay is the pause after a source read error.
const DefaultRetryDelay = time.Second

// Consumer feeds messages from a Source to a Handler until the context is
// done or the source closes. Malformed messages and handler failures are
// logged and skipped; a message is never retried.
type Consumer struct {
	source     Source
	handle     Handler
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewConsumer creates a consumer. Run starts it.
func NewConsumer(source Source, handle Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source:     source,
		handle:     handle,
		logger:     logger.With("component", "broker_consumer"),
		retryDelay: DefaultRetryDelay,
	}
}

// Run blocks until ctx is done or the source is closed. Both are a normal
// shutdown and return nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")

	for {
		msg, err := c.source.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrMalformedMessage):
			c.logger.Warn("skipping malformed message", "error", err)
			continue
		default:
			c.logger.Error("failed to read from broker", "error", err)
			select {
			case <-time.After(c.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("failed to process message",
				"event_id", msg.EventID,
				"key", msg.Key(),
				"error", err,
			)
		}
	}
}
