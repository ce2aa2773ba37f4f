// Package redis publishes domain events as JSON over redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/sink"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "biosky:events"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
	DefaultBackoff = 500 * time.Millisecond
)

type Config struct {
	// URL is the redis connection URL: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel. With PerKind set the event kind is
	// appended, e.g. biosky:events:occurrence.
	Channel string
	PerKind bool
	// Timeout bounds each PUBLISH.
	Timeout time.Duration
	// Retries after the first failed attempt.
	Retries int
	// Backoff before the first retry, doubled for each retry after.
	Backoff time.Duration
}

type Sink struct {
	config Config
	client *goredis.Client
}

func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis sink requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis sink: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	return &Sink{config: cfg, client: goredis.NewClient(opts)}, nil
}

func (s *Sink) channel(evt *models.Event) string {
	if s.config.PerKind {
		return s.config.Channel + ":" + string(evt.Kind)
	}
	return s.config.Channel
}

// Publish retries failed publishes with exponential backoff.
func (s *Sink) Publish(ctx context.Context, evt *models.Event) error {
	body, err := sink.Encode(evt)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	channel := s.channel(evt)

	var lastErr error
	attempts := 1 + s.config.Retries
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			delay := time.Duration(1<<uint(i-1)) * s.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		lastErr = s.client.Publish(publishCtx, channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (s *Sink) Close() error {
	return s.client.Close()
}

var _ sink.Sink = (*Sink)(nil)
