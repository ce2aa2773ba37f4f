package cursorstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultSaveAttempts = 3
	DefaultRetryDelay   = 100 * time.Millisecond
)

// transientMarkers are matched case-insensitively against error messages.
var transientMarkers = []string{
	"connection terminated",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"broken pipe",
}

// IsTransient reports whether err looks like a connectivity failure worth
// retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Retrying wraps a Store and retries transient SaveCursor failures. Any other
// error, or a transient one that outlives every attempt, is returned to the
// caller, which should treat it as fatal.
type Retrying struct {
	Store
	Attempts int
	// Delay is multiplied by the attempt number before each retry.
	Delay  time.Duration
	logger *slog.Logger
}

func NewRetrying(store Store, logger *slog.Logger) *Retrying {
	return &Retrying{
		Store:    store,
		Attempts: DefaultSaveAttempts,
		Delay:    DefaultRetryDelay,
		logger:   logger.With("component", "cursor-store"),
	}
}

func (r *Retrying) SaveCursor(ctx context.Context, seq int64) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.Store.SaveCursor(ctx, seq)
		if err == nil {
			cursorSaves.WithLabelValues("ok").Inc()
			return nil
		}
		if !IsTransient(err) {
			cursorSaves.WithLabelValues("fatal").Inc()
			return err
		}
		if attempt == attempts {
			break
		}

		cursorSaves.WithLabelValues("retry").Inc()
		delay := time.Duration(attempt) * r.Delay
		r.logger.Warn("transient cursor save failure, retrying", "error", err, "seq", seq, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return fmt.Errorf("cursor save abandoned: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	cursorSaves.WithLabelValues("fatal").Inc()
	return fmt.Errorf("cursor save failed after %d attempts: %w", attempts, err)
}
