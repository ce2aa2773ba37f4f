// Package cursorstore persists the last processed relay sequence number so a
// restarted ingester can resume the stream where it left off.
package cursorstore

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("cursorstore")

// Store loads and saves the resume cursor.
type Store interface {
	// GetCursor returns the saved cursor. ok is false when nothing has been
	// saved yet.
	GetCursor(ctx context.Context) (seq int64, ok bool, err error)
	SaveCursor(ctx context.Context, seq int64) error
	Close() error
}
