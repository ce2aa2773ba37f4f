package cursorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
)

var cursorKey = []byte("cursor")

type cursorRecord struct {
	LastSeq int64     `json:"last_seq"`
	SavedAt time.Time `json:"saved_at"`
}

// Pebble keeps the cursor as JSON under a single key. The database may be
// shared with the event archive.
type Pebble struct {
	db   *pebble.DB
	owns bool
}

// NewPebble stores the cursor in an already open database. Close leaves the
// database open.
func NewPebble(db *pebble.DB) *Pebble {
	return &Pebble{db: db}
}

// OpenPebble opens (or creates) a database at path that Close will shut.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %q: %w", path, err)
	}
	return &Pebble{db: db, owns: true}, nil
}

func (p *Pebble) GetCursor(ctx context.Context) (int64, bool, error) {
	_, span := tracer.Start(ctx, "PebbleGetCursor")
	defer span.End()

	data, closer, err := p.db.Get(cursorKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor from pebble: %w", err)
	}
	defer closer.Close()

	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal cursor JSON: %w", err)
	}
	return rec.LastSeq, true, nil
}

func (p *Pebble) SaveCursor(ctx context.Context, seq int64) error {
	_, span := tracer.Start(ctx, "PebbleSaveCursor")
	defer span.End()

	data, err := json.Marshal(&cursorRecord{LastSeq: seq, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal cursor JSON: %w", err)
	}

	if err := p.db.Set(cursorKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cursor to pebble: %w", err)
	}
	return nil
}

func (p *Pebble) Close() error {
	if !p.owns {
		return nil
	}
	return p.db.Close()
}

var _ Store = (*Pebble)(nil)
