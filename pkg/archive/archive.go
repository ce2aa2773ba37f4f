// Package archive keeps a time-ordered log of emitted domain events in pebble
// so fan-out subscribers can rewind and replay recent history.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/monotonic"
	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("archive")

// Keys are {time_us}_{did}_{collection}. time_us is zero padded so
// lexicographic key order is time order.
const keyTimeFormat = "%016d"

// Upper bound of the event key space, far past any realistic time_us.
var finalKey = []byte("9700000000000000")

// Entry is one archived event as stored.
type Entry struct {
	TimeUS     int64
	Did        string
	Collection string
	// Data is the JSON encoded event. It is only valid during the callback.
	Data []byte
}

// Decode unmarshals the stored event into a generic JSON value.
func (e Entry) Decode() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived event: %w", err)
	}
	return m, nil
}

type Archive struct {
	db     *pebble.DB
	clock  *monotonic.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// New archives events in db and keeps them for ttl.
func New(db *pebble.DB, ttl time.Duration, logger *slog.Logger) (*Archive, error) {
	if ttl <= 0 {
		return nil, errors.New("archive ttl must be positive")
	}
	clock, err := monotonic.NewClock(time.Microsecond)
	if err != nil {
		return nil, fmt.Errorf("failed to create clock: %w", err)
	}
	return &Archive{
		db:     db,
		clock:  clock,
		ttl:    ttl,
		logger: logger.With("component", "archive"),
	}, nil
}

func eventKey(timeUS int64, did, collection string) []byte {
	return []byte(fmt.Sprintf(keyTimeFormat+"_%s_%s", timeUS, did, collection))
}

func timeKey(timeUS int64) []byte {
	return []byte(fmt.Sprintf(keyTimeFormat, timeUS))
}

// Persist stores evt, assigning TimeUS from the monotonic clock when unset.
func (a *Archive) Persist(ctx context.Context, evt *models.Event) error {
	_, span := tracer.Start(ctx, "Persist")
	defer span.End()

	if evt.TimeUS == 0 {
		evt.TimeUS = a.clock.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := a.db.Set(eventKey(evt.TimeUS, evt.Did, evt.Collection), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write event to pebble: %w", err)
	}
	eventsArchived.Inc()
	return nil
}

// Trim deletes every event older than the archive ttl.
func (a *Archive) Trim(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Trim")
	defer span.End()

	trimUntil := time.Now().Add(-a.ttl).UnixMicro()
	if err := a.db.DeleteRange(timeKey(0), timeKey(trimUntil), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete old events: %w", err)
	}
	a.logger.Debug("trimmed archive", "until_us", trimUntil)
	return nil
}

// Replay calls fn for every event at or after sinceUS in time order, at most
// rateLimit events per second. A rateLimit of zero or less is unlimited.
func (a *Archive) Replay(ctx context.Context, sinceUS int64, rateLimit float64, fn func(context.Context, Entry) error) error {
	ctx, span := tracer.Start(ctx, "Replay")
	defer span.End()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rateLimit > 0 {
		burst := int(rateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}

	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: timeKey(sinceUS),
		UpperBound: finalKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for rate limiter: %w", err)
		}

		entry, err := parseKey(string(iter.Key()))
		if err != nil {
			return err
		}
		entry.Data = iter.Value()

		if err := fn(ctx, entry); err != nil {
			return fmt.Errorf("failed to emit event: %w", err)
		}
		eventsReplayed.Inc()
	}
	return iter.Error()
}

func parseKey(key string) (Entry, error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) < 2 {
		return Entry{}, fmt.Errorf("invalid key format: %s", key)
	}
	timeUS, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse time_us from key %q: %w", key, err)
	}
	e := Entry{TimeUS: timeUS, Did: parts[1]}
	if len(parts) == 3 {
		e.Collection = parts[2]
	}
	return e, nil
}
