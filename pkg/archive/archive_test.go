package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/biosky/ingester/pkg/models"
	"github.com/cockroachdb/pebble"
	"github.com/go-playground/assert/v2"
)

func openTestArchive(t *testing.T, ttl time.Duration) *Archive {
	t.Helper()
	db, err := pebble.Open(filepath.Join(t.TempDir(), "events.db"), &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	a, err := New(db, ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testEvent(timeUS int64, rkey string) *models.Event {
	return &models.Event{
		Kind:       models.KindOccurrence,
		Did:        "did:plc:abc123",
		URI:        "at://did:plc:abc123/org.biosky.occurrence/" + rkey,
		Action:     models.ActionDelete,
		Collection: "org.biosky.occurrence",
		RKey:       rkey,
		Seq:        1,
		Time:       "2024-03-13T17:00:00.000Z",
		TimeUS:     timeUS,
	}
}

func collect(t *testing.T, a *Archive, since int64) []Entry {
	t.Helper()
	var got []Entry
	err := a.Replay(context.Background(), since, 0, func(_ context.Context, e Entry) error {
		e.Data = append([]byte(nil), e.Data...)
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestPersistAndReplay(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	ctx := context.Background()

	for i, ts := range []int64{3000, 1000, 2000} {
		if err := a.Persist(ctx, testEvent(ts, string(rune('a'+i)))); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(t, a, 0)
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	assert.Equal(t, int64(1000), got[0].TimeUS)
	assert.Equal(t, int64(2000), got[1].TimeUS)
	assert.Equal(t, int64(3000), got[2].TimeUS)
	assert.Equal(t, "did:plc:abc123", got[0].Did)
	assert.Equal(t, "org.biosky.occurrence", got[0].Collection)

	m, err := got[0].Decode()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "at://did:plc:abc123/org.biosky.occurrence/b", m["uri"])

	// the cursor is inclusive
	assert.Equal(t, 2, len(collect(t, a, 2000)))
}

func TestPersistAssignsTime(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	ctx := context.Background()

	first, second := testEvent(0, "a"), testEvent(0, "b")
	if err := a.Persist(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := a.Persist(ctx, second); err != nil {
		t.Fatal(err)
	}
	if first.TimeUS == 0 || second.TimeUS <= first.TimeUS {
		t.Errorf("expected increasing timestamps, got %d then %d", first.TimeUS, second.TimeUS)
	}
	assert.Equal(t, 2, len(collect(t, a, 0)))
}

func TestTrim(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMicro()
	fresh := time.Now().UnixMicro()
	a.Persist(ctx, testEvent(old, "old"))
	a.Persist(ctx, testEvent(fresh, "new"))

	if err := a.Trim(ctx); err != nil {
		t.Fatal(err)
	}
	got := collect(t, a, 0)
	if len(got) != 1 {
		t.Fatalf("got %d entries after trim, want 1", len(got))
	}
	assert.Equal(t, fresh, got[0].TimeUS)
}

func TestReplayStopsOnError(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	ctx := context.Background()
	a.Persist(ctx, testEvent(1, "a"))
	a.Persist(ctx, testEvent(2, "b"))

	calls := 0
	boom := errors.New("subscriber gone")
	err := a.Replay(ctx, 0, 1000, func(context.Context, Entry) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
	assert.Equal(t, 1, calls)
}

func TestReplayRespectsContext(t *testing.T) {
	a := openTestArchive(t, time.Hour)
	a.Persist(context.Background(), testEvent(1, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Replay(ctx, 0, 1, func(context.Context, Entry) error { return nil })
	if err == nil {
		t.Error("expected cancelled replay to fail")
	}
}

func TestNewRejectsZeroTTL(t *testing.T) {
	if _, err := New(nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected zero ttl to be rejected")
	}
}
