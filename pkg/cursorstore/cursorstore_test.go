package cursorstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPebbleCursor(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursor.db")

	s, err := OpenPebble(path)
	if err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, false, ok)

	if err := s.SaveCursor(ctx, 1<<40); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCursor(ctx, 1<<40+1); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// survives a reopen
	s, err = OpenPebble(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	seq, ok, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(1<<40+1), seq)
}

type flakyStore struct {
	errs  []error
	calls int
	saved int64
}

func (f *flakyStore) GetCursor(context.Context) (int64, bool, error) {
	return f.saved, f.saved != 0, nil
}

func (f *flakyStore) SaveCursor(_ context.Context, seq int64) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.saved = seq
	return nil
}

func (f *flakyStore) Close() error { return nil }

func TestRetryingSave(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"first try", nil, 1, false},
		{"transient then ok", []error{errors.New("read tcp: connection reset by peer")}, 2, false},
		{"two transients then ok", []error{errors.New("Connection terminated unexpectedly"), errors.New("i/o timeout")}, 3, false},
		{"transient exhausted", []error{
			errors.New("ECONNREFUSED"), errors.New("ECONNREFUSED"), errors.New("ECONNREFUSED"), nil,
		}, 3, true},
		{"permanent", []error{errors.New("permission denied for table ingester_cursor")}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyStore{errs: tt.errs}
			r := NewRetrying(inner, testLogger())
			r.Delay = time.Millisecond

			err := r.SaveCursor(context.Background(), 99)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantCalls, inner.calls)
			if !tt.wantErr {
				seq, ok, _ := r.GetCursor(context.Background())
				assert.Equal(t, true, ok)
				assert.Equal(t, int64(99), seq)
			}
		})
	}
}

func TestRetryingRespectsContext(t *testing.T) {
	inner := &flakyStore{errs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	r := NewRetrying(inner, testLogger())
	r.Delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.SaveCursor(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestIsTransient(t *testing.T) {
	assert.Equal(t, false, IsTransient(nil))
	assert.Equal(t, true, IsTransient(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")))
	assert.Equal(t, true, IsTransient(errors.New("context deadline exceeded (Client.Timeout exceeded)")))
	assert.Equal(t, false, IsTransient(errors.New("syntax error at or near \"SELEC\"")))
}

func TestPostgresCursor(t *testing.T) {
	dsn := os.Getenv("INGESTER_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("INGESTER_TEST_POSTGRES not set")
	}
	ctx := context.Background()

	s, err := OpenPostgres(ctx, PostgresConfig{
		DSN:    dsn,
		Stream: "test-" + time.Now().Format("150405.000000"),
		Table:  "ingester_cursor_test",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, ok, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, false, ok)

	for _, seq := range []int64{10, 11, 1 << 53} {
		if err := s.SaveCursor(ctx, seq); err != nil {
			t.Fatal(err)
		}
	}
	seq, ok, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(1<<53), seq)
}

func TestOpenPostgresValidation(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), PostgresConfig{Stream: "x"}); err == nil {
		t.Error("expected missing DSN to be rejected")
	}
	if _, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "postgres://localhost/db"}); err == nil {
		t.Error("expected missing stream to be rejected")
	}
}
