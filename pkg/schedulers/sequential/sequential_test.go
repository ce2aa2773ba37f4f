package sequential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/biosky/ingester/pkg/models"
	"github.com/go-playground/assert/v2"
)

func TestAddWorkRunsInline(t *testing.T) {
	var got []int64
	boom := errors.New("boom")

	s := NewScheduler("test", slog.New(slog.NewTextHandler(io.Discard, nil)), func(_ context.Context, e *models.Event) error {
		got = append(got, e.Seq)
		if e.Seq == 2 {
			return boom
		}
		return nil
	})
	defer s.Shutdown()

	ctx := context.Background()
	assert.Equal(t, nil, s.AddWork(ctx, "did:plc:a", &models.Event{Seq: 1}))
	assert.Equal(t, boom, s.AddWork(ctx, "did:plc:b", &models.Event{Seq: 2}))
	assert.Equal(t, []int64{1, 2}, got)
}
