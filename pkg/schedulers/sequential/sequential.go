// Package sequential runs every event inline on the caller's goroutine.
package sequential

import (
	"context"
	"log/slog"

	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/schedulers"
	"github.com/prometheus/client_golang/prometheus"
)

type Scheduler struct {
	handle schedulers.HandlerFunc
	name   string
	logger *slog.Logger

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	workersActive  prometheus.Gauge
}

func NewScheduler(name string, logger *slog.Logger, handle schedulers.HandlerFunc) *Scheduler {
	s := &Scheduler{
		handle: handle,
		name:   name,
		logger: logger.With("component", "sequential-scheduler", "name", name),

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(name, "sequential"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(name, "sequential"),
		itemsFailed:    schedulers.WorkItemsFailed.WithLabelValues(name, "sequential"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(name, "sequential"),
	}
	s.workersActive.Set(1)
	return s
}

// AddWork handles evt before returning and reports the handler's error.
func (s *Scheduler) AddWork(ctx context.Context, _ string, evt *models.Event) error {
	s.itemsAdded.Inc()
	err := s.handle(ctx, evt)
	s.itemsProcessed.Inc()
	if err != nil {
		s.itemsFailed.Inc()
	}
	return err
}

func (s *Scheduler) Shutdown() {
	s.workersActive.Set(0)
	s.logger.Debug("sequential scheduler shut down")
}

var _ schedulers.Scheduler = (*Scheduler)(nil)
