// Package parallel runs events on a fixed pool of workers. Events for the
// same key (a repository DID) run one at a time in order; different keys run
// concurrently.
package parallel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/schedulers"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

type task struct {
	ctx context.Context
	key string
	evt *models.Event
}

type Scheduler struct {
	numWorkers int
	name       string
	handle     schedulers.HandlerFunc
	logger     *slog.Logger

	feeder chan *task
	wg     sync.WaitGroup

	lk       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	// pending holds the queued follow-ups for each key a worker currently owns.
	pending map[string][]*task

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	keysQueued     prometheus.Gauge
	workersActive  prometheus.Gauge
}

func NewScheduler(numWorkers int, name string, logger *slog.Logger, handle schedulers.HandlerFunc) *Scheduler {
	if numWorkers < 1 {
		numWorkers = 1
	}
	s := &Scheduler{
		numWorkers: numWorkers,
		name:       name,
		handle:     handle,
		logger:     logger.With("component", "parallel-scheduler", "name", name),

		feeder:  make(chan *task),
		pending: make(map[string][]*task),

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(name, "parallel"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(name, "parallel"),
		itemsFailed:    schedulers.WorkItemsFailed.WithLabelValues(name, "parallel"),
		keysQueued:     schedulers.KeysQueued.WithLabelValues(name, "parallel"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(name, "parallel"),
	}

	s.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go s.worker()
	}
	s.workersActive.Set(float64(numWorkers))

	return s
}

// AddWork queues evt. It blocks while every worker is busy with other keys
// and fails once the scheduler is shut down or ctx ends.
func (s *Scheduler) AddWork(ctx context.Context, key string, evt *models.Event) error {
	t := &task{ctx: ctx, key: key, evt: evt}

	s.lk.Lock()
	if s.stopped {
		s.lk.Unlock()
		return ErrShutdown
	}
	s.itemsAdded.Inc()
	s.inflight.Add(1)

	if q, ok := s.pending[key]; ok {
		s.pending[key] = append(q, t)
		s.lk.Unlock()
		return nil
	}
	s.pending[key] = []*task{}
	s.keysQueued.Set(float64(len(s.pending)))
	s.lk.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
		s.lk.Lock()
		// follow-ups queued behind the abandoned task are dropped with it
		rest := s.pending[key]
		delete(s.pending, key)
		s.keysQueued.Set(float64(len(s.pending)))
		s.lk.Unlock()
		s.inflight.Done()
		for range rest {
			s.inflight.Done()
		}
		return ctx.Err()
	}
}

// Shutdown stops accepting work, drains everything already queued and waits
// for the workers to exit.
func (s *Scheduler) Shutdown() {
	s.lk.Lock()
	if s.stopped {
		s.lk.Unlock()
		return
	}
	s.stopped = true
	s.lk.Unlock()

	s.logger.Debug("shutting down parallel scheduler")
	s.inflight.Wait()
	close(s.feeder)
	s.wg.Wait()
	s.workersActive.Set(0)
	s.logger.Debug("parallel scheduler shutdown complete")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.feeder {
		for t != nil {
			if err := s.handle(t.ctx, t.evt); err != nil {
				s.itemsFailed.Inc()
				s.logger.Error("event handler failed", "error", err, "key", t.key)
			}
			s.itemsProcessed.Inc()
			s.inflight.Done()

			s.lk.Lock()
			q := s.pending[t.key]
			if len(q) == 0 {
				delete(s.pending, t.key)
				s.keysQueued.Set(float64(len(s.pending)))
				t = nil
			} else {
				s.pending[t.key] = q[1:]
				t = q[0]
			}
			s.lk.Unlock()
		}
	}
}

var _ schedulers.Scheduler = (*Scheduler)(nil)
