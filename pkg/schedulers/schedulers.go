// Package schedulers decouples delivery of domain events (archive, sinks,
// fan-out) from the relay read loop.
package schedulers

import (
	"context"

	"github.com/biosky/ingester/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler runs a handler for each event. Events sharing a key are handled
// in the order they were added.
type Scheduler interface {
	AddWork(ctx context.Context, key string, evt *models.Event) error
	Shutdown()
}

// HandlerFunc delivers one event downstream.
type HandlerFunc func(context.Context, *models.Event) error

var WorkItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_scheduler_work_items_added_total",
	Help: "The total number of work items added to the scheduler",
}, []string{"name", "scheduler_type"})

var WorkItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_scheduler_work_items_processed_total",
	Help: "The total number of work items processed by the scheduler",
}, []string{"name", "scheduler_type"})

var WorkItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_scheduler_work_items_failed_total",
	Help: "The total number of work items whose handler returned an error",
}, []string{"name", "scheduler_type"})

var KeysQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ingester_scheduler_keys_queued",
	Help: "The number of keys with work queued or in flight",
}, []string{"name", "scheduler_type"})

var WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ingester_scheduler_workers_active",
	Help: "The number of workers currently running",
}, []string{"name", "scheduler_type"})
