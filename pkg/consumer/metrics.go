package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_frames_processed_total",
	Help: "The total number of relay frames processed by Consumer",
}, []string{"frame_type", "socket_url"})

var commitsDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_commits_dropped_total",
	Help: "The total number of commits dropped for missing or malformed metadata",
}, []string{"socket_url"})

var opsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_ops_processed_total",
	Help: "The total number of repo operations processed by Consumer",
}, []string{"action", "outcome", "socket_url"})

var recordsMissingCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_records_missing_total",
	Help: "The total number of create or update operations whose record could not be extracted",
}, []string{"kind", "socket_url"})

var eventsEmittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_events_emitted_total",
	Help: "The total number of domain events emitted to handlers",
}, []string{"kind", "socket_url"})

var eventProcessingDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "consumer_event_processing_duration_seconds",
	Help:    "The amount of time it takes to process a commit",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
}, []string{"socket_url"})

var lastSeqGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_last_seq",
	Help: "The sequence number of the last event processed",
}, []string{"socket_url"})

var lastEvtProcessedAtGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_last_evt_processed_at",
	Help: "The timestamp of the last event processed",
}, []string{"socket_url"})

var lastEvtCreatedAtGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_last_evt_created_at",
	Help: "The timestamp of the last event created",
}, []string{"socket_url"})

var lastEvtCreatedEvtProcessedGapGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_last_evt_created_evt_processed_gap",
	Help: "The gap between the last event's event timestamp and when it was processed by consumer",
}, []string{"socket_url"})
