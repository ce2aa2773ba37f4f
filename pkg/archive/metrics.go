package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsArchived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_archive_events_written_total",
	Help: "The total number of events written to the archive",
})

var eventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_archive_events_replayed_total",
	Help: "The total number of archived events replayed to subscribers",
})
