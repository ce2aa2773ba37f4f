package cursorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cursorSaves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_cursor_saves_total",
	Help: "The total number of cursor save attempts by outcome",
}, []string{"outcome"})
