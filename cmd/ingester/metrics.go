package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ingester_subscribers_connected",
	Help: "The number of fan-out subscribers connected",
}, []string{"format"})

var eventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_events_emitted_total",
	Help: "The total number of events offered to fan-out subscribers",
})

var bytesEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_bytes_emitted_total",
	Help: "The total number of encoded bytes produced for fan-out subscribers",
})

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_events_delivered_total",
	Help: "The total number of events delivered to fan-out subscribers",
}, []string{"format"})

var bytesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_bytes_delivered_total",
	Help: "The total number of bytes delivered to fan-out subscribers",
}, []string{"format"})

var subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingester_subscribers_dropped_total",
	Help: "The total number of subscribers disconnected for falling behind",
})

var deliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_delivery_failures_total",
	Help: "The total number of events a downstream stage failed to accept",
}, []string{"stage"})
