package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_client_bytes_read",
	Help: "The total number of bytes read from the relay",
}, []string{"relay"})

var framesRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_client_frames_read",
	Help: "The total number of frames read from the relay",
}, []string{"relay"})

var decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_client_decode_failures_total",
	Help: "The total number of relay frames dropped because they failed to decode",
}, []string{"relay"})

var reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingester_client_reconnects_total",
	Help: "The total number of reconnect attempts to the relay",
}, []string{"relay"})

var connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ingester_client_connection_state",
	Help: "The current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 stopped)",
}, []string{"relay"})
