package main

import (
	"github.com/biosky/ingester/pkg/client"
)

// stallDetector reports a stream that is connected yet no longer moving the
// cursor. Reconnects are left to the client's own backoff budget, so any tick
// that does not find an open connection with processed commits disarms it.
type stallDetector struct {
	lastSeq int64
	armed   bool
}

// Check is called once per liveness tick and reports whether the cursor has
// not moved since the previous tick while connected throughout.
func (d *stallDetector) Check(status Status) bool {
	if status.State() != client.StateConnected || status.LastProcessedAt().IsZero() {
		d.armed = false
		return false
	}
	seq, ok := status.Cursor()
	if !ok {
		d.armed = false
		return false
	}
	if d.armed && seq == d.lastSeq {
		return true
	}
	d.lastSeq, d.armed = seq, true
	return false
}
