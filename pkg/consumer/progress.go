package consumer

import (
	"sync/atomic"
	"time"
)

// Progress is the cursor of the consumer: the sequence number of the last
// commit processed. It is written by the stream goroutine and read by the
// cursor persistence task.
type Progress struct {
	lastSeq     atomic.Int64
	processedAt atomic.Int64
}

// NewProgress returns a Progress with no sequence recorded.
func NewProgress() *Progress {
	p := &Progress{}
	p.lastSeq.Store(-1)
	return p
}

// Update records seq as the last processed sequence number.
func (p *Progress) Update(seq int64, processedAt time.Time) {
	p.lastSeq.Store(seq)
	if processedAt.IsZero() {
		p.processedAt.Store(0)
		return
	}
	p.processedAt.Store(processedAt.UnixNano())
}

// Get returns the last processed sequence number, if any.
func (p *Progress) Get() (int64, bool) {
	seq := p.lastSeq.Load()
	if seq < 0 {
		return 0, false
	}
	return seq, true
}

// ProcessedAt returns when the last sequence number was recorded.
func (p *Progress) ProcessedAt() time.Time {
	ns := p.processedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
