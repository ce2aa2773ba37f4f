package monotonic

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNewClockPrecision(t *testing.T) {
	for _, p := range []time.Duration{time.Second, time.Millisecond, time.Microsecond, time.Nanosecond} {
		if _, err := NewClock(p); err != nil {
			t.Errorf("precision %v: %v", p, err)
		}
	}
	if _, err := NewClock(time.Minute); err == nil {
		t.Error("expected minute precision to be rejected")
	}
}

func TestClockUnits(t *testing.T) {
	fixed := time.Date(2024, 3, 13, 17, 0, 0, 123456789, time.UTC)

	tests := []struct {
		precision time.Duration
		want      int64
	}{
		{time.Second, fixed.Unix()},
		{time.Millisecond, fixed.UnixMilli()},
		{time.Microsecond, fixed.UnixMicro()},
		{time.Nanosecond, fixed.UnixNano()},
	}
	for _, tt := range tests {
		c, err := NewClock(tt.precision)
		if err != nil {
			t.Fatal(err)
		}
		c.source = func() time.Time { return fixed }
		assert.Equal(t, tt.want, c.Now())
	}
}

func TestClockNeverRepeats(t *testing.T) {
	c, _ := NewClock(time.Second)
	fixed := time.Unix(1000, 0)
	c.source = func() time.Time { return fixed }

	assert.Equal(t, int64(1000), c.Now())
	assert.Equal(t, int64(1001), c.Now())

	// wall clock going backwards still moves forward
	fixed = time.Unix(500, 0)
	assert.Equal(t, int64(1002), c.Now())
	assert.Equal(t, int64(1002), c.Last())
}

func TestClockConcurrent(t *testing.T) {
	c, _ := NewClock(time.Microsecond)

	const workers, per = 8, 500
	results := make(chan int64, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				results <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, workers*per)
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate timestamp %d", v)
		}
		seen[v] = true
	}
}
