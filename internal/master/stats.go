package master

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"yqhp/taskfarm/pkg/types"
)

// executionStats records execution times of successful tasks in milliseconds.
type executionStats struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func newExecutionStats() *executionStats {
	// 1ms to 24h, 3 significant digits
	return &executionStats{hist: hdrhistogram.New(1, int64(24*time.Hour/time.Millisecond), 3)}
}

func (s *executionStats) record(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	s.mu.Lock()
	_ = s.hist.RecordValue(ms)
	s.mu.Unlock()
}

func (s *executionStats) summary() types.LatencySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return types.LatencySummary{
		Count: s.hist.TotalCount(),
		Mean:  time.Duration(s.hist.Mean() * float64(time.Millisecond)),
		P50:   ms(s.hist.ValueAtQuantile(50)),
		P95:   ms(s.hist.ValueAtQuantile(95)),
		P99:   ms(s.hist.ValueAtQuantile(99)),
		Max:   ms(s.hist.Max()),
	}
}
