package orchestrator

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the orchestrator's rolling figures.
type Stats struct {
	// CacheHitRate is an exponentially smoothed hit rate over cache-relevant
	// reads, in [0, 1].
	CacheHitRate float64
	// AverageLoadTime is a smoothed operation duration, weighted towards
	// recent operations.
	AverageLoadTime time.Duration
	// Operations counts every orchestrator operation since construction.
	Operations int64
}

// rollingMetrics keeps the in-memory telemetry figures. Both figures are
// approximations: the hit rate halves its memory roughly every seven
// observations, the load time average weights the latest duration at 50%.
type rollingMetrics struct {
	mu        sync.Mutex
	hitRate   float64
	avgLoadMs float64
	ops       int64
}

// observeRead folds one cache-relevant read into the hit rate.
// rate' = rate*0.9 + 0.1 on hit, rate' = rate*0.9 on miss.
func (m *rollingMetrics) observeRead(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hitRate *= 0.9
	if hit {
		m.hitRate += 0.1
	}
}

// observeDuration folds one operation duration into the load time average.
// avg' = (avg + d) / 2.
func (m *rollingMetrics) observeDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.avgLoadMs = (m.avgLoadMs + float64(d)/float64(time.Millisecond)) / 2
	m.ops++
}

func (m *rollingMetrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		CacheHitRate:    m.hitRate,
		AverageLoadTime: time.Duration(m.avgLoadMs * float64(time.Millisecond)),
		Operations:      m.ops,
	}
}
