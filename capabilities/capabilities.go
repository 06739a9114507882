// Package capabilities classifies the host device so the cache can size
// itself: a short fixed-iteration numeric benchmark plus CPU and memory
// inspection yield a performance tier, a recommended cache budget and a
// concurrency budget.
package capabilities

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Tier is the coarse performance class of the host.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// benchIterations is fixed so the benchmark cost is bounded and scores are
// comparable across runs on the same host.
const benchIterations = 2_000_000

// Report describes the detected device capabilities.
type Report struct {
	Tier Tier

	// BenchmarkScore is iterations per millisecond; higher is faster.
	BenchmarkScore float64

	LogicalCPUs    int
	TotalMemory    uint64
	UsedMemoryPct  float64

	// RecommendedCacheBytes is the suggested cache-pressure threshold.
	RecommendedCacheBytes int64
	// RecommendedConcurrency is the suggested parallel artifact budget.
	RecommendedConcurrency int
}

// fallbackReport is returned when host inspection fails; mid-tier values
// keep the cache usable rather than failing detection.
func fallbackReport(score float64) Report {
	return Report{
		Tier:                   TierMedium,
		BenchmarkScore:         score,
		LogicalCPUs:            runtime.NumCPU(),
		RecommendedCacheBytes:  100 << 20,
		RecommendedConcurrency: 2,
	}
}

// Detect classifies the host. Inspection failures never surface as errors;
// the static fallback is returned instead.
func Detect(ctx context.Context, logger *slog.Logger) Report {
	if logger == nil {
		logger = slog.Default()
	}

	score := benchmark()

	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil || counts <= 0 {
		logger.Warn("cpu inspection failed, using fallback capabilities", "error", err)
		return fallbackReport(score)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Warn("memory inspection failed, using fallback capabilities", "error", err)
		return fallbackReport(score)
	}

	r := Report{
		BenchmarkScore: score,
		LogicalCPUs:    counts,
		TotalMemory:    vm.Total,
		UsedMemoryPct:  vm.UsedPercent,
	}
	r.Tier = classify(score, counts, vm.Total)

	switch r.Tier {
	case TierHigh:
		r.RecommendedCacheBytes = 500 << 20
		r.RecommendedConcurrency = counts
	case TierMedium:
		r.RecommendedCacheBytes = 200 << 20
		r.RecommendedConcurrency = max(counts/2, 2)
	default:
		r.RecommendedCacheBytes = 50 << 20
		r.RecommendedConcurrency = 1
	}

	logger.Info("device capabilities detected",
		"tier", r.Tier,
		"score", r.BenchmarkScore,
		"cpus", r.LogicalCPUs,
		"memory_bytes", r.TotalMemory)
	return r
}

// benchmark runs a bounded numeric loop and returns iterations per
// millisecond. No I/O; the cost is a few milliseconds on any modern host.
func benchmark() float64 {
	start := time.Now()

	acc := 1.0
	for i := 1; i <= benchIterations; i++ {
		acc += math.Sqrt(float64(i)) * 1.000000001
		if acc > 1e12 {
			acc = 1.0
		}
	}
	_ = acc

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(benchIterations) / (float64(elapsed) / float64(time.Millisecond))
}

func classify(score float64, cpus int, totalMem uint64) Tier {
	points := 0

	if score > 200_000 {
		points += 2
	} else if score > 50_000 {
		points++
	}

	if cpus >= 8 {
		points += 2
	} else if cpus >= 4 {
		points++
	}

	if totalMem >= 16<<30 {
		points += 2
	} else if totalMem >= 8<<30 {
		points++
	}

	switch {
	case points >= 5:
		return TierHigh
	case points >= 2:
		return TierMedium
	default:
		return TierLow
	}
}
