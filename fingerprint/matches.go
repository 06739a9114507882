package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mediacache "github.com/clipforge/mediacache"
	"github.com/clipforge/mediacache/store/cachedb"
)

// Match confidence levels. Exact content-hash equality is always the
// highest-confidence match; the remaining tiers are heuristics over the
// lightweight content analysis.
const (
	ConfidenceExact    = 1.0
	ConfidenceProbable = 0.8
	ConfidencePossible = 0.5
)

// durationToleranceMs bounds how far apart two durations can be and still
// count as the same content for heuristic matching.
const durationToleranceMs = 500

// MatchResult pairs a registry fingerprint with the confidence that it
// identifies the same content as the candidate.
type MatchResult struct {
	Fingerprint mediacache.Fingerprint
	Confidence  float64
}

// FindMatches compares a candidate fingerprint against the stored registry
// and returns matches ordered by descending confidence. The head element is
// the best match; an empty result means the content has never been seen.
//
// A missing or unavailable registry yields an empty result, not an error:
// the caller degrades to treating the file as new content.
func (e *Engine) FindMatches(ctx context.Context, candidate mediacache.Fingerprint) ([]MatchResult, error) {
	var results []MatchResult

	// Exact content-hash lookup first.
	exact, err := e.registry.GetFingerprint(ctx, candidate.ContentHash)
	switch {
	case err == nil:
		results = append(results, MatchResult{Fingerprint: *exact, Confidence: ConfidenceExact})
	case errors.Is(err, cachedb.ErrNotFound):
		// No exact match, fall through to heuristics.
	case errors.Is(err, cachedb.ErrStoreUnavailable):
		return nil, nil
	default:
		return nil, fmt.Errorf("looking up fingerprint: %w", err)
	}

	all, err := e.registry.ListFingerprints(ctx)
	if err != nil {
		if errors.Is(err, cachedb.ErrStoreUnavailable) {
			return results, nil
		}
		return nil, fmt.Errorf("listing fingerprints: %w", err)
	}

	for _, fp := range all {
		if fp.ContentHash == candidate.ContentHash {
			continue // already covered by the exact lookup
		}
		if conf := heuristicConfidence(candidate, *fp); conf > 0 {
			results = append(results, MatchResult{Fingerprint: *fp, Confidence: conf})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Fingerprint.ContentHash.String() < results[j].Fingerprint.ContentHash.String()
	})
	return results, nil
}

// heuristicConfidence scores a non-exact candidate pair. Zero means no match.
func heuristicConfidence(a, b mediacache.Fingerprint) float64 {
	sameSize := a.SizeBytes > 0 && a.SizeBytes == b.SizeBytes
	sameDuration := a.Analysis.DurationMs > 0 && b.Analysis.DurationMs > 0 &&
		absInt64(a.Analysis.DurationMs-b.Analysis.DurationMs) <= durationToleranceMs

	switch {
	case sameSize && sameDuration:
		return ConfidenceProbable
	case sameDuration:
		return ConfidencePossible
	default:
		return 0
	}
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
