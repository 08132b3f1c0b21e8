package performance

import (
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// overlap returns the length of [aStart, aEnd) ∩ [bStart, bEnd), or 0.
func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// statusAt returns the status active at instant t given a sorted history.
// When no entry is at or before t the agent's current status (fallback)
// is used, then Available.
func statusAt(history []types.StatusTransition, t time.Time, fallback types.Status) types.Status {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Timestamp.After(t) {
			return history[i].To
		}
	}
	if fallback.Valid() {
		return fallback
	}
	return types.StatusAvailable
}

// BreakSeconds sums the time spent in Break within [start, end),
// truncated to whole seconds. history may be unsorted.
func BreakSeconds(history []types.StatusTransition, fallback types.Status, start, end time.Time) int64 {
	if !end.After(start) {
		return 0
	}

	sorted := make([]types.StatusTransition, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var total time.Duration
	current := statusAt(sorted, start, fallback)
	markerStart := start

	for _, tr := range sorted {
		if !tr.Timestamp.After(start) {
			continue
		}
		if !tr.Timestamp.Before(end) {
			break
		}
		if current == types.StatusBreak {
			total += overlap(markerStart, tr.Timestamp, start, end)
		}
		current = tr.To
		markerStart = tr.Timestamp
	}
	if current == types.StatusBreak {
		total += overlap(markerStart, end, start, end)
	}

	return int64(total / time.Second)
}
