package history

import (
	"fmt"
	"sort"
)

// IDRange is a closed interval [First, Last] of record sequence IDs
// representing a maximal contiguous run of missing records.
//
// Sequence IDs are device-issued unsigned 32-bit values carried as int64 so
// arithmetic near the top of the range cannot overflow.
type IDRange struct {
	First int64
	Last  int64
}

// Len returns the number of IDs covered by the range.
func (r IDRange) Len() int64 {
	return r.Last - r.First + 1
}

// Contains reports whether seq falls inside the range.
func (r IDRange) Contains(seq int64) bool {
	return seq >= r.First && seq <= r.Last
}

// String returns a compact representation like "[101-103]" or "[101]".
func (r IDRange) String() string {
	if r.First == r.Last {
		return fmt.Sprintf("[%d]", r.First)
	}
	return fmt.Sprintf("[%d-%d]", r.First, r.Last)
}

// FindMissingRanges computes the complement of observed within the closed
// domain [lower, upper], coalesced into maximal contiguous IDRanges sorted
// ascending.
//
// The observed slice is treated as a set: duplicates are ignored, and values
// outside [lower, upper] are ignored. Both bounds are addressable members of
// the domain, so lower == upper with lower absent from observed yields the
// single degenerate range [lower, lower]. If every ID in the domain was
// observed, the result is empty; zero-length runs are never emitted.
//
// The scan sorts the observed IDs once and walks them against a running
// "missing run start" cursor, so cost is O(n log n) in the observed count
// and independent of the domain width. The domain is never materialized,
// which matters because a pump that has been running for months has a far
// larger ID space than any single fetch window.
//
// lower > upper is a programmer error and panics.
func FindMissingRanges(observed []int64, lower, upper int64) []IDRange {
	if lower > upper {
		panic(fmt.Sprintf("history: invalid gap domain [%d, %d]", lower, upper))
	}

	ids := make([]int64, 0, len(observed))
	for _, id := range observed {
		if id >= lower && id <= upper {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var gaps []IDRange
	next := lower // first ID not yet accounted for
	for _, id := range ids {
		if id < next {
			// duplicate of an already-consumed ID
			continue
		}
		if id > next {
			gaps = append(gaps, IDRange{First: next, Last: id - 1})
		}
		next = id + 1
	}
	if next <= upper {
		gaps = append(gaps, IDRange{First: next, Last: upper})
	}

	return gaps
}
