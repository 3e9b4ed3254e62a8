// Package interval implements the watched-span bookkeeping behind lesson
// progress: collapsing client-reported playback windows into a canonical
// set of disjoint spans and measuring their coverage.
package interval

import "sort"

// Span is a half-open watched range [Start, End) in seconds of video time.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Len returns the span length in seconds.
func (s Span) Len() float64 { return s.End - s.Start }

// Merge collapses spans into canonical form: sorted ascending by start,
// no two spans overlapping or touching. Spans that merely touch at a
// boundary are coalesced so back-to-back heartbeat windows produce a
// single span. Malformed spans (end <= start) are dropped.
//
// The input slice is not modified; the result is always freshly allocated.
func Merge(spans []Span) []Span {
	wellFormed := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start && s.Start >= 0 {
			wellFormed = append(wellFormed, s)
		}
	}
	if len(wellFormed) == 0 {
		return []Span{}
	}

	sort.Slice(wellFormed, func(i, j int) bool {
		if wellFormed[i].Start != wellFormed[j].Start {
			return wellFormed[i].Start < wellFormed[j].Start
		}
		return wellFormed[i].End < wellFormed[j].End
	})

	out := make([]Span, 0, len(wellFormed))
	cur := wellFormed[0]
	for _, next := range wellFormed[1:] {
		if next.Start <= cur.End {
			if next.End > cur.End {
				cur.End = next.End
			}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// UniqueSeconds returns the total coverage of a canonical span set, clipped
// to durationS. A span entirely past the duration contributes nothing; one
// straddling the boundary is clipped. durationS == 0 means the lesson
// duration is unknown, in which case the raw unclipped sum is returned.
func UniqueSeconds(spans []Span, durationS float64) float64 {
	var total float64
	for _, s := range spans {
		end := s.End
		if durationS > 0 && end > durationS {
			end = durationS
		}
		if d := end - s.Start; d > 0 {
			total += d
		}
	}
	return total
}

// MaxEnd returns the furthest point reached across spans, 0 when empty.
func MaxEnd(spans []Span) float64 {
	var max float64
	for _, s := range spans {
		if s.End > max {
			max = s.End
		}
	}
	return max
}
