// Package ranges models buffered and seekable time ranges.
package ranges

import "sort"

// FudgeFactor absorbs rounding between container timestamps and playlist durations.
const FudgeFactor = 1.0 / 30

// Range is a half-open span of presentation time in seconds.
type Range struct {
	Start float64
	End   float64
}

// Ranges is an ordered, non-overlapping list of time ranges.
type Ranges []Range

// New builds Ranges from start/end pairs, sorting and merging overlaps.
func New(pairs ...[2]float64) Ranges {
	var r Ranges
	for _, p := range pairs {
		r = r.Add(p[0], p[1])
	}
	return r
}

// Len returns the number of ranges.
func (r Ranges) Len() int { return len(r) }

// Start returns the start of the range at index i.
func (r Ranges) Start(i int) float64 { return r[i].Start }

// End returns the end of the range at index i.
func (r Ranges) End(i int) float64 { return r[i].End }

// LastEnd returns the end of the final range, or 0 when empty.
func (r Ranges) LastEnd() float64 {
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1].End
}

// Add returns a copy of r with [start, end) merged in.
func (r Ranges) Add(start, end float64) Ranges {
	if end <= start {
		return r
	}
	out := make(Ranges, 0, len(r)+1)
	out = append(out, r...)
	out = append(out, Range{Start: start, End: end})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:1]
	for _, cur := range out[1:] {
		last := &merged[len(merged)-1]
		if cur.Start <= last.End {
			if cur.End > last.End {
				last.End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// Remove returns a copy of r with [start, end) cut out.
func (r Ranges) Remove(start, end float64) Ranges {
	if end <= start {
		return r
	}
	out := make(Ranges, 0, len(r)+1)
	for _, cur := range r {
		if cur.End <= start || cur.Start >= end {
			out = append(out, cur)
			continue
		}
		if cur.Start < start {
			out = append(out, Range{Start: cur.Start, End: start})
		}
		if cur.End > end {
			out = append(out, Range{Start: end, End: cur.End})
		}
	}
	return out
}

// TimeUntilRebuffer estimates seconds of playback left in the forward buffer.
// A negative result means playback is already stalled.
func TimeUntilRebuffer(buffered Ranges, currentTime, playbackRate float64) float64 {
	if playbackRate <= 0 {
		playbackRate = 1
	}
	return (buffered.LastEnd() - currentTime) / playbackRate
}
