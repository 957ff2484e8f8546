// Package playlist holds the segment descriptor model shared by the loader and
// its collaborators.
package playlist

import (
	"fmt"
	"math"
	"time"

	"segloader/internal/ranges"
)

// ByteRange is an HTTP byte range within a resource.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// Header returns the value for an HTTP Range header.
func (b ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", b.Offset, b.Offset+b.Length-1)
}

// InitSegment is a media initialization section shared by many segments.
type InitSegment struct {
	ResolvedURI string
	ByteRange   *ByteRange
	// Bytes is nil until the init segment has been fetched.
	Bytes []byte
}

// Key describes the AES-128 key protecting a segment.
type Key struct {
	Method      string
	ResolvedURI string
	// IV is 16 bytes when declared by the manifest, nil otherwise.
	IV []byte
	// Bytes is nil until the key has been fetched.
	Bytes []byte
}

// VideoTimingInfo is timing reported by the sink after a video append.
type VideoTimingInfo struct {
	TransmuxerPrependedSeconds  float64
	TransmuxedPresentationStart float64
	TransmuxedPresentationEnd   float64
	BaseMediaDecodeTime         float64
}

// Segment is one media segment of a playlist.
type Segment struct {
	URI         string
	ResolvedURI string
	ByteRange   *ByteRange
	// Duration is the nominal duration in seconds from the manifest.
	Duration float64
	// Timeline increments at every discontinuity.
	Timeline int
	// Discontinuity marks the first segment of a new timeline.
	Discontinuity bool
	Map           *InitSegment
	Key           *Key
	DateTime      *time.Time

	// Start and End are presentation times, valid only when TimingKnown.
	Start       float64
	End         float64
	timingKnown bool

	VideoTimingInfo *VideoTimingInfo
}

// SetTiming records probed presentation bounds for the segment.
func (s *Segment) SetTiming(start, end float64) {
	s.Start = start
	s.End = end
	s.timingKnown = true
}

// TimingKnown reports whether Start and End have been written.
func (s *Segment) TimingKnown() bool {
	return s.timingKnown
}

// Attributes are the rendition attributes declared by the multivariant manifest.
type Attributes struct {
	Bandwidth  int
	Resolution string
	Codecs     string
}

// SyncInfo anchors a media sequence number to a presentation time.
type SyncInfo struct {
	MediaSequence int
	Time          float64
}

// Playlist is a media playlist. A refresh produces a new Playlist value.
type Playlist struct {
	ID                    string
	URI                   string
	MediaSequence         int
	DiscontinuitySequence int
	TargetDuration        float64
	EndList               bool
	DiscontinuityStarts   []int
	Attributes            Attributes
	Segments              []*Segment

	SyncInfo *SyncInfo

	// ExcludeUntil removes the playlist from rendition selection until the given time.
	// The zero value means not excluded; ExcludedForever marks a permanent exclusion.
	ExcludeUntil    time.Time
	ExcludedForever bool
	Disabled        bool
}

// Identity returns the id if set, otherwise the URI.
func (p *Playlist) Identity() string {
	if p == nil {
		return ""
	}
	if p.ID != "" {
		return p.ID
	}
	return p.URI
}

// IsEnabled reports whether the playlist may be selected at time now.
func (p *Playlist) IsEnabled(now time.Time) bool {
	if p.Disabled || p.ExcludedForever {
		return false
	}
	return p.ExcludeUntil.IsZero() || !now.Before(p.ExcludeUntil)
}

// Exclude removes the playlist from selection for d, or forever when d is negative.
func (p *Playlist) Exclude(now time.Time, d time.Duration) {
	if d < 0 {
		p.ExcludedForever = true
		return
	}
	p.ExcludeUntil = now.Add(d)
}

// Master is the set of renditions a session can switch between.
type Master struct {
	URI string
	// Format is the manifest format the renditions were read from.
	Format    string
	Playlists []*Playlist
}

// Duration returns the total duration of a VOD playlist, or +Inf for live.
func Duration(p *Playlist) float64 {
	if p == nil {
		return 0
	}
	if !p.EndList {
		return math.Inf(1)
	}
	return SumDurations(p, 0, len(p.Segments))
}

// SumDurations returns the nominal duration between two segment indexes. The
// order of the indexes does not matter.
func SumDurations(p *Playlist, startIndex, endIndex int) float64 {
	if startIndex > endIndex {
		startIndex, endIndex = endIndex, startIndex
	}
	var total float64
	for i := startIndex; i < endIndex; i++ {
		if i < 0 || i >= len(p.Segments) {
			total += p.TargetDuration
			continue
		}
		total += p.Segments[i].Duration
	}
	return total
}

// GetMediaInfoForTime finds the segment containing t, walking from a known
// anchor (startIndex, startTime). It returns the segment index and its start time.
func GetMediaInfoForTime(p *Playlist, t float64, startIndex int, startTime float64) (int, float64) {
	remaining := t - startTime

	if remaining < 0 {
		if startIndex > 0 {
			for i := startIndex - 1; i >= 0; i-- {
				remaining += p.Segments[i].Duration + ranges.FudgeFactor
				if remaining > 0 {
					return i, startTime - SumDurations(p, startIndex, i)
				}
			}
		}
		return 0, t
	}

	if startIndex < 0 {
		for i := startIndex; i < 0; i++ {
			remaining -= p.TargetDuration
			if remaining < 0 {
				return 0, t
			}
		}
		startIndex = 0
	}

	for i := startIndex; i < len(p.Segments); i++ {
		remaining -= p.Segments[i].Duration + ranges.FudgeFactor
		if remaining < 0 {
			return i, startTime + SumDurations(p, startIndex, i)
		}
	}

	return len(p.Segments) - 1, t
}

// EstimateSegmentRequestTime estimates the seconds needed to finish downloading a
// segment of the playlist at the given bandwidth (bits per second).
func EstimateSegmentRequestTime(segmentDuration, bandwidth float64, p *Playlist, bytesReceived int64) float64 {
	if p == nil || p.Attributes.Bandwidth == 0 || bandwidth <= 0 {
		return math.NaN()
	}
	size := float64(p.Attributes.Bandwidth) * segmentDuration
	return (size - float64(bytesReceived)*8) / bandwidth
}
