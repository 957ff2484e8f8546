// Package abr chooses renditions from a master playlist.
package abr

import (
	"math"
	"sort"
	"time"

	"segloader/internal/playlist"
	"segloader/internal/syncpoint"
)

// BandwidthVariance scales rendition bandwidth before comparing it with a
// measured bandwidth.
const BandwidthVariance = 1.2

// SyncPoints reports whether a playlist can be joined without a sync request.
type SyncPoints interface {
	GetSyncPoint(p *playlist.Playlist, duration float64, currentTimeline int, currentTime float64) *syncpoint.Point
}

// Context is the input of a rebuffer-aware rendition choice.
type Context struct {
	Master            *playlist.Master
	CurrentTime       float64
	Bandwidth         float64
	Duration          float64
	SegmentDuration   float64
	TimeUntilRebuffer float64
	CurrentTimeline   int
	SyncPoints        SyncPoints
	Now               time.Time
}

// Candidate is a rendition and the estimated stall it would cause.
type Candidate struct {
	Playlist          *playlist.Playlist
	RebufferingImpact float64
}

func selectable(master *playlist.Master, now time.Time) []*playlist.Playlist {
	var compatible []*playlist.Playlist
	for _, p := range master.Playlists {
		if !p.ExcludedForever {
			compatible = append(compatible, p)
		}
	}

	var enabled []*playlist.Playlist
	for _, p := range compatible {
		if p.IsEnabled(now) {
			enabled = append(enabled, p)
		}
	}
	if len(enabled) > 0 {
		return enabled
	}

	// Everything is excluded: ignore temporary exclusions rather than stall.
	for _, p := range compatible {
		if !p.Disabled {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// MinRebufferMaxBandwidth returns the highest bandwidth rendition expected not to
// cause a stall, or failing that the one with the smallest expected stall.
// It returns nil when no rendition declares a bandwidth.
func MinRebufferMaxBandwidth(c Context) *Candidate {
	if c.Master == nil {
		return nil
	}

	var estimates []Candidate
	for _, p := range selectable(c.Master, c.Now) {
		if p.Attributes.Bandwidth == 0 {
			continue
		}
		numRequests := 2.0
		if c.SyncPoints != nil && c.SyncPoints.GetSyncPoint(p, c.Duration, c.CurrentTimeline, c.CurrentTime) != nil {
			numRequests = 1
		}
		estimate := playlist.EstimateSegmentRequestTime(c.SegmentDuration, c.Bandwidth, p, 0)
		impact := estimate*numRequests - c.TimeUntilRebuffer
		if math.IsNaN(impact) {
			impact = math.Inf(1)
		}
		estimates = append(estimates, Candidate{Playlist: p, RebufferingImpact: impact})
	}
	if len(estimates) == 0 {
		return nil
	}

	var noRebuffering []Candidate
	for _, e := range estimates {
		if e.RebufferingImpact <= 0 {
			noRebuffering = append(noRebuffering, e)
		}
	}
	if len(noRebuffering) > 0 {
		sort.SliceStable(noRebuffering, func(i, j int) bool {
			return noRebuffering[i].Playlist.Attributes.Bandwidth > noRebuffering[j].Playlist.Attributes.Bandwidth
		})
		return &noRebuffering[0]
	}

	sort.SliceStable(estimates, func(i, j int) bool {
		return estimates[i].RebufferingImpact < estimates[j].RebufferingImpact
	})
	return &estimates[0]
}

// ByBandwidth picks the highest bandwidth rendition that fits within the
// measured bandwidth after variance, falling back to the lowest enabled one.
func ByBandwidth(master *playlist.Master, bandwidth float64, now time.Time) *playlist.Playlist {
	if master == nil || len(master.Playlists) == 0 {
		return nil
	}

	sorted := make([]*playlist.Playlist, len(master.Playlists))
	copy(sorted, master.Playlists)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Attributes.Bandwidth < sorted[j].Attributes.Bandwidth
	})

	var enabled []*playlist.Playlist
	for _, p := range sorted {
		if p.IsEnabled(now) && p.Attributes.Bandwidth > 0 {
			enabled = append(enabled, p)
		}
	}

	var best *playlist.Playlist
	for _, p := range enabled {
		if float64(p.Attributes.Bandwidth)*BandwidthVariance < bandwidth {
			best = p
		}
	}
	switch {
	case best != nil:
		return best
	case len(enabled) > 0:
		return enabled[0]
	}

	for _, p := range sorted {
		if p.IsEnabled(now) {
			return p
		}
	}
	return sorted[0]
}
