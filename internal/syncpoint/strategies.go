package syncpoint

import (
	"math"

	"segloader/internal/playlist"
)

// Point anchors a segment index of a playlist to a presentation time.
type Point struct {
	SegmentIndex int
	Time         float64
	Strategy     string
}

type strategy struct {
	name string
	run  func(c *Controller, p *playlist.Playlist, duration float64, currentTimeline int, currentTime float64) *Point
}

// strategies are tried in order; the result closest to the target wins.
var strategies = []strategy{
	{name: "VOD", run: vodStrategy},
	{name: "ProgramDateTime", run: programDateTimeStrategy},
	{name: "Segment", run: segmentStrategy},
	{name: "Discontinuity", run: discontinuityStrategy},
	{name: "Playlist", run: playlistStrategy},
}

// vodStrategy: a finite presentation always starts at zero.
func vodStrategy(_ *Controller, _ *playlist.Playlist, duration float64, _ int, _ float64) *Point {
	if math.IsInf(duration, 1) {
		return nil
	}
	return &Point{SegmentIndex: 0, Time: 0}
}

func programDateTimeStrategy(c *Controller, p *playlist.Playlist, _ float64, _ int, currentTime float64) *Point {
	if !c.hasDateTimeMapping {
		return nil
	}

	var point *Point
	lastDistance := math.Inf(1)
	for i, seg := range p.Segments {
		if seg.DateTime == nil {
			continue
		}
		segmentStart := float64(seg.DateTime.UnixMilli())/1000 + c.datetimeToDisplayTime
		distance := math.Abs(currentTime - segmentStart)
		if lastDistance < distance {
			break
		}
		lastDistance = distance
		point = &Point{SegmentIndex: i, Time: segmentStart}
	}
	return point
}

func segmentStrategy(_ *Controller, p *playlist.Playlist, _ float64, currentTimeline int, currentTime float64) *Point {
	var point *Point
	lastDistance := math.Inf(1)
	for i, seg := range p.Segments {
		if seg.Timeline != currentTimeline || !seg.TimingKnown() {
			continue
		}
		distance := math.Abs(currentTime - seg.Start)
		if lastDistance < distance {
			break
		}
		lastDistance = distance
		point = &Point{SegmentIndex: i, Time: seg.Start}
	}
	return point
}

func discontinuityStrategy(c *Controller, p *playlist.Playlist, _ float64, _ int, currentTime float64) *Point {
	var point *Point
	lastDistance := math.Inf(1)
	for i, segmentIndex := range p.DiscontinuityStarts {
		sync, ok := c.discontinuities[p.DiscontinuitySequence+i+1]
		if !ok {
			continue
		}
		distance := math.Abs(currentTime - sync.time)
		if lastDistance < distance {
			break
		}
		lastDistance = distance
		point = &Point{SegmentIndex: segmentIndex, Time: sync.time}
	}
	return point
}

func playlistStrategy(_ *Controller, p *playlist.Playlist, _ float64, _ int, _ float64) *Point {
	if p.SyncInfo == nil {
		return nil
	}
	return &Point{
		SegmentIndex: p.SyncInfo.MediaSequence - p.MediaSequence,
		Time:         p.SyncInfo.Time,
	}
}
