// Package syncpoint maps playback time to playlist positions. It learns timeline
// mappings from probed segments and keeps them across playlist refreshes.
package syncpoint

import (
	"fmt"
	"math"
	"sync"

	"segloader/internal/logger"
	"segloader/internal/playlist"
	"segloader/internal/probe"
)

// TimingInfo is what probing a segment revealed.
type TimingInfo = probe.Result

// ProbeRequest describes a fetched segment to the controller.
type ProbeRequest struct {
	Segment    *playlist.Segment
	Playlist   *playlist.Playlist
	MediaIndex int
	Timeline   int
	// StartOfSegment is the expected presentation start of the segment.
	StartOfSegment float64
	// TimestampOffset is non-nil when the segment starts a new timestamp
	// offset. The controller may adjust it.
	TimestampOffset *float64
	Bytes           []byte
	InitBytes       []byte
}

type timelineMapping struct {
	time    float64
	mapping float64
}

type discontinuitySync struct {
	time     float64
	accuracy int
}

// Controller is the default synchronization oracle.
type Controller struct {
	logger logger.Logger

	timelines       map[int]timelineMapping
	discontinuities map[int]discontinuitySync

	datetimeToDisplayTime float64
	hasDateTimeMapping    bool

	// inspectCache carries the last probed DTS to unwrap timestamp rollover.
	inspectCache    int64
	hasInspectCache bool

	mutex     sync.Mutex
	listeners map[int]func()
	nextID    int
}

// New creates a Controller.
func New(log logger.Logger) *Controller {
	return &Controller{
		logger:          log.Named("SyncController"),
		timelines:       make(map[int]timelineMapping),
		discontinuities: make(map[int]discontinuitySync),
		listeners:       make(map[int]func()),
	}
}

// OnSyncInfoUpdate registers f to run whenever playlist sync info changes.
// The returned function removes the listener.
func (c *Controller) OnSyncInfoUpdate(f func()) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = f
	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) triggerSyncInfoUpdate() {
	c.mutex.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if f, ok := c.listeners[i]; ok {
			fns = append(fns, f)
		}
	}
	c.mutex.Unlock()

	for _, f := range fns {
		f()
	}
}

// GetSyncPoint returns the anchor closest to currentTime, or nil when no
// strategy can produce one.
func (c *Controller) GetSyncPoint(p *playlist.Playlist, duration float64, currentTimeline int, currentTime float64) *Point {
	points := c.runStrategies(p, duration, currentTimeline, currentTime)
	if len(points) == 0 {
		return nil
	}
	return c.selectSyncPoint(points, func(pt *Point) float64 { return pt.Time }, currentTime, "time")
}

// GetExpiredTime returns the presentation time of the first segment still in
// the playlist, or false when it cannot be determined.
func (c *Controller) GetExpiredTime(p *playlist.Playlist, duration float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	points := c.runStrategies(p, duration, p.DiscontinuitySequence, 0)
	if len(points) == 0 {
		return 0, false
	}
	point := c.selectSyncPoint(points, func(pt *Point) float64 { return float64(pt.SegmentIndex) }, 0, "segmentIndex")

	t := point.Time
	if point.SegmentIndex > 0 {
		t = -t
	}
	return math.Abs(t + playlist.SumDurations(p, point.SegmentIndex, 0)), true
}

func (c *Controller) runStrategies(p *playlist.Playlist, duration float64, currentTimeline int, currentTime float64) []*Point {
	var points []*Point
	for _, s := range strategies {
		if pt := s.run(c, p, duration, currentTimeline, currentTime); pt != nil {
			pt.Strategy = s.name
			points = append(points, pt)
		}
	}
	return points
}

func (c *Controller) selectSyncPoint(points []*Point, key func(*Point) float64, target float64, keyName string) *Point {
	best := points[0]
	bestDistance := math.Abs(key(best) - target)
	for _, pt := range points[1:] {
		if d := math.Abs(key(pt) - target); d < bestDistance {
			bestDistance = d
			best = pt
		}
	}
	c.logger.Debugf("syncPoint for [%s: %v] chosen with strategy [%s]: [time:%v, segmentIndex:%d]",
		keyName, target, best.Strategy, best.Time, best.SegmentIndex)
	return best
}

// SaveExpiredSegmentInfo records the timing of the newest segment that fell
// off a live playlist as the new playlist's sync info.
func (c *Controller) SaveExpiredSegmentInfo(oldPlaylist, newPlaylist *playlist.Playlist) {
	diff := newPlaylist.MediaSequence - oldPlaylist.MediaSequence
	for i := diff - 1; i >= 0; i-- {
		if i >= len(oldPlaylist.Segments) {
			continue
		}
		removed := oldPlaylist.Segments[i]
		if !removed.TimingKnown() {
			continue
		}
		newPlaylist.SyncInfo = &playlist.SyncInfo{
			MediaSequence: oldPlaylist.MediaSequence + i,
			Time:          removed.Start,
		}
		c.logger.Debugf("playlist refresh sync: [time:%v, mediaSequence: %d]", removed.Start, newPlaylist.SyncInfo.MediaSequence)
		c.triggerSyncInfoUpdate()
		return
	}
}

// SetDateTimeMapping anchors program date time to presentation time using the
// first segment of the first playlist that carries one.
func (c *Controller) SetDateTimeMapping(p *playlist.Playlist) {
	if c.hasDateTimeMapping || p == nil || len(p.Segments) == 0 || p.Segments[0].DateTime == nil {
		return
	}
	c.datetimeToDisplayTime = -float64(p.Segments[0].DateTime.UnixMilli()) / 1000
	c.hasDateTimeMapping = true
}

// Reset forgets the timestamp rollover reference. Learned mappings are kept.
func (c *Controller) Reset() {
	c.hasInspectCache = false
}

// ProbeSegmentInfo probes a fetched segment and, when a timeline mapping is
// known or being established, writes presentation start and end back to the
// segment. It returns nil timing when the segment could not be probed.
func (c *Controller) ProbeSegmentInfo(req *ProbeRequest) (*TimingInfo, error) {
	var initBytes []byte
	if req.Segment.Map != nil {
		initBytes = req.InitBytes
		if initBytes == nil {
			initBytes = req.Segment.Map.Bytes
		}
	}

	info, err := probe.Probe(req.Bytes, initBytes, probe.Options{
		Reference:    c.inspectCache,
		HasReference: c.hasInspectCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to probe segment %s: %w", req.Segment.ResolvedURI, err)
	}
	if info.HasLastDTS {
		c.inspectCache = info.LastDTS
		c.hasInspectCache = true
	}
	if !info.HasTiming {
		return info, nil
	}

	// Fragmented MP4 carries its own decode time, remove it from the offset.
	if req.Segment.Map != nil && req.TimestampOffset != nil {
		*req.TimestampOffset -= info.Start
	}

	if c.calculateSegmentTimeMapping(req, info) {
		c.saveDiscontinuitySyncInfo(req)
		if req.Playlist.SyncInfo == nil {
			req.Playlist.SyncInfo = &playlist.SyncInfo{
				MediaSequence: req.Playlist.MediaSequence + req.MediaIndex,
				Time:          req.Segment.Start,
			}
		}
	}
	return info, nil
}

func (c *Controller) calculateSegmentTimeMapping(req *ProbeRequest, info *TimingInfo) bool {
	seg := req.Segment
	mapping, known := c.timelines[req.Timeline]

	switch {
	case req.TimestampOffset != nil:
		mapping = timelineMapping{
			time:    req.StartOfSegment,
			mapping: req.StartOfSegment - info.Start,
		}
		c.timelines[req.Timeline] = mapping
		c.logger.Debugf("time mapping for timeline %d: [time: %v] [mapping: %v]", req.Timeline, mapping.time, mapping.mapping)
		seg.SetTiming(req.StartOfSegment, info.End+mapping.mapping)
	case known:
		seg.SetTiming(info.Start+mapping.mapping, info.End+mapping.mapping)
	default:
		return false
	}
	return true
}

func (c *Controller) saveDiscontinuitySyncInfo(req *ProbeRequest) {
	p := req.Playlist
	seg := req.Segment

	if seg.Discontinuity {
		c.discontinuities[seg.Timeline] = discontinuitySync{time: seg.Start, accuracy: 0}
		return
	}

	for i, segmentIndex := range p.DiscontinuityStarts {
		discontinuity := p.DiscontinuitySequence + i + 1
		diff := segmentIndex - req.MediaIndex
		accuracy := diff
		if accuracy < 0 {
			accuracy = -accuracy
		}
		existing, ok := c.discontinuities[discontinuity]
		if ok && existing.accuracy <= accuracy {
			continue
		}
		var t float64
		if diff < 0 {
			t = seg.Start - playlist.SumDurations(p, req.MediaIndex, segmentIndex)
		} else {
			t = seg.End + playlist.SumDurations(p, req.MediaIndex+1, segmentIndex)
		}
		c.discontinuities[discontinuity] = discontinuitySync{time: t, accuracy: accuracy}
	}
}

// MappingForTimeline returns the offset between media time and presentation
// time for a timeline, if one has been learned.
func (c *Controller) MappingForTimeline(timeline int) (float64, bool) {
	m, ok := c.timelines[timeline]
	return m.mapping, ok
}

// TimestampOffsetForTimeline returns the presentation time a timeline started at.
func (c *Controller) TimestampOffsetForTimeline(timeline int) (float64, bool) {
	m, ok := c.timelines[timeline]
	return m.time, ok
}
