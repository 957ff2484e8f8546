package loader

import (
	"math"

	"github.com/google/uuid"

	"segloader/internal/playlist"
	"segloader/internal/ranges"
	"segloader/internal/sink"
)

// fillBuffer is only ever called from monitorBufferTick.
func (l *Loader) fillBuffer() {
	if l.buffer == nil || l.buffer.Updating() || l.err != nil {
		return
	}

	if l.syncPoint == nil {
		l.syncPoint = l.syncController.GetSyncPoint(l.playlist, l.duration(), l.currentTimeline, l.player.CurrentTime())
	}

	req, endOfStream := l.checkBuffer(l.buffer.Buffered(), l.playlist, l.player.HasPlayed(), l.player.CurrentTime())
	if endOfStream {
		l.endOfStream()
		return
	}
	if req == nil {
		return
	}

	if req.mediaIndex == len(l.playlist.Segments)-1 &&
		l.mediaSource.ReadyState() == sink.StateEnded &&
		!l.player.Seeking() {
		return
	}

	// Crossing a discontinuity starts a new timestamp offset. Sync requests
	// have no expected start and never move the offset.
	if req.timeline != l.currentTimeline {
		l.syncController.Reset()
		if !req.isSyncRequest {
			offset := req.startOfSegment
			req.timestampOffset = &offset
		}
		if l.captionParser != nil {
			l.captionParser.ClearAllCaptions()
		}
	}

	l.loadSegment(req)
}

func (l *Loader) isEndOfStream(mediaIndex int, p *playlist.Playlist) bool {
	if p == nil {
		return false
	}
	return p.EndList &&
		l.mediaSource.ReadyState() == sink.StateOpen &&
		mediaIndex == len(p.Segments) &&
		!l.buffer.Updating()
}

// checkBuffer decides what to request next. It returns nil when nothing
// should be requested, and reports when the walk forward ran off the end of
// a complete playlist.
func (l *Loader) checkBuffer(buffered ranges.Ranges, p *playlist.Playlist, hasPlayed bool, currentTime float64) (*segmentRequest, bool) {
	lastBufferedEnd := buffered.LastEnd()
	bufferedTime := math.Max(0, lastBufferedEnd-currentTime)

	if len(p.Segments) == 0 {
		return nil, false
	}

	if bufferedTime >= l.goalBuffer() {
		return nil, false
	}

	if !hasPlayed && bufferedTime >= 1 {
		return nil, false
	}

	if l.syncPoint == nil {
		return l.generateSegmentRequest(p, l.syncSegmentCandidate(p), 0, true), false
	}

	if l.hasMediaIndex {
		next := l.mediaIndex + 1
		if l.isEndOfStream(next, p) {
			return nil, true
		}
		return l.generateSegmentRequest(p, next, lastBufferedEnd, false), false
	}

	target := currentTime
	if l.fetchAtBuffer {
		target = lastBufferedEnd
	}
	mediaIndex, startOfSegment := playlist.GetMediaInfoForTime(p, target, l.syncPoint.SegmentIndex, l.syncPoint.Time)

	return l.generateSegmentRequest(p, mediaIndex, startOfSegment, false), false
}

// syncSegmentCandidate picks a segment whose timestamps are likely to
// establish a sync point.
func (l *Loader) syncSegmentCandidate(p *playlist.Playlist) int {
	if l.currentTimeline == -1 {
		return 0
	}

	var inTimeline []int
	for i, s := range p.Segments {
		if s.Timeline == l.currentTimeline {
			inTimeline = append(inTimeline, i)
		}
	}
	if len(inTimeline) > 0 {
		return inTimeline[min(len(inTimeline)-1, 1)]
	}

	return max(len(p.Segments)-1, 0)
}

func (l *Loader) generateSegmentRequest(p *playlist.Playlist, mediaIndex int, startOfSegment float64, isSyncRequest bool) *segmentRequest {
	if mediaIndex < 0 || mediaIndex >= len(p.Segments) {
		return nil
	}

	segment := p.Segments[mediaIndex]
	return &segmentRequest{
		id:             uuid.NewString(),
		uri:            segment.ResolvedURI,
		mediaIndex:     mediaIndex,
		isSyncRequest:  isSyncRequest,
		startOfSegment: startOfSegment,
		playlist:       p,
		timeline:       segment.Timeline,
		duration:       segment.Duration,
		segment:        playlist.NewSegmentRef(p, mediaIndex),
	}
}
