package loader

import (
	"math"
	"time"

	"segloader/internal/abr"
	"segloader/internal/fetch"
	"segloader/internal/playlist"
	"segloader/internal/ranges"
)

// earlyAbortSettleTime is how long the bandwidth measured from progress is
// allowed to stabilize after the first byte.
const earlyAbortSettleTime = time.Second

// abortRequestEarly aborts the pending request when finishing it would stall
// playback and a lower rendition would stall noticeably less. It reports
// whether the request was aborted.
func (l *Loader) abortRequestEarly(s fetch.Stats) bool {
	// A zero timeout marks the lowest rendition, nothing to switch down to.
	if l.player.Paused() ||
		l.playlistOptions.Timeout == 0 ||
		l.playlist.Attributes.Bandwidth == 0 {
		return false
	}

	now := l.scheduler.Now()
	firstBytes := s.FirstBytesReceivedAt
	if firstBytes.IsZero() {
		firstBytes = now
	}
	if now.Sub(firstBytes) < earlyAbortSettleTime {
		return false
	}

	currentTime := l.player.CurrentTime()
	measuredBandwidth := s.Bandwidth
	segmentDuration := l.pending.duration

	requestTimeRemaining := playlist.EstimateSegmentRequestTime(segmentDuration, measuredBandwidth, l.playlist, s.BytesReceived)
	if math.IsNaN(requestTimeRemaining) {
		// Nothing measured since the first byte.
		requestTimeRemaining = math.Inf(1)
	}

	// Keep a second of margin. Negative means playback already stalled.
	timeUntilRebuffer := ranges.TimeUntilRebuffer(l.buffer.Buffered(), currentTime, l.player.PlaybackRate()) - 1

	if requestTimeRemaining <= timeUntilRebuffer {
		return false
	}

	candidate := l.selectCand(abr.Context{
		Master:            l.master(),
		CurrentTime:       currentTime,
		Bandwidth:         measuredBandwidth,
		Duration:          l.duration(),
		SegmentDuration:   segmentDuration,
		TimeUntilRebuffer: timeUntilRebuffer,
		CurrentTimeline:   l.currentTimeline,
		SyncPoints:        l.syncController,
		Now:               now,
	})
	if candidate == nil {
		return false
	}

	rebufferingImpact := requestTimeRemaining - timeUntilRebuffer
	timeSavedBySwitching := rebufferingImpact - candidate.RebufferingImpact

	minimumTimeSaving := 0.5
	if timeUntilRebuffer <= ranges.FudgeFactor {
		minimumTimeSaving = 1
	}

	if candidate.Playlist == nil ||
		candidate.Playlist.URI == l.playlist.URI ||
		timeSavedBySwitching < minimumTimeSaving {
		return false
	}

	// Scaled so the rendition selector does not exclude the candidate. Not
	// announced through bandwidthupdate since it was not measured.
	l.setBandwidth(float64(candidate.Playlist.Attributes.Bandwidth)*abr.BandwidthVariance + 1)
	l.logger.Infof("Aborting request for %s early, switching to %s", l.pending.uri, candidate.Playlist.Identity())
	l.Abort()
	l.emit(EventEarlyAbort)
	return true
}

func (l *Loader) handleProgress(id string, s fetch.Stats) {
	if l.pending == nil || id != l.pending.id || l.abortRequestEarly(s) {
		return
	}
	l.emit(EventProgress)
}
