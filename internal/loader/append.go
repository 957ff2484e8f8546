package loader

import (
	"fmt"
	"math"
	"time"

	"segloader/internal/cache"
	"segloader/internal/captions"
	"segloader/internal/playlist"
	"segloader/internal/sink"
	"segloader/internal/syncpoint"
)

func segmentInfoString(req *segmentRequest) string {
	segment := req.segment.Segment()
	p := req.playlist
	return fmt.Sprintf("appending [%d] of [%d, %d] from playlist [%s] [%v => %v] in timeline [%d]",
		req.mediaIndex, p.MediaSequence, p.MediaSequence+len(p.Segments), p.ID,
		segment.Start, segment.End, req.timeline)
}

// handleSegment probes the fetched segment and appends it to the sink.
func (l *Loader) handleSegment() {
	if l.state == StateDisposed {
		return
	}
	if l.pending == nil {
		l.setState(StateReady)
		return
	}

	req := l.pending
	segment := req.segment.Segment()

	timing, err := l.syncController.ProbeSegmentInfo(&syncpoint.ProbeRequest{
		Segment:         segment,
		Playlist:        req.playlist,
		MediaIndex:      req.mediaIndex,
		Timeline:        req.timeline,
		StartOfSegment:  req.startOfSegment,
		TimestampOffset: req.timestampOffset,
		Bytes:           req.bytes,
	})
	if err != nil {
		l.logger.Warnf("Could not read timing of %s: %v", req.uri, err)
		timing = nil
	}

	var media *Media
	if timing != nil {
		media = &Media{ContainsAudio: timing.ContainsAudio, ContainsVideo: timing.ContainsVideo}
	}

	// The starting media is fixed by the first segment that reports a type.
	if media != nil && (l.startingMedia == nil || (!l.startingMedia.ContainsAudio && !l.startingMedia.ContainsVideo)) {
		l.startingMedia = media
	}

	if msg := IllegalMediaSwitch(l.loaderType, l.startingMedia, media); msg != "" {
		l.logger.Errorf("%s", msg)
		l.setError(&Error{
			Message:   msg,
			Err:       ErrIllegalMediaSwitch,
			Permanent: true,
		})
		l.emit(EventError)
		return
	}

	if req.isSyncRequest {
		l.emit(EventSyncInfoUpdate)
		l.pending = nil
		l.setState(StateReady)
		return
	}

	if req.timestampOffset != nil && *req.timestampOffset != l.buffer.TimestampOffset() {
		// Remove the gap between the first frame's PTS and DTS so the new
		// offset lines up with the end of the buffer.
		if timing != nil && timing.HasFirstFrame {
			*req.timestampOffset -= timing.FirstPTS - timing.FirstDTS
		}
		l.buffer.SetTimestampOffset(*req.timestampOffset)
		l.emit(EventTimestampOffset)
	}

	if mapping, ok := l.syncController.MappingForTimeline(req.timeline); ok {
		l.trigger(Event{Type: EventSegmentTimeMapping, Mapping: mapping})
	}

	l.setState(StateAppending)

	if segment.Map != nil {
		initID := cache.InitSegmentID(segment.Map)
		if l.activeInitSegmentID != initID {
			initSegment := l.initSegments.Lookup(segment.Map, false)
			l.buffer.Append(initSegment.Bytes, sink.AppendOptions{}, func(err error) {
				if err != nil {
					l.logger.Warnf("Failed to append init segment %s: %v", initID, err)
					return
				}
				l.activeInitSegmentID = initID
			})
		}
	}

	req.byteLength = len(req.bytes)
	if segment.TimingKnown() {
		l.stats.AddMediaSeconds(segment.End - segment.Start)
	} else {
		l.stats.AddMediaSeconds(req.duration)
	}

	l.logger.Debugf("%s", segmentInfoString(req))

	requestID := req.id
	l.buffer.Append(req.bytes, sink.AppendOptions{
		VideoTiming: func(info playlist.VideoTimingInfo) {
			l.handleVideoSegmentTimingInfo(requestID, info)
		},
	}, l.handleUpdateEnd)
}

func (l *Loader) handleVideoSegmentTimingInfo(requestID string, info playlist.VideoTimingInfo) {
	if l.pending == nil || requestID != l.pending.id {
		return
	}
	segment := l.pending.segment.Segment()
	timing := info
	segment.VideoTimingInfo = &timing
}

// handleUpdateEnd runs when the sink finished appending the pending segment.
func (l *Loader) handleUpdateEnd(appendErr error) {
	if l.state == StateDisposed {
		return
	}
	if l.pending == nil {
		l.setState(StateReady)
		if !l.Paused() {
			l.monitorBuffer()
		}
		return
	}

	req := l.pending
	segment := req.segment.Segment()
	isWalkingForward := l.hasMediaIndex

	if appendErr != nil {
		l.stats.RecordErrored()
		l.logger.Errorf("Failed to append %s: %v", req.uri, appendErr)
		l.setError(&Error{Message: appendErr.Error(), Err: appendErr})
		l.setState(StateReady)
		l.Pause()
		l.emit(EventError)
		return
	}

	l.pending = nil
	l.recordThroughput(req)
	l.addSegmentMetadataCue(req)

	l.setState(StateReady)

	l.mediaIndex = req.mediaIndex
	l.hasMediaIndex = true
	l.fetchAtBuffer = true
	l.currentTimeline = req.timeline

	// The seekable window must be recalculated before judging the guess below.
	l.emit(EventSyncInfoUpdate)

	// A segment ending more than three target durations behind the playhead
	// means the sync point guess was too conservative. Start over with what
	// this request taught the sync controller.
	if segment.TimingKnown() && segment.End != 0 &&
		l.player.CurrentTime()-segment.End > req.playlist.TargetDuration*3 {
		l.ResetEverything(nil)
		return
	}

	// A rendition switch needs time for a sync request and a guess.
	if isWalkingForward {
		l.emit(EventBandwidthUpdate)
	}
	l.emit(EventProgress)

	if l.isEndOfStream(req.mediaIndex+1, req.playlist) {
		l.endOfStream()
	}

	if !l.Paused() {
		l.monitorBuffer()
	}
}

func (l *Loader) recordThroughput(req *segmentRequest) {
	l.stats.RecordThroughput(req.byteLength, l.scheduler.Now().Sub(req.endOfAllRequests))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// addSegmentMetadataCue describes the appended segment on the metadata track.
func (l *Loader) addSegmentMetadataCue(req *segmentRequest) {
	if l.metadataTrack == nil {
		return
	}

	segment := req.segment.Segment()
	if !segment.TimingKnown() || !isFinite(segment.Start) || !isFinite(segment.End) {
		return
	}
	start, end := segment.Start, segment.End

	l.metadataTrack.RemoveCuesInRange(start, end)

	value := captions.SegmentMetadata{
		Bandwidth:  req.playlist.Attributes.Bandwidth,
		Resolution: req.playlist.Attributes.Resolution,
		Codecs:     req.playlist.Attributes.Codecs,
		ByteLength: req.byteLength,
		URI:        req.uri,
		Timeline:   req.timeline,
		Playlist:   req.playlist.ID,
		Start:      start,
		End:        end,
	}
	if segment.DateTime != nil {
		value.DateTime = segment.DateTime.Format(time.RFC3339Nano)
	}
	l.metadataTrack.AddCue(captions.NewSegmentMetadataCue(value))
}
