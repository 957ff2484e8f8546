package loader

import (
	"encoding/binary"
	"errors"
	"time"

	"segloader/internal/fetch"
	"segloader/internal/playlist"
)

// segmentRequest is the single request the loader has in flight.
type segmentRequest struct {
	id            string
	uri           string
	mediaIndex    int
	isSyncRequest bool
	// startOfSegment is the expected presentation start. Unused for sync requests.
	startOfSegment float64
	// timestampOffset is set when the segment starts a new timestamp offset.
	timestampOffset *float64
	timeline        int
	duration        float64

	// playlist is the playlist the request was generated from. segment follows
	// the descriptor across refreshes.
	playlist *playlist.Playlist
	segment  playlist.SegmentRef

	bytes            []byte
	byteLength       int
	endOfAllRequests time.Time
	abort            func()
}

func (l *Loader) loadSegment(req *segmentRequest) {
	l.setState(StateWaiting)
	l.pending = req
	l.trimBackBuffer()

	fr := l.fetchRequest(req)
	req.abort = l.fetcher.Fetch(fr, l.handleProgress, func(res *fetch.Result, err error) {
		l.segmentRequestFinished(fr, res, err)
	})
}

// segmentIV is the default AES-128 IV: the media sequence number as a
// 128-bit big-endian integer.
func segmentIV(mediaSequence int) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(mediaSequence))
	return iv
}

// fetchRequest builds the pipeline request, filling in cached key and init bytes.
func (l *Loader) fetchRequest(req *segmentRequest) fetch.Request {
	segment := req.segment.Segment()
	fr := fetch.Request{
		ID:        req.id,
		URI:       segment.ResolvedURI,
		ByteRange: segment.ByteRange,
		Timeout:   l.playlistOptions.Timeout,
	}

	if segment.Key != nil {
		iv := segment.Key.IV
		if iv == nil {
			iv = segmentIV(req.mediaIndex + req.playlist.MediaSequence)
		}
		k := l.keys.Lookup(segment.Key, false)
		fr.Key = &fetch.KeyRequest{URI: k.ResolvedURI, IV: iv, Bytes: k.Bytes}
	}

	if segment.Map != nil {
		m := l.initSegments.Lookup(segment.Map, false)
		fr.Map = &fetch.MapRequest{URI: m.ResolvedURI, ByteRange: m.ByteRange, Bytes: m.Bytes}
	}

	return fr
}

func (l *Loader) segmentRequestFinished(fr fetch.Request, res *fetch.Result, err error) {
	if l.state == StateDisposed {
		return
	}

	// The loader was reset while the request was in flight.
	if l.pending == nil {
		l.recordRequest(res)
		l.stats.RecordAborted()
		return
	}

	// A late completion of a request that was replaced is not counted.
	if fr.ID != l.pending.id {
		return
	}

	// Every other request counts, including aborted and timed out ones.
	l.recordRequest(res)

	if err != nil {
		l.pending = nil
		l.setState(StateReady)

		if errors.Is(err, fetch.ErrAborted) {
			l.stats.RecordAborted()
			return
		}

		l.Pause()

		if errors.Is(err, fetch.ErrTimeout) {
			l.stats.RecordTimedOut()
			l.logger.Warnf("Request for %s timed out", fr.URI)
			l.setBandwidth(1)
			l.roundTrip = -1
			l.emit(EventBandwidthUpdate)
			return
		}

		l.stats.RecordErrored()
		l.logger.Errorf("Request for %s failed: %v", fr.URI, err)
		l.setError(&Error{Message: err.Error(), Err: err})
		l.emit(EventError)
		return
	}

	l.setBandwidth(res.Stats.Bandwidth)
	l.roundTrip = res.Stats.RoundTripTime

	if fr.Map != nil {
		l.initSegments.Lookup(&playlist.InitSegment{
			ResolvedURI: fr.Map.URI,
			ByteRange:   fr.Map.ByteRange,
			Bytes:       res.MapBytes,
		}, true)
	}
	if fr.Key != nil {
		l.keys.Lookup(&playlist.Key{
			ResolvedURI: fr.Key.URI,
			IV:          fr.Key.IV,
			Bytes:       res.KeyBytes,
		}, true)
	}

	l.processSegmentResponse(res)
}

func (l *Loader) recordRequest(res *fetch.Result) {
	if res != nil {
		l.stats.RecordRequest(res.Stats.BytesReceived, res.Stats.RoundTripTime)
		return
	}
	l.stats.RecordRequest(0, 0)
}

// processSegmentResponse moves the fetched data onto the pending request.
func (l *Loader) processSegmentResponse(res *fetch.Result) {
	req := l.pending
	req.bytes = res.Bytes
	if segment := req.segment.Segment(); segment.Map != nil && res.MapBytes != nil {
		segment.Map.Bytes = res.MapBytes
	}
	req.endOfAllRequests = res.EndOfAllRequests

	if len(res.Captions) > 0 && l.inbandTracks != nil {
		for _, stream := range res.CaptionStreams {
			l.inbandTracks.CreateTrackIfAbsent(stream)
		}
		// Fragmented MP4 captions carry their own timeline.
		l.inbandTracks.AddCaptions(res.Captions, 0)
		if l.captionParser != nil {
			l.captionParser.ClearParsedCaptions()
		}
	}

	l.handleSegment()
}
