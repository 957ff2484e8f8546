// Package probe inspects media segments for track content and presentation timing.
package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	tsClockRate       = 90000
	rolloverThreshold = 1 << 32
	rolloverSpan      = 1 << 33
)

// ErrUnknownFormat is returned for bytes that are neither MPEG-TS nor fragmented MP4.
var ErrUnknownFormat = errors.New("unknown segment format")

// Result describes what a segment contains. Times are in seconds on the
// segment's own media timeline.
type Result struct {
	ContainsAudio bool
	ContainsVideo bool

	// HasTiming is set when Start and End were read from the segment.
	HasTiming bool
	Start     float64
	End       float64

	// HasFirstFrame is set when FirstPTS and FirstDTS describe the first frame
	// of the main track.
	HasFirstFrame bool
	FirstPTS      float64
	FirstDTS      float64

	// LastDTS is the unwrapped 90kHz DTS of the last frame of the main track.
	// Pass it as Options.Reference when probing the next segment.
	LastDTS    int64
	HasLastDTS bool
}

// Options tunes probing.
type Options struct {
	// Reference is a 90kHz timestamp near the segment's timestamps, used to
	// unwrap 33-bit rollover in MPEG-TS.
	Reference    int64
	HasReference bool
}

// Probe inspects a segment. init carries the initialization section for
// fragmented MP4 and may be nil for MPEG-TS.
func Probe(segment, init []byte, opts Options) (*Result, error) {
	switch {
	case isTS(segment):
		return probeTS(segment, opts)
	case isMP4(segment):
		return probeFMP4(segment, init)
	default:
		return nil, ErrUnknownFormat
	}
}

func isTS(data []byte) bool {
	return len(data) >= 188 && data[0] == 0x47
}

func isMP4(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	switch string(data[4:8]) {
	case "ftyp", "styp", "moof", "moov", "sidx":
		return true
	}
	return false
}

// unwrap moves a 33-bit timestamp to the rollover period closest to reference.
func unwrap(value, reference int64) int64 {
	direction := int64(1)
	if value > reference {
		direction = -1
	}
	for abs(reference-value) > rolloverThreshold {
		value += direction * rolloverSpan
	}
	return value
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// IsInitSegment reports whether data is an MP4 initialization section: a
// moov box and no movie fragments.
func IsInitSegment(data []byte) bool {
	if !isMP4(data) {
		return false
	}
	var hasMoov bool
	for len(data) >= 8 {
		size := int(binary.BigEndian.Uint32(data[0:4]))
		switch string(data[4:8]) {
		case "moov":
			hasMoov = true
		case "moof":
			return false
		}
		if size < 8 || size > len(data) {
			break
		}
		data = data[size:]
	}
	return hasMoov
}

type trackTiming struct {
	first     bool
	firstPTS  int64
	firstDTS  int64
	lastDTS   int64
	minPTS    int64
	maxPTS    int64
	lastDelta int64
}

func (t *trackTiming) add(pts, dts int64) {
	if !t.first {
		t.first = true
		t.firstPTS, t.firstDTS = pts, dts
		t.minPTS, t.maxPTS = pts, pts
		t.lastDTS = dts
		return
	}
	if dts > t.lastDTS {
		t.lastDTS = dts
	}
	if pts < t.minPTS {
		t.minPTS = pts
	}
	if pts > t.maxPTS {
		if delta := pts - t.maxPTS; delta > 0 {
			t.lastDelta = delta
		}
		t.maxPTS = pts
	}
}

func probeTS(data []byte, opts Options) (*Result, error) {
	reader := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to read segment tracks: %w", err)
	}

	res := &Result{}
	kinds := make(map[uint16]bool) // pid -> isVideo
	for _, track := range reader.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264, *mpegts.CodecH265, *mpegts.CodecMPEG1Video, *mpegts.CodecMPEG4Video:
			res.ContainsVideo = true
			kinds[track.PID] = true
		case *mpegts.CodecMPEG4Audio, *mpegts.CodecMPEG1Audio, *mpegts.CodecAC3, *mpegts.CodecOpus:
			res.ContainsAudio = true
			kinds[track.PID] = false
		}
	}

	video, audio, err := scanTimestamps(data, kinds, opts)
	if err != nil {
		return nil, err
	}

	main := audio
	if video.first {
		main = video
	}
	if main.first {
		res.HasTiming = true
		res.Start = float64(main.minPTS) / tsClockRate
		res.End = float64(main.maxPTS+main.lastDelta) / tsClockRate
		res.HasFirstFrame = true
		res.FirstPTS = float64(main.firstPTS) / tsClockRate
		res.FirstDTS = float64(main.firstDTS) / tsClockRate
		res.LastDTS = main.lastDTS
		res.HasLastDTS = true
	}
	return res, nil
}

func scanTimestamps(data []byte, kinds map[uint16]bool, opts Options) (video, audio trackTiming, err error) {
	reference, haveReference := opts.Reference, opts.HasReference
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return video, audio, nil
			}
			return video, audio, fmt.Errorf("failed to demux segment: %w", err)
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		oh := d.PES.Header.OptionalHeader
		if oh.PTS == nil {
			continue
		}
		pts := oh.PTS.Base
		dts := pts
		if oh.DTS != nil {
			dts = oh.DTS.Base
		}
		if !haveReference {
			reference, haveReference = dts, true
		}
		pts, dts = unwrap(pts, reference), unwrap(dts, reference)

		isVideo, known := kinds[d.PID]
		switch {
		case !known:
		case isVideo:
			video.add(pts, dts)
		default:
			audio.add(pts, dts)
		}
	}
}

func probeFMP4(segment, init []byte) (*Result, error) {
	if init == nil {
		return &Result{}, nil
	}

	var ini fmp4.Init
	if err := ini.Unmarshal(bytes.NewReader(init)); err != nil {
		return nil, fmt.Errorf("failed to parse init segment: %w", err)
	}

	res := &Result{}
	type trackInfo struct {
		video     bool
		timeScale uint32
	}
	tracks := make(map[int]trackInfo)
	for _, track := range ini.Tracks {
		switch track.Codec.(type) {
		case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecAV1, *mp4.CodecVP9:
			res.ContainsVideo = true
			tracks[track.ID] = trackInfo{video: true, timeScale: track.TimeScale}
		case *mp4.CodecMPEG4Audio, *mp4.CodecOpus, *mp4.CodecAC3, *mp4.CodecMPEG1Audio:
			res.ContainsAudio = true
			tracks[track.ID] = trackInfo{video: false, timeScale: track.TimeScale}
		}
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(segment); err != nil {
		return nil, fmt.Errorf("failed to parse segment fragments: %w", err)
	}

	var haveVideo bool
	for _, part := range parts {
		for _, pt := range part.Tracks {
			info, ok := tracks[pt.ID]
			if !ok || info.timeScale == 0 || len(pt.Samples) == 0 {
				continue
			}
			// Video timing takes precedence over audio.
			if haveVideo && !info.video {
				continue
			}
			if info.video && !haveVideo {
				haveVideo = true
				res.HasTiming = false
				res.HasFirstFrame = false
			}

			scale := float64(info.timeScale)
			var total uint64
			for _, s := range pt.Samples {
				total += uint64(s.Duration)
			}
			start := float64(pt.BaseTime) / scale
			end := float64(pt.BaseTime+total) / scale

			if !res.HasTiming || start < res.Start {
				res.Start = start
			}
			if !res.HasTiming || end > res.End {
				res.End = end
			}
			res.HasTiming = true

			if !res.HasFirstFrame {
				res.HasFirstFrame = true
				res.FirstDTS = start
				res.FirstPTS = start + float64(pt.Samples[0].PTSOffset)/scale
			}
		}
	}
	return res, nil
}
