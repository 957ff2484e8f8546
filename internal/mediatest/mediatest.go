// Package mediatest generates small MPEG-TS segments for tests.
package mediatest

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// ClockRate is the MPEG-TS timestamp clock.
const ClockRate = 90000

// Frame is one access unit, timestamps in 90kHz units. DTS is ignored for audio.
type Frame struct {
	PTS int64
	DTS int64
}

// Layout selects the elementary streams of a segment.
type Layout struct {
	Video bool
	Audio bool
}

// TS writes frames as an MPEG-TS segment. Video is H264 on PID 256 and audio
// is AAC-LC on PID 257.
func TS(layout Layout, frames []Frame) ([]byte, error) {
	var tracks []*mpegts.Track
	var videoTrack, audioTrack *mpegts.Track
	if layout.Video {
		videoTrack = &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
		tracks = append(tracks, videoTrack)
	}
	if layout.Audio {
		audioTrack = &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   48000,
				ChannelCount: 2,
			},
		}}
		tracks = append(tracks, audioTrack)
	}

	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize writer: %w", err)
	}

	for _, f := range frames {
		if videoTrack != nil {
			if err := w.WriteH264(videoTrack, f.PTS, f.DTS, [][]byte{{0x65, 0x88, 0x84, 0x00}}); err != nil {
				return nil, fmt.Errorf("failed to write video frame: %w", err)
			}
		}
		if audioTrack != nil {
			if err := w.WriteMPEG4Audio(audioTrack, f.PTS, [][]byte{{0x21, 0x10, 0x04}}); err != nil {
				return nil, fmt.Errorf("failed to write audio frame: %w", err)
			}
		}
	}
	return buf.Bytes(), nil
}

// Segment returns a segment with one frame every 100ms that probes as
// [start, start+duration) seconds.
func Segment(layout Layout, start, duration float64) ([]byte, error) {
	const step = ClockRate / 10
	first := int64(start * ClockRate)
	count := int(duration * 10)
	if count < 1 {
		count = 1
	}
	frames := make([]Frame, count)
	for i := range frames {
		ts := first + int64(i)*step
		frames[i] = Frame{PTS: ts, DTS: ts}
	}
	return TS(layout, frames)
}
