package loader

import (
	"math"

	"segloader/internal/ranges"
)

// backBufferLength is kept behind the playhead when nothing else constrains trimming.
const backBufferLength = 30.0

// SafeBackBufferTrimTime returns the time before which buffered media can be
// removed without disturbing playback. Nothing within targetDuration of
// currentTime is ever removed, and nothing outside the seekable window is kept.
func SafeBackBufferTrimTime(seekable ranges.Ranges, currentTime, targetDuration float64) float64 {
	trimTime := currentTime - backBufferLength

	if seekable.Len() > 0 {
		trimTime = math.Max(trimTime, seekable.Start(0))
	}

	maxTrimTime := currentTime - targetDuration

	return math.Min(maxTrimTime, trimTime)
}

func (l *Loader) trimBackBuffer() {
	targetDuration := l.playlist.TargetDuration
	if targetDuration == 0 {
		targetDuration = 10
	}
	removeToTime := SafeBackBufferTrimTime(l.player.Seekable(), l.player.CurrentTime(), targetDuration)

	if removeToTime > 0 {
		l.Remove(0, removeToTime, nil)
	}
}
