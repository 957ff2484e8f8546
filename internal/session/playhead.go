package session

import (
	"time"

	"segloader/internal/ranges"
)

// maxGap is the largest hole in the buffer the playhead jumps over.
const maxGap = 1.0

// Playhead simulates media element playback over the sink's buffered ranges.
// It implements loader.Player and is only used on the session's scheduler.
type Playhead struct {
	currentTime  float64
	playbackRate float64
	seekable     ranges.Ranges
	seeking      bool
	paused       bool
	hasPlayed    bool
	stalled      bool
	lastTick     time.Time
}

// NewPlayhead returns a playhead positioned at start.
func NewPlayhead(start, rate float64) *Playhead {
	if rate <= 0 {
		rate = 1
	}
	return &Playhead{currentTime: start, playbackRate: rate}
}

func (p *Playhead) CurrentTime() float64    { return p.currentTime }
func (p *Playhead) Seekable() ranges.Ranges { return p.seekable }
func (p *Playhead) Seeking() bool           { return p.seeking }
func (p *Playhead) Paused() bool            { return p.paused }
func (p *Playhead) PlaybackRate() float64   { return p.playbackRate }
func (p *Playhead) HasPlayed() bool         { return p.hasPlayed }

// Stalled reports whether the last advance found no buffered media.
func (p *Playhead) Stalled() bool { return p.stalled }

// Seek moves the playhead. Seeking stays set until media is buffered at the
// new position.
func (p *Playhead) Seek(t float64) {
	p.currentTime = t
	p.seeking = true
}

// Advance plays buffered media for the wall time elapsed since the previous
// call, stopping at the end of the range being played.
func (p *Playhead) Advance(now time.Time, buffered ranges.Ranges) {
	elapsed := 0.0
	if !p.lastTick.IsZero() {
		elapsed = now.Sub(p.lastTick).Seconds()
	}
	p.lastTick = now
	if p.paused {
		return
	}

	for _, r := range buffered {
		if r.Start > p.currentTime && r.Start-p.currentTime <= maxGap {
			p.currentTime = r.Start
		}
		if p.currentTime < r.Start || p.currentTime >= r.End {
			continue
		}
		p.seeking = false
		p.stalled = false
		step := elapsed * p.playbackRate
		if step <= 0 {
			return
		}
		p.currentTime = min(p.currentTime+step, r.End)
		p.hasPlayed = true
		return
	}
	p.stalled = true
}
