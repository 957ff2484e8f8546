// Package sink is an in-memory media source. It accepts appended segments,
// tracks the presentation ranges they cover and optionally forwards the bytes
// to a writer.
package sink

import (
	"errors"
	"fmt"
	"io"
	"math"

	"segloader/internal/logger"
	"segloader/internal/scheduler"
)

// ReadyState mirrors the lifecycle of a media source.
type ReadyState string

const (
	StateClosed ReadyState = "closed"
	StateOpen   ReadyState = "open"
	StateEnded  ReadyState = "ended"
)

// ErrClosed is returned when buffers are added to a source that is not open.
var ErrClosed = errors.New("media source is not open")

// Source owns the buffers of one presentation.
type Source struct {
	scheduler scheduler.Scheduler
	logger    logger.Logger
	output    io.Writer

	readyState   ReadyState
	duration     float64
	buffers      []*Buffer
	onSourceOpen []func()
}

// NewSource creates a closed Source. output may be nil.
func NewSource(sched scheduler.Scheduler, log logger.Logger, output io.Writer) *Source {
	return &Source{
		scheduler:  sched,
		logger:     log.Named("sink"),
		output:     output,
		readyState: StateClosed,
		duration:   math.NaN(),
	}
}

// ReadyState returns the current state.
func (s *Source) ReadyState() ReadyState {
	return s.readyState
}

// OnSourceOpen registers f to run every time the source (re)opens.
func (s *Source) OnSourceOpen(f func()) {
	s.onSourceOpen = append(s.onSourceOpen, f)
}

// Open moves the source to open and notifies listeners on the scheduler.
func (s *Source) Open() {
	if s.readyState == StateOpen {
		return
	}
	s.logger.Debugf("%s -> %s", s.readyState, StateOpen)
	s.readyState = StateOpen
	for _, f := range s.onSourceOpen {
		s.scheduler.Post(f)
	}
}

// Duration returns the presentation duration, NaN until set.
func (s *Source) Duration() float64 {
	return s.duration
}

// SetDuration sets the presentation duration.
func (s *Source) SetDuration(d float64) {
	s.duration = d
}

// AddBuffer creates a buffer for the given mime type.
func (s *Source) AddBuffer(mimeType string) (*Buffer, error) {
	if s.readyState != StateOpen {
		return nil, fmt.Errorf("failed to add buffer for %s: %w", mimeType, ErrClosed)
	}
	b := newBuffer(s, mimeType)
	s.buffers = append(s.buffers, b)
	s.logger.Debugf("Added buffer %s", mimeType)
	return b, nil
}

// Buffers returns the source's buffers.
func (s *Source) Buffers() []*Buffer {
	return s.buffers
}

// EndOfStream marks the presentation as complete. The duration is clamped to
// the end of the buffered media.
func (s *Source) EndOfStream() {
	if s.readyState != StateOpen {
		return
	}
	var end float64
	for _, b := range s.buffers {
		if e := b.Buffered().LastEnd(); e > end {
			end = e
		}
	}
	if end > 0 {
		s.duration = end
	}
	s.logger.Debugf("%s -> %s", s.readyState, StateEnded)
	s.readyState = StateEnded
}

// reopen is called by buffers when media is appended to an ended source.
func (s *Source) reopen() {
	if s.readyState == StateEnded {
		s.Open()
	}
}
