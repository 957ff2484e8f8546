package sink

import (
	"fmt"

	"segloader/internal/playlist"
	"segloader/internal/probe"
	"segloader/internal/ranges"
)

// AppendOptions are optional hooks of an append.
type AppendOptions struct {
	// VideoTiming is called with the timing of appended video before done.
	VideoTiming func(playlist.VideoTimingInfo)
}

type operation func() error

type queued struct {
	run  operation
	done func(error)
}

// Buffer is a single track buffer of a Source. Operations are serialized and
// complete asynchronously on the source's scheduler.
type Buffer struct {
	source   *Source
	mimeType string

	queue    []queued
	updating bool
	disposed bool

	buffered        ranges.Ranges
	timestampOffset float64
	// timelineBase is the media time mapped to timestampOffset for MPEG-TS,
	// which is normalized to start at zero on each new offset.
	timelineBase    float64
	hasTimelineBase bool

	initSegment   []byte
	bytesAppended int64

	lastDTS    int64
	hasLastDTS bool
}

func newBuffer(s *Source, mimeType string) *Buffer {
	return &Buffer{source: s, mimeType: mimeType}
}

// MimeType returns the buffer's mime type.
func (b *Buffer) MimeType() string {
	return b.mimeType
}

// Updating reports whether an append or remove is queued or in progress.
func (b *Buffer) Updating() bool {
	return b.updating
}

// Buffered returns the presentation ranges held by the buffer.
func (b *Buffer) Buffered() ranges.Ranges {
	return b.buffered
}

// BytesAppended returns the total number of bytes appended.
func (b *Buffer) BytesAppended() int64 {
	return b.bytesAppended
}

// TimestampOffset returns the offset applied to appended media.
func (b *Buffer) TimestampOffset() float64 {
	return b.timestampOffset
}

// SetTimestampOffset changes the offset applied to subsequently appended media.
func (b *Buffer) SetTimestampOffset(offset float64) {
	b.timestampOffset = offset
	b.hasTimelineBase = false
}

// Append queues data. done receives nil on success.
func (b *Buffer) Append(data []byte, opts AppendOptions, done func(error)) {
	b.enqueue(func() error { return b.append(data, opts) }, done)
}

// Remove queues removal of [start, end).
func (b *Buffer) Remove(start, end float64, done func()) {
	b.enqueue(func() error {
		b.buffered = b.buffered.Remove(start, end)
		return nil
	}, func(error) {
		if done != nil {
			done()
		}
	})
}

// Dispose drops queued operations without running them or their callbacks.
// Later operations are ignored.
func (b *Buffer) Dispose() {
	b.disposed = true
	b.queue = nil
	b.updating = false
}

func (b *Buffer) enqueue(run operation, done func(error)) {
	if b.disposed {
		return
	}
	b.queue = append(b.queue, queued{run: run, done: done})
	if !b.updating {
		b.updating = true
		b.source.scheduler.Post(b.next)
	}
}

func (b *Buffer) next() {
	if b.disposed || len(b.queue) == 0 {
		b.updating = false
		return
	}
	op := b.queue[0]
	b.queue = b.queue[1:]

	err := op.run()
	if len(b.queue) == 0 {
		b.updating = false
	} else {
		b.source.scheduler.Post(b.next)
	}
	if op.done != nil {
		op.done(err)
	}
}

func (b *Buffer) append(data []byte, opts AppendOptions) error {
	b.source.reopen()
	b.bytesAppended += int64(len(data))

	if probe.IsInitSegment(data) {
		b.initSegment = data
		return b.write(data)
	}

	info, err := probe.Probe(data, b.initSegment, probe.Options{Reference: b.lastDTS, HasReference: b.hasLastDTS})
	if err != nil {
		return fmt.Errorf("failed to append %d bytes: %w", len(data), err)
	}
	if info.HasLastDTS {
		b.lastDTS, b.hasLastDTS = info.LastDTS, true
	}
	if info.HasTiming {
		base := 0.0
		if b.initSegment == nil {
			if !b.hasTimelineBase {
				b.timelineBase = info.Start
				b.hasTimelineBase = true
			}
			base = b.timelineBase
		}
		start := info.Start - base + b.timestampOffset
		end := info.End - base + b.timestampOffset
		b.buffered = b.buffered.Add(start, end)

		if info.ContainsVideo && opts.VideoTiming != nil {
			opts.VideoTiming(playlist.VideoTimingInfo{
				TransmuxedPresentationStart: start,
				TransmuxedPresentationEnd:   end,
				BaseMediaDecodeTime:         info.FirstDTS,
			})
		}
	}
	return b.write(data)
}

func (b *Buffer) write(data []byte) error {
	if b.source.output == nil {
		return nil
	}
	if _, err := b.source.output.Write(data); err != nil {
		return fmt.Errorf("failed to write appended media: %w", err)
	}
	return nil
}
