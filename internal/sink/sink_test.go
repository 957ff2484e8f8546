package sink

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segloader/internal/logger"
	"segloader/internal/mediatest"
	"segloader/internal/playlist"
	"segloader/internal/ranges"
	"segloader/internal/scheduler"
)

func newOpenSource(t *testing.T, out *bytes.Buffer) (*Source, *Buffer, *scheduler.Manual) {
	t.Helper()
	sched := scheduler.NewManual(time.Unix(0, 0))
	var s *Source
	if out != nil {
		s = NewSource(sched, logger.Nop(), out)
	} else {
		s = NewSource(sched, logger.Nop(), nil)
	}
	s.Open()
	b, err := s.AddBuffer("video/mp2t")
	require.NoError(t, err)
	return s, b, sched
}

func segment(t *testing.T, start, duration float64) []byte {
	t.Helper()
	data, err := mediatest.Segment(mediatest.Layout{Video: true, Audio: true}, start, duration)
	require.NoError(t, err)
	return data
}

func TestAddBufferRequiresOpenSource(t *testing.T) {
	s := NewSource(scheduler.NewManual(time.Unix(0, 0)), logger.Nop(), nil)
	_, err := s.AddBuffer("video/mp2t")
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, s.Duration() != s.Duration(), "duration starts as NaN")
}

func TestAppendTracksBufferedRanges(t *testing.T) {
	var out bytes.Buffer
	_, b, sched := newOpenSource(t, &out)

	first := segment(t, 10, 4)
	second := segment(t, 14, 4)

	var errs []error
	b.Append(first, AppendOptions{}, func(err error) { errs = append(errs, err) })
	b.Append(second, AppendOptions{}, func(err error) { errs = append(errs, err) })
	assert.True(t, b.Updating())

	sched.Flush()
	assert.False(t, b.Updating())
	assert.Equal(t, []error{nil, nil}, errs)

	// MPEG-TS is placed relative to the first timestamp after an offset change.
	want := ranges.Ranges{{Start: 0, End: 8}}
	if diff := cmp.Diff(want, b.Buffered(), cmpFloat()); diff != "" {
		t.Errorf("buffered mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(len(first)+len(second)), b.BytesAppended())
	assert.Equal(t, len(first)+len(second), out.Len())
}

func TestTimestampOffsetMovesAppendedMedia(t *testing.T) {
	_, b, sched := newOpenSource(t, nil)

	b.SetTimestampOffset(100)
	var timing playlist.VideoTimingInfo
	b.Append(segment(t, 50, 2), AppendOptions{
		VideoTiming: func(info playlist.VideoTimingInfo) { timing = info },
	}, nil)
	sched.Flush()

	require.Equal(t, 1, b.Buffered().Len())
	assert.InDelta(t, 100, b.Buffered().Start(0), 1e-6)
	assert.InDelta(t, 102, b.Buffered().End(0), 1e-6)
	assert.InDelta(t, 100, timing.TransmuxedPresentationStart, 1e-6)
	assert.InDelta(t, 102, timing.TransmuxedPresentationEnd, 1e-6)
	assert.Equal(t, 100.0, b.TimestampOffset())
}

func TestRemove(t *testing.T) {
	_, b, sched := newOpenSource(t, nil)

	b.Append(segment(t, 0, 6), AppendOptions{}, nil)
	removed := false
	b.Remove(0, 2, func() { removed = true })
	sched.Flush()

	assert.True(t, removed)
	require.Equal(t, 1, b.Buffered().Len())
	assert.InDelta(t, 2, b.Buffered().Start(0), 1e-6)
}

func TestAppendRejectsUnknownData(t *testing.T) {
	_, b, sched := newOpenSource(t, nil)

	var got error
	b.Append([]byte("garbage"), AppendOptions{}, func(err error) { got = err })
	sched.Flush()

	assert.Error(t, got)
	assert.Equal(t, 0, b.Buffered().Len())
}

func TestDisposeDropsQueuedOperations(t *testing.T) {
	var out bytes.Buffer
	_, b, sched := newOpenSource(t, &out)

	calls := 0
	b.Append(segment(t, 0, 2), AppendOptions{}, func(error) { calls++ })
	b.Remove(0, 1, func() { calls++ })
	require.True(t, b.Updating())

	b.Dispose()
	assert.False(t, b.Updating())
	sched.Flush()

	b.Append(segment(t, 2, 2), AppendOptions{}, func(error) { calls++ })
	sched.Flush()

	assert.Equal(t, 0, calls)
	assert.False(t, b.Updating())
	assert.Equal(t, 0, b.Buffered().Len())
	assert.Equal(t, 0, out.Len())
}

func TestEndOfStreamAndReopen(t *testing.T) {
	s, b, sched := newOpenSource(t, nil)
	opened := 0
	s.OnSourceOpen(func() { opened++ })

	b.Append(segment(t, 0, 3), AppendOptions{}, nil)
	sched.Flush()

	s.SetDuration(10)
	s.EndOfStream()
	assert.Equal(t, StateEnded, s.ReadyState())
	assert.InDelta(t, 3, s.Duration(), 1e-6)

	b.Append(segment(t, 3, 1), AppendOptions{}, nil)
	sched.Flush()
	assert.Equal(t, StateOpen, s.ReadyState())
	assert.Equal(t, 1, opened)
}

func cmpFloat() cmp.Option {
	return cmp.Comparer(func(a, b float64) bool {
		d := a - b
		return d < 1e-6 && d > -1e-6
	})
}
