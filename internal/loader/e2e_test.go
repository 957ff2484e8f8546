package loader

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segloader/internal/fetch"
	"segloader/internal/logger"
	"segloader/internal/mediatest"
	"segloader/internal/scheduler"
	"segloader/internal/sink"
	"segloader/internal/syncpoint"
)

func TestLoadsVODIntoSinkUntilEnded(t *testing.T) {
	sched := scheduler.NewManual(time.Unix(1000, 0))
	var out bytes.Buffer
	source := sink.NewSource(sched, logger.Nop(), &out)
	source.Open()

	player := &fakePlayer{playbackRate: 1, hasPlayed: true}
	fetcher := &fakeFetcher{}
	l, err := New(Options{
		Player:         player,
		MediaSource:    WrapSource(source),
		Scheduler:      sched,
		SyncController: syncpoint.New(logger.Nop()),
		Fetcher:        fetcher,
		Duration:       func() float64 { return 8 },
	})
	require.NoError(t, err)

	var events []EventType
	for _, ev := range allEvents {
		l.On(ev, func(e Event) { events = append(events, e.Type) })
	}

	p := vod(2, 4)
	l.SetPlaylist(p, PlaylistOptions{Timeout: 10 * time.Second})
	l.SetMimeType("video/mp2t")
	l.Load()
	sched.Flush()

	var written int
	for i := 0; i < 2; i++ {
		require.Len(t, fetcher.calls, i+1)
		call := fetcher.last()
		assert.Equal(t, p.Segments[i].ResolvedURI, call.req.URI)

		data, err := mediatest.Segment(mediatest.Layout{Video: true, Audio: true}, float64(i*4), 4)
		require.NoError(t, err)
		written += len(data)

		call.onDone(&fetch.Result{
			ID:               call.req.ID,
			Bytes:            data,
			Stats:            fetch.Stats{BytesReceived: int64(len(data)), Bandwidth: 4_000_000, RoundTripTime: 50 * time.Millisecond},
			EndOfAllRequests: sched.Now(),
		}, nil)
		sched.Flush()
	}

	assert.Nil(t, l.Error())
	assert.True(t, l.Ended())
	assert.Equal(t, sink.StateEnded, source.ReadyState())
	assert.Contains(t, events, EventEnded)
	assert.Len(t, fetcher.calls, 2)
	assert.Equal(t, written, out.Len())

	require.True(t, p.Segments[1].TimingKnown())
	assert.InDelta(t, 4, p.Segments[1].Start, 0.01)
	assert.InDelta(t, 8, p.Segments[1].End, 0.01)
	require.NotNil(t, p.SyncInfo)
	assert.Equal(t, 0, p.SyncInfo.MediaSequence)

	buffered := source.Buffers()[0].Buffered()
	require.Equal(t, 1, buffered.Len())
	assert.InDelta(t, 0, buffered.Start(0), 0.01)
	assert.InDelta(t, 8, buffered.End(0), 0.01)
	assert.InDelta(t, 8, source.Duration(), 0.01)

	index, ok := l.MediaIndex()
	assert.True(t, ok)
	assert.Equal(t, 1, index)
	assert.Equal(t, 2, l.Stats().MediaRequests)
	assert.True(t, l.Paused())
}
