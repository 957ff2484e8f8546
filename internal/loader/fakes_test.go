package loader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"segloader/internal/fetch"
	"segloader/internal/playlist"
	"segloader/internal/ranges"
	"segloader/internal/scheduler"
	"segloader/internal/sink"
	"segloader/internal/syncpoint"
)

type fakePlayer struct {
	currentTime  float64
	seekable     ranges.Ranges
	seeking      bool
	paused       bool
	playbackRate float64
	hasPlayed    bool
}

func (p *fakePlayer) CurrentTime() float64    { return p.currentTime }
func (p *fakePlayer) Seekable() ranges.Ranges { return p.seekable }
func (p *fakePlayer) Seeking() bool           { return p.seeking }
func (p *fakePlayer) Paused() bool            { return p.paused }
func (p *fakePlayer) PlaybackRate() float64   { return p.playbackRate }
func (p *fakePlayer) HasPlayed() bool         { return p.hasPlayed }

type fakeBuffer struct {
	sched    scheduler.Scheduler
	appends  [][]byte
	removes  [][2]float64
	buffered ranges.Ranges
	pending  int
	// pendingAppends counts queued appends, pending also counts removes.
	pendingAppends int
	disposed       bool
	offset         float64
	offsetSets     []float64
	appendErr      error
	// onAppend runs before done, e.g. to grow buffered.
	onAppend func(data []byte)
}

func (b *fakeBuffer) Append(data []byte, opts sink.AppendOptions, done func(error)) {
	if b.disposed {
		return
	}
	b.pending++
	b.pendingAppends++
	b.appends = append(b.appends, data)
	b.sched.Post(func() {
		if b.disposed {
			return
		}
		b.pending--
		b.pendingAppends--
		if b.onAppend != nil {
			b.onAppend(data)
		}
		if opts.VideoTiming != nil {
			opts.VideoTiming(playlist.VideoTimingInfo{TransmuxedPresentationStart: 1, TransmuxedPresentationEnd: 2})
		}
		if done != nil {
			done(b.appendErr)
		}
	})
}

func (b *fakeBuffer) Remove(start, end float64, done func()) {
	if b.disposed {
		return
	}
	b.pending++
	b.removes = append(b.removes, [2]float64{start, end})
	b.sched.Post(func() {
		if b.disposed {
			return
		}
		b.pending--
		b.buffered = b.buffered.Remove(start, end)
		if done != nil {
			done()
		}
	})
}

func (b *fakeBuffer) Dispose() {
	b.disposed = true
	b.pending = 0
	b.pendingAppends = 0
}

func (b *fakeBuffer) Buffered() ranges.Ranges  { return b.buffered }
func (b *fakeBuffer) Updating() bool           { return b.pending > 0 }
func (b *fakeBuffer) TimestampOffset() float64 { return b.offset }
func (b *fakeBuffer) SetTimestampOffset(offset float64) {
	b.offset = offset
	b.offsetSets = append(b.offsetSets, offset)
}

type fakeSource struct {
	readyState  sink.ReadyState
	buffer      *fakeBuffer
	addErr      error
	endOfStream int
	onOpen      []func()
}

func (s *fakeSource) ReadyState() sink.ReadyState { return s.readyState }
func (s *fakeSource) AddBuffer(string) (SourceBuffer, error) {
	if s.addErr != nil {
		return nil, s.addErr
	}
	return s.buffer, nil
}
func (s *fakeSource) OnSourceOpen(f func()) { s.onOpen = append(s.onOpen, f) }
func (s *fakeSource) EndOfStream() {
	s.endOfStream++
	s.readyState = sink.StateEnded
}

type fakeSync struct {
	syncPoint *syncpoint.Point
	timing    func(req *syncpoint.ProbeRequest) *syncpoint.TimingInfo
	mappings  map[int]float64
	resets    int
	expired   [][2]*playlist.Playlist
	listeners map[int]func()
	nextID    int
}

func newFakeSync() *fakeSync {
	return &fakeSync{
		syncPoint: &syncpoint.Point{},
		mappings:  make(map[int]float64),
		listeners: make(map[int]func()),
	}
}

func (s *fakeSync) GetSyncPoint(*playlist.Playlist, float64, int, float64) *syncpoint.Point {
	if s.syncPoint == nil {
		return nil
	}
	p := *s.syncPoint
	return &p
}

// ProbeSegmentInfo reports audio and video and, unless told otherwise, times
// the segment from its expected start and nominal duration.
func (s *fakeSync) ProbeSegmentInfo(req *syncpoint.ProbeRequest) (*syncpoint.TimingInfo, error) {
	if s.timing != nil {
		return s.timing(req), nil
	}
	if !req.Segment.TimingKnown() {
		req.Segment.SetTiming(req.StartOfSegment, req.StartOfSegment+req.Segment.Duration)
	}
	return &syncpoint.TimingInfo{ContainsAudio: true, ContainsVideo: true}, nil
}

func (s *fakeSync) MappingForTimeline(timeline int) (float64, bool) {
	m, ok := s.mappings[timeline]
	return m, ok
}

func (s *fakeSync) SaveExpiredSegmentInfo(oldPlaylist, newPlaylist *playlist.Playlist) {
	s.expired = append(s.expired, [2]*playlist.Playlist{oldPlaylist, newPlaylist})
}

func (s *fakeSync) SetDateTimeMapping(*playlist.Playlist) {}

func (s *fakeSync) Reset() { s.resets++ }

func (s *fakeSync) OnSyncInfoUpdate(f func()) func() {
	id := s.nextID
	s.nextID++
	s.listeners[id] = f
	return func() { delete(s.listeners, id) }
}

type fetchCall struct {
	req        fetch.Request
	onProgress fetch.ProgressFunc
	onDone     fetch.DoneFunc
	aborted    bool
	finished   bool
}

func (c *fetchCall) finish(res *fetch.Result, err error) {
	c.finished = true
	c.onDone(res, err)
}

// outstanding counts requests that were neither aborted nor finished.
func (f *fakeFetcher) outstanding() int {
	n := 0
	for _, c := range f.calls {
		if !c.aborted && !c.finished {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	calls []*fetchCall
}

func (f *fakeFetcher) Fetch(req fetch.Request, onProgress fetch.ProgressFunc, onDone fetch.DoneFunc) func() {
	c := &fetchCall{req: req, onProgress: onProgress, onDone: onDone}
	f.calls = append(f.calls, c)
	return func() { c.aborted = true }
}

func (f *fakeFetcher) last() *fetchCall {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type harness struct {
	t       *testing.T
	sched   *scheduler.Manual
	player  *fakePlayer
	source  *fakeSource
	buffer  *fakeBuffer
	sync    *fakeSync
	fetcher *fakeFetcher
	loader  *Loader
	events  []EventType
}

var allEvents = []EventType{
	EventSyncInfoUpdate, EventProgress, EventTimestampOffset, EventSegmentTimeMapping,
	EventBandwidthUpdate, EventEarlyAbort, EventError, EventEnded, EventResetEverything, EventDispose,
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	sched := scheduler.NewManual(time.Unix(1000, 0))
	h := &harness{
		t:       t,
		sched:   sched,
		player:  &fakePlayer{playbackRate: 1},
		buffer:  &fakeBuffer{sched: sched},
		sync:    newFakeSync(),
		fetcher: &fakeFetcher{},
	}
	h.source = &fakeSource{readyState: sink.StateOpen, buffer: h.buffer}

	opts := Options{
		LoaderType:     TypeMain,
		Player:         h.player,
		MediaSource:    h.source,
		Scheduler:      sched,
		SyncController: h.sync,
		Fetcher:        h.fetcher,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	require.NoError(t, err)
	h.loader = l
	for _, ev := range allEvents {
		l.On(ev, func(e Event) { h.events = append(h.events, e.Type) })
	}
	return h
}

func (h *harness) start(p *playlist.Playlist, opts PlaylistOptions) {
	h.loader.SetPlaylist(p, opts)
	h.loader.SetMimeType("video/mp2t")
	h.loader.Load()
	h.sched.Flush()
}

func (h *harness) count(t EventType) int {
	n := 0
	for _, e := range h.events {
		if e == t {
			n++
		}
	}
	return n
}

// complete finishes the latest fetch successfully with n bytes.
func (h *harness) complete(n int) *fetchCall {
	h.t.Helper()
	call := h.fetcher.last()
	require.NotNil(h.t, call, "no request in flight")
	call.finish(h.result(call, n), nil)
	h.sched.Flush()
	return call
}

func (h *harness) result(call *fetchCall, n int) *fetch.Result {
	res := &fetch.Result{
		ID:    call.req.ID,
		Bytes: make([]byte, n),
		Stats: fetch.Stats{
			BytesReceived: int64(n),
			Bandwidth:     8_000_000,
			RoundTripTime: 100 * time.Millisecond,
		},
		EndOfAllRequests: h.sched.Now(),
	}
	if call.req.Map != nil {
		res.MapBytes = call.req.Map.Bytes
		if res.MapBytes == nil {
			res.MapBytes = []byte("init")
		}
	}
	if call.req.Key != nil {
		res.KeyBytes = call.req.Key.Bytes
		if res.KeyBytes == nil {
			res.KeyBytes = make([]byte, 16)
		}
	}
	return res
}

// growOnAppend makes every append extend the buffer by the nominal duration.
func (h *harness) growOnAppend(duration float64) {
	h.buffer.onAppend = func([]byte) {
		end := h.buffer.buffered.LastEnd()
		h.buffer.buffered = h.buffer.buffered.Add(end, end+duration)
	}
}

func vod(n int, targetDuration float64) *playlist.Playlist {
	p := &playlist.Playlist{ID: "0-vod.m3u8", URI: "vod.m3u8", TargetDuration: targetDuration, EndList: true}
	for i := 0; i < n; i++ {
		p.Segments = append(p.Segments, &playlist.Segment{
			URI:         fmt.Sprintf("%d.ts", i),
			ResolvedURI: fmt.Sprintf("http://example.com/%d.ts", i),
			Duration:    targetDuration,
		})
	}
	return p
}

func live(uri string, mediaSequence, n int, targetDuration float64) *playlist.Playlist {
	p := &playlist.Playlist{ID: "0-" + uri, URI: uri, MediaSequence: mediaSequence, TargetDuration: targetDuration}
	for i := 0; i < n; i++ {
		seq := mediaSequence + i
		p.Segments = append(p.Segments, &playlist.Segment{
			URI:         fmt.Sprintf("%d.ts", seq),
			ResolvedURI: fmt.Sprintf("http://example.com/%d.ts", seq),
			Duration:    targetDuration,
		})
	}
	return p
}
