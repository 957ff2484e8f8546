package loader

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segloader/internal/captions"
	"segloader/internal/fetch"
	"segloader/internal/playlist"
	"segloader/internal/stats"
)

// growOnMediaAppend grows the buffer for media appends only.
func (h *harness) growOnMediaAppend(duration float64) {
	h.buffer.onAppend = func(data []byte) {
		if string(data) == "init" {
			return
		}
		end := h.buffer.buffered.LastEnd()
		h.buffer.buffered = h.buffer.buffered.Add(end, end+duration)
	}
}

func TestInitSegmentIsAppendedOnceAndCached(t *testing.T) {
	h := newHarness(t, nil)
	h.player.hasPlayed = true
	h.growOnMediaAppend(10)

	p := vod(3, 10)
	for _, s := range p.Segments {
		s.Map = &playlist.InitSegment{ResolvedURI: "http://example.com/init.mp4"}
	}
	h.start(p, PlaylistOptions{})

	first := h.fetcher.last()
	require.NotNil(t, first.req.Map)
	assert.Nil(t, first.req.Map.Bytes)

	h.complete(100)
	require.Len(t, h.buffer.appends, 2)
	assert.Equal(t, []byte("init"), h.buffer.appends[0])
	assert.Equal(t, []byte("init"), p.Segments[0].Map.Bytes)

	require.Len(t, h.fetcher.calls, 2)
	second := h.fetcher.last()
	require.NotNil(t, second.req.Map)
	assert.Equal(t, []byte("init"), second.req.Map.Bytes)

	h.complete(100)
	assert.Len(t, h.buffer.appends, 3, "active init segment is not appended again")
}

func TestChangedInitSegmentIsAppended(t *testing.T) {
	h := newHarness(t, nil)
	h.player.hasPlayed = true
	h.growOnMediaAppend(10)

	p := vod(3, 10)
	p.Segments[0].Map = &playlist.InitSegment{ResolvedURI: "http://example.com/a.mp4"}
	p.Segments[1].Map = &playlist.InitSegment{ResolvedURI: "http://example.com/b.mp4"}
	h.start(p, PlaylistOptions{})

	h.complete(100)
	h.complete(100)
	require.Len(t, h.buffer.appends, 4)
	assert.Equal(t, []byte("init"), h.buffer.appends[2])
}

func TestDefaultIVFollowsMediaSequence(t *testing.T) {
	h := newHarness(t, nil)

	p := vod(3, 10)
	p.MediaSequence = 258
	for _, s := range p.Segments {
		s.Key = &playlist.Key{Method: "AES-128", ResolvedURI: "http://example.com/key"}
	}
	h.start(p, PlaylistOptions{})

	call := h.fetcher.last()
	require.NotNil(t, call.req.Key)
	assert.Equal(t, "http://example.com/key", call.req.Key.URI)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}, call.req.Key.IV)
}

func TestDeclaredIVIsKept(t *testing.T) {
	h := newHarness(t, nil)

	iv := []byte("0123456789abcdef")
	p := vod(1, 10)
	p.Segments[0].Key = &playlist.Key{Method: "AES-128", ResolvedURI: "http://example.com/key", IV: iv}
	h.start(p, PlaylistOptions{})

	assert.Equal(t, iv, h.fetcher.last().req.Key.IV)
}

func TestSegmentIV(t *testing.T) {
	iv := segmentIV(1)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(1), iv[15])
	assert.Equal(t, make([]byte, 15), iv[:15])
}

func TestKeyCaching(t *testing.T) {
	cases := []struct {
		name    string
		enabled bool
		want    []byte
	}{
		{"enabled", true, make([]byte, 16)},
		{"disabled", false, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.CacheEncryptionKeys = tc.enabled })
			h.player.hasPlayed = true
			h.growOnAppend(10)

			p := vod(3, 10)
			for _, s := range p.Segments {
				s.Key = &playlist.Key{Method: "AES-128", ResolvedURI: "http://example.com/key"}
			}
			h.start(p, PlaylistOptions{})
			h.complete(100)

			require.Len(t, h.fetcher.calls, 2)
			assert.Equal(t, tc.want, h.fetcher.last().req.Key.Bytes)
		})
	}
}

func TestVideoTimingIsRecordedOnSegment(t *testing.T) {
	h := newHarness(t, nil)
	p := vod(2, 10)
	h.start(p, PlaylistOptions{})
	h.complete(100)

	require.NotNil(t, p.Segments[0].VideoTimingInfo)
	assert.Equal(t, 1.0, p.Segments[0].VideoTimingInfo.TransmuxedPresentationStart)
	assert.Equal(t, 2.0, p.Segments[0].VideoTimingInfo.TransmuxedPresentationEnd)
}

func TestSegmentMetadataCue(t *testing.T) {
	track := captions.NewTrack("segment-metadata", "metadata", "segment-metadata")
	h := newHarness(t, func(o *Options) { o.SegmentMetadataTrack = track })

	p := vod(2, 10)
	p.Attributes = playlist.Attributes{Bandwidth: 500_000, Resolution: "640x360", Codecs: "avc1.4d401e,mp4a.40.2"}
	dt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.Segments[0].DateTime = &dt
	h.start(p, PlaylistOptions{})
	h.complete(100)

	cues := track.Cues()
	require.Len(t, cues, 1)
	assert.Equal(t, 0.0, cues[0].Start)
	assert.Equal(t, 10.0, cues[0].End)
	assert.Equal(t, captions.SegmentMetadata{
		DateTime:   "2024-01-02T03:04:05Z",
		Bandwidth:  500_000,
		Resolution: "640x360",
		Codecs:     "avc1.4d401e,mp4a.40.2",
		ByteLength: 100,
		URI:        "http://example.com/0.ts",
		Timeline:   0,
		Playlist:   "0-vod.m3u8",
		Start:      0,
		End:        10,
	}, cues[0].Value)
	assert.Contains(t, cues[0].Text, `"uri":"http://example.com/0.ts"`)
}

type recordingParser struct {
	cleared int
}

func (p *recordingParser) Parse([]byte, []byte) ([]captions.Caption, []string) { return nil, nil }
func (p *recordingParser) ClearParsedCaptions()                                { p.cleared++ }
func (p *recordingParser) ClearAllCaptions()                                   {}
func (p *recordingParser) Reset()                                              {}

func TestInbandCaptionsAreAddedToTracks(t *testing.T) {
	store := captions.NewStore()
	parser := &recordingParser{}
	h := newHarness(t, func(o *Options) {
		o.InbandTextTracks = store
		o.CaptionParser = parser
	})
	h.start(vod(2, 10), PlaylistOptions{})

	call := h.fetcher.last()
	res := h.result(call, 100)
	res.Captions = []captions.Caption{{Stream: "CC1", StartTime: 1, EndTime: 2, Text: "hello"}}
	res.CaptionStreams = []string{"CC1", "CC3"}
	call.onDone(res, nil)
	h.sched.Flush()

	require.NotNil(t, store.Track("CC3"))
	cues := store.Track("CC1").Cues()
	require.Len(t, cues, 1)
	assert.Equal(t, "hello", cues[0].Text)
	assert.Equal(t, 1, parser.cleared)
}

func TestCaptionParserIsIgnoredForAlternateAudio(t *testing.T) {
	parser := &recordingParser{}
	h := newHarness(t, func(o *Options) {
		o.LoaderType = TypeAudio
		o.InbandTextTracks = captions.NewStore()
		o.CaptionParser = parser
	})
	h.start(vod(2, 10), PlaylistOptions{})

	call := h.fetcher.last()
	res := h.result(call, 100)
	res.Captions = []captions.Caption{{Stream: "CC1", StartTime: 1, EndTime: 2, Text: "hello"}}
	call.onDone(res, nil)
	h.sched.Flush()

	assert.Equal(t, 0, parser.cleared)
}

func TestStatsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(o *Options) { o.Metrics = stats.NewMetrics(reg) })
	h.start(vod(2, 10), PlaylistOptions{})
	h.complete(1000)

	counters := h.loader.Stats()
	assert.Equal(t, 1, counters.MediaRequests)
	assert.Equal(t, int64(1000), counters.MediaBytesTransferred)
	assert.Equal(t, 10.0, counters.MediaSecondsLoaded)
	assert.Equal(t, 100*time.Millisecond, counters.MediaTransferDuration)
	assert.Equal(t, 8_000_000.0, h.loader.Bandwidth())
	assert.Equal(t, 100*time.Millisecond, h.loader.RoundTrip())
	assert.Equal(t, 1, h.loader.Throughput().Count)

	assert.Equal(t, 1.0, gathered(t, reg, "segloader_media_requests_total"))
	assert.Equal(t, 1000.0, gathered(t, reg, "segloader_media_bytes_transferred_total"))
}

func TestAbortedRequestIsCountedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(vod(2, 10), PlaylistOptions{})

	call := h.fetcher.last()
	call.onDone(nil, fetch.ErrAborted)
	h.sched.Flush()

	counters := h.loader.Stats()
	assert.Equal(t, 1, counters.MediaRequests)
	assert.Equal(t, 1, counters.MediaRequestsAborted)
	assert.Nil(t, h.loader.Error())
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
