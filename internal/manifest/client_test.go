package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segloader/internal/dash"
	"segloader/internal/hls"
	"segloader/internal/logger"
)

const master = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401e,mp4a.40.2"
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,CODECS="avc1.4d401f,mp4a.40.2"
high.m3u8
`

func media(sequence int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:%d\n", sequence)
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.000,\nseg%d.ts\n", sequence+i)
	}
	return b.String()
}

const mpd = `<?xml version="1.0"?>
<MPD type="static" mediaPresentationDuration="PT8S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" duration="4" media="$RepresentationID$/$Number$.m4s" initialization="$RepresentationID$/init.mp4"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	sequence := 10
	mux := http.NewServeMux()
	mux.HandleFunc("/start.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hls/master.m3u8", http.StatusFound)
	})
	mux.HandleFunc("/hls/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "segloader-test", r.UserAgent())
		_, _ = w.Write([]byte(master))
	})
	mux.HandleFunc("/hls/low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(media(sequence)))
		sequence++
	})
	mux.HandleFunc("/dash/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(mpd))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newClient(cfg Config) *Client {
	cfg.UserAgent = "segloader-test"
	return NewClient(logger.Nop(), cfg)
}

func TestLoadFollowsRedirects(t *testing.T) {
	server := newServer(t)
	c := newClient(Config{})

	m, err := c.Load(context.Background(), server.URL+"/start.m3u8")
	require.NoError(t, err)

	assert.Equal(t, hls.Format, m.Format)
	assert.Equal(t, server.URL+"/hls/master.m3u8", m.URI)
	require.Len(t, m.Playlists, 2)
	assert.Equal(t, server.URL+"/hls/low.m3u8", m.Playlists[0].URI)
}

func TestLoadMediaRefreshesRendition(t *testing.T) {
	server := newServer(t)
	c := newClient(Config{})
	ctx := context.Background()

	m, err := c.Load(ctx, server.URL+"/hls/master.m3u8")
	require.NoError(t, err)
	low := m.Playlists[0]

	first, err := c.LoadMedia(ctx, m, low)
	require.NoError(t, err)
	assert.Equal(t, low.ID, first.ID)
	assert.Equal(t, low.URI, first.URI)
	assert.Equal(t, 800_000, first.Attributes.Bandwidth)
	assert.Equal(t, 10, first.MediaSequence)
	require.Len(t, first.Segments, 3)
	assert.Equal(t, server.URL+"/hls/seg10.ts", first.Segments[0].ResolvedURI)

	second, err := c.LoadMedia(ctx, m, first)
	require.NoError(t, err)
	assert.Equal(t, 11, second.MediaSequence)
}

func TestLoadDASH(t *testing.T) {
	server := newServer(t)
	c := newClient(Config{})
	ctx := context.Background()

	m, err := c.Load(ctx, server.URL+"/dash/manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, dash.Format, m.Format)
	require.Len(t, m.Playlists, 1)
	require.Len(t, m.Playlists[0].Segments, 2)
	assert.Equal(t, server.URL+"/dash/v1/2.m4s", m.Playlists[0].Segments[1].ResolvedURI)

	refreshed, err := c.LoadMedia(ctx, m, m.Playlists[0])
	require.NoError(t, err)
	assert.Equal(t, m.Playlists[0].ID, refreshed.ID)

	gone := *m.Playlists[0]
	gone.ID = "7-missing"
	_, err = c.LoadMedia(ctx, m, &gone)
	assert.ErrorIs(t, err, ErrRenditionGone)
}

func TestFetchErrors(t *testing.T) {
	server := newServer(t)
	ctx := context.Background()

	_, err := newClient(Config{}).Load(ctx, server.URL+"/garbage")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, _, err = newClient(Config{}).Fetch(ctx, server.URL+"/missing")
	assert.ErrorContains(t, err, "status code 404")

	_, _, err = newClient(Config{}).Fetch(ctx, server.URL+"/loop")
	assert.ErrorContains(t, err, "redirects")

	_, _, err = newClient(Config{MaxBytes: 16}).Fetch(ctx, server.URL+"/hls/master.m3u8")
	assert.ErrorIs(t, err, ErrTooLarge)
}
