package hls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segloader/internal/playlist"
)

const multivariant = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
http://cdn.example.com/high/index.m3u8
`

const live = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:120
#EXT-X-DISCONTINUITY-SEQUENCE:3
#EXT-X-KEY:METHOD=AES-128,URI="keys/k1",IV=0x000102030405060708090a0b0c0d0e0f
#EXT-X-PROGRAM-DATE-TIME:2024-05-01T10:00:00Z
#EXTINF:6.000,
seg120.ts
#EXTINF:5.500,
seg121.ts
#EXT-X-DISCONTINUITY
#EXT-X-KEY:METHOD=NONE
#EXTINF:6.000,
seg122.ts
`

const vodByteRange = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.000,
#EXT-X-BYTERANGE:1000@0
media.mp4
#EXTINF:4.000,
#EXT-X-BYTERANGE:1500
media.mp4
#EXT-X-ENDLIST
`

func TestIsPlaylist(t *testing.T) {
	assert.True(t, IsPlaylist([]byte("\n#EXTM3U\n")))
	assert.False(t, IsPlaylist([]byte("<?xml version=\"1.0\"?><MPD/>")))
}

func TestParseMultivariant(t *testing.T) {
	master, err := Parse([]byte(multivariant), "http://example.com/live/master.m3u8")
	require.NoError(t, err)

	assert.Equal(t, Format, master.Format)
	require.Len(t, master.Playlists, 2)

	low := master.Playlists[0]
	assert.Equal(t, "0-low/index.m3u8", low.ID)
	assert.Equal(t, "http://example.com/live/low/index.m3u8", low.URI)
	assert.Equal(t, playlist.Attributes{
		Bandwidth:  800_000,
		Resolution: "640x360",
		Codecs:     "avc1.4d401e,mp4a.40.2",
	}, low.Attributes)
	assert.Empty(t, low.Segments)

	assert.Equal(t, "http://cdn.example.com/high/index.m3u8", master.Playlists[1].URI)
}

func TestParseMediaLive(t *testing.T) {
	p, err := ParseMedia([]byte(live), "http://example.com/live/low/index.m3u8", "0-low/index.m3u8")
	require.NoError(t, err)

	assert.Equal(t, "0-low/index.m3u8", p.ID)
	assert.False(t, p.EndList)
	assert.Equal(t, 120, p.MediaSequence)
	assert.Equal(t, 3, p.DiscontinuitySequence)
	assert.Equal(t, 6.0, p.TargetDuration)
	assert.Equal(t, []int{2}, p.DiscontinuityStarts)
	require.Len(t, p.Segments, 3)

	first := p.Segments[0]
	assert.Equal(t, "http://example.com/live/low/seg120.ts", first.ResolvedURI)
	assert.Equal(t, 6.0, first.Duration)
	assert.Equal(t, 3, first.Timeline)
	require.NotNil(t, first.DateTime)
	assert.True(t, first.DateTime.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, first.Key)
	assert.Equal(t, "AES-128", first.Key.Method)
	assert.Equal(t, "http://example.com/live/low/keys/k1", first.Key.ResolvedURI)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, first.Key.IV)

	assert.InDelta(t, 5.5, p.Segments[1].Duration, 1e-9)
	require.NotNil(t, p.Segments[1].Key, "key carries over to later segments")
	assert.Equal(t, first.Key.ResolvedURI, p.Segments[1].Key.ResolvedURI)

	third := p.Segments[2]
	assert.True(t, third.Discontinuity)
	assert.Equal(t, 4, third.Timeline)
	assert.Nil(t, third.Key)
}

func TestParseMediaByteRangesAndMap(t *testing.T) {
	master, err := Parse([]byte(vodByteRange), "http://example.com/vod/index.m3u8")
	require.NoError(t, err)
	require.Len(t, master.Playlists, 1)

	p := master.Playlists[0]
	assert.Equal(t, "0-http://example.com/vod/index.m3u8", p.ID)
	assert.True(t, p.EndList)
	require.Len(t, p.Segments, 2)

	assert.Equal(t, &playlist.ByteRange{Offset: 0, Length: 1000}, p.Segments[0].ByteRange)
	assert.Equal(t, &playlist.ByteRange{Offset: 1000, Length: 1500}, p.Segments[1].ByteRange)

	require.NotNil(t, p.Segments[0].Map)
	assert.Equal(t, "http://example.com/vod/init.mp4", p.Segments[0].Map.ResolvedURI)
	assert.Same(t, p.Segments[0].Map, p.Segments[1].Map)
	assert.Equal(t, 8.0, playlist.Duration(p))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("not a playlist"), "http://example.com/x.m3u8")
	assert.Error(t, err)

	_, err = ParseMedia([]byte(multivariant), "http://example.com/master.m3u8", "0")
	assert.Error(t, err)
}

func TestParseIV(t *testing.T) {
	iv, err := parseIV("0x1")
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 15), 1), iv)

	_, err = parseIV("0xzz")
	assert.Error(t, err)
}
