// Package hls converts HLS playlists into the loader's playlist model.
package hls

import (
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strings"

	m3u8 "github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"segloader/internal/playlist"
)

// Format identifies playlists converted by this package.
const Format = "hls"

// IsPlaylist reports whether data looks like an HLS playlist.
func IsPlaylist(data []byte) bool {
	return strings.HasPrefix(strings.TrimLeft(string(data), "\ufeff \t\r\n"), "#EXTM3U")
}

// Parse converts a multivariant or media playlist fetched from uri. A media
// playlist becomes a master with a single rendition.
func Parse(data []byte, uri string) (*playlist.Master, error) {
	pl, err := m3u8.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist %s: %w", uri, err)
	}

	switch p := pl.(type) {
	case *m3u8.Multivariant:
		return convertMultivariant(p, uri)
	case *m3u8.Media:
		media, err := convertMedia(p, uri, id(0, uri))
		if err != nil {
			return nil, err
		}
		return &playlist.Master{URI: uri, Format: Format, Playlists: []*playlist.Playlist{media}}, nil
	default:
		return nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

// ParseMedia converts a media playlist, keeping the given id so that a
// refresh can replace the rendition it came from.
func ParseMedia(data []byte, uri, playlistID string) (*playlist.Playlist, error) {
	pl, err := m3u8.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse media playlist %s: %w", uri, err)
	}
	media, ok := pl.(*m3u8.Media)
	if !ok {
		return nil, fmt.Errorf("%s is not a media playlist", uri)
	}
	return convertMedia(media, uri, playlistID)
}

func id(index int, uri string) string {
	return fmt.Sprintf("%d-%s", index, uri)
}

func convertMultivariant(mv *m3u8.Multivariant, uri string) (*playlist.Master, error) {
	master := &playlist.Master{URI: uri, Format: Format}
	for i, v := range mv.Variants {
		resolved, err := resolve(uri, v.URI)
		if err != nil {
			return nil, err
		}
		master.Playlists = append(master.Playlists, &playlist.Playlist{
			ID:  id(i, v.URI),
			URI: resolved,
			Attributes: playlist.Attributes{
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				Codecs:     strings.Join(v.Codecs, ","),
			},
		})
	}
	if len(master.Playlists) == 0 {
		return nil, fmt.Errorf("multivariant playlist %s has no variants", uri)
	}
	return master, nil
}

func convertMedia(m *m3u8.Media, uri, playlistID string) (*playlist.Playlist, error) {
	p := &playlist.Playlist{
		ID:             playlistID,
		URI:            uri,
		MediaSequence:  m.MediaSequence,
		TargetDuration: float64(m.TargetDuration),
		EndList:        m.Endlist,
	}
	if m.DiscontinuitySequence != nil {
		p.DiscontinuitySequence = *m.DiscontinuitySequence
	}

	var initSegment *playlist.InitSegment
	if m.Map != nil {
		resolved, err := resolve(uri, m.Map.URI)
		if err != nil {
			return nil, err
		}
		initSegment = &playlist.InitSegment{
			ResolvedURI: resolved,
			ByteRange:   byteRange(m.Map.ByteRangeStart, m.Map.ByteRangeLength, 0),
		}
	}

	timeline := p.DiscontinuitySequence
	// Byte ranges without an offset continue from the end of the previous
	// range of the same resource.
	nextOffset := make(map[string]uint64)
	var currentKey *playlist.Key

	for i, s := range m.Segments {
		if s == nil {
			continue
		}
		resolved, err := resolve(uri, s.URI)
		if err != nil {
			return nil, err
		}

		if s.Discontinuity && i > 0 {
			timeline++
			p.DiscontinuityStarts = append(p.DiscontinuityStarts, len(p.Segments))
		}

		segment := &playlist.Segment{
			URI:           s.URI,
			ResolvedURI:   resolved,
			Duration:      s.Duration.Seconds(),
			Timeline:      timeline,
			Discontinuity: s.Discontinuity,
			Map:           initSegment,
			DateTime:      s.DateTime,
		}

		if s.ByteRangeLength != nil {
			segment.ByteRange = byteRange(s.ByteRangeStart, s.ByteRangeLength, nextOffset[resolved])
			nextOffset[resolved] = segment.ByteRange.Offset + segment.ByteRange.Length
		}

		// A key applies to every segment until the next key tag.
		if s.Key != nil {
			currentKey = nil
			if string(s.Key.Method) != "NONE" {
				currentKey, err = convertKey(uri, s.Key)
				if err != nil {
					return nil, err
				}
			}
		}
		segment.Key = currentKey

		p.Segments = append(p.Segments, segment)
	}

	if p.TargetDuration == 0 {
		for _, s := range p.Segments {
			p.TargetDuration = math.Max(p.TargetDuration, math.Ceil(s.Duration))
		}
	}

	return p, nil
}

func convertKey(base string, k *m3u8.MediaKey) (*playlist.Key, error) {
	resolved, err := resolve(base, k.URI)
	if err != nil {
		return nil, err
	}
	key := &playlist.Key{Method: string(k.Method), ResolvedURI: resolved}
	if k.IV != "" {
		iv, err := parseIV(k.IV)
		if err != nil {
			return nil, err
		}
		key.IV = iv
	}
	return key, nil
}

// parseIV decodes a hexadecimal IV attribute, left padding it to 16 bytes.
func parseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IV %q: %w", s, err)
	}
	if len(raw) > 16 {
		return nil, fmt.Errorf("invalid IV %q: longer than 16 bytes", s)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(raw):], raw)
	return iv, nil
}

func byteRange(start, length *uint64, defaultOffset uint64) *playlist.ByteRange {
	if length == nil {
		return nil
	}
	offset := defaultOffset
	if start != nil {
		offset = *start
	}
	return &playlist.ByteRange{Offset: offset, Length: *length}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid playlist URI %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URI %q in %s: %w", ref, base, err)
	}
	return b.ResolveReference(r).String(), nil
}
