// Package captions keeps text tracks fed by the loader: inband caption tracks
// and the segment-metadata track.
package captions

import (
	"encoding/json"
	"sort"
	"sync"
)

// Cue is a timed text or metadata entry.
type Cue struct {
	Start float64
	End   float64
	Text  string
	// Value carries structured data for metadata cues.
	Value any
}

// Caption is a parsed caption ready to become a cue on the track of its stream.
type Caption struct {
	Stream    string
	StartTime float64
	EndTime   float64
	Text      string
}

// Track is an ordered list of cues.
type Track struct {
	ID    string
	Kind  string
	Label string

	mutex sync.RWMutex
	cues  []Cue
}

// NewTrack creates an empty track.
func NewTrack(id, kind, label string) *Track {
	return &Track{ID: id, Kind: kind, Label: label}
}

// AddCue inserts c keeping cues ordered by start time.
func (t *Track) AddCue(c Cue) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	i := sort.Search(len(t.cues), func(i int) bool { return t.cues[i].Start > c.Start })
	t.cues = append(t.cues, Cue{})
	copy(t.cues[i+1:], t.cues[i:])
	t.cues[i] = c
}

// RemoveCuesInRange removes every cue lying entirely within [start, end].
func (t *Track) RemoveCuesInRange(start, end float64) {
	if t == nil {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	kept := t.cues[:0]
	for _, c := range t.cues {
		if c.Start >= start && c.End <= end {
			continue
		}
		kept = append(kept, c)
	}
	t.cues = kept
}

// Cues returns a copy of the track's cues.
func (t *Track) Cues() []Cue {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	out := make([]Cue, len(t.cues))
	copy(out, t.cues)
	return out
}

// Store holds inband caption tracks keyed by caption stream.
type Store struct {
	mutex  sync.RWMutex
	tracks map[string]*Track
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tracks: make(map[string]*Track)}
}

// CreateTrackIfAbsent returns the track for stream, creating a captions track if needed.
func (s *Store) CreateTrackIfAbsent(stream string) *Track {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if t, ok := s.tracks[stream]; ok {
		return t
	}
	t := NewTrack(stream, "captions", stream)
	s.tracks[stream] = t
	return t
}

// Track returns the track for stream, or nil.
func (s *Store) Track(stream string) *Track {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.tracks[stream]
}

// AddCaptions turns captions into cues shifted by timestampOffset.
func (s *Store) AddCaptions(list []Caption, timestampOffset float64) {
	for _, c := range list {
		t := s.CreateTrackIfAbsent(c.Stream)
		t.AddCue(Cue{
			Start: c.StartTime + timestampOffset,
			End:   c.EndTime + timestampOffset,
			Text:  c.Text,
		})
	}
}

// RemoveCuesInRange removes cues within [start, end] from every track.
func (s *Store) RemoveCuesInRange(start, end float64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, t := range s.tracks {
		t.RemoveCuesInRange(start, end)
	}
}

// SegmentMetadata is the value of a segment-metadata cue.
type SegmentMetadata struct {
	DateTime   string  `json:"dateTimeString,omitempty"`
	Bandwidth  int     `json:"bandwidth,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	ByteLength int     `json:"byteLength"`
	URI        string  `json:"uri"`
	Timeline   int     `json:"timeline"`
	Playlist   string  `json:"playlist"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// NewSegmentMetadataCue builds a cue whose text is the JSON encoding of m.
func NewSegmentMetadataCue(m SegmentMetadata) Cue {
	data, _ := json.Marshal(m)
	return Cue{Start: m.Start, End: m.End, Text: string(data), Value: m}
}

// Parser extracts inband captions from fragmented MP4 segments.
type Parser interface {
	// Parse returns captions found in segment along with the caption streams seen.
	Parse(segment, init []byte) ([]Caption, []string)
	// ClearParsedCaptions drops captions already handed out.
	ClearParsedCaptions()
	// ClearAllCaptions drops all parser state, used across discontinuities.
	ClearAllCaptions()
	Reset()
}
