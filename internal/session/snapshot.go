package session

import "segloader/internal/stats"

// TimeRange is a buffered span of presentation time in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Rendition describes one playlist of the master.
type Rendition struct {
	ID         string `json:"id"`
	Bandwidth  int    `json:"bandwidth,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
	Enabled    bool   `json:"enabled"`
	Active     bool   `json:"active"`
}

// Snapshot is a point-in-time view of a session, safe to read from any goroutine.
type Snapshot struct {
	URI          string           `json:"uri"`
	Format       string           `json:"format,omitempty"`
	State        string           `json:"state"`
	Playlist     string           `json:"playlist,omitempty"`
	CurrentTime  float64          `json:"currentTime"`
	Buffered     []TimeRange      `json:"buffered"`
	Bandwidth    float64          `json:"bandwidth"`
	Ended        bool             `json:"ended"`
	Finished     bool             `json:"finished"`
	Error        string           `json:"error,omitempty"`
	Stats        stats.Counters   `json:"stats"`
	Throughput   stats.Throughput `json:"throughput"`
	MetadataCues int              `json:"metadataCues"`
	Renditions   []Rendition      `json:"renditions"`
}

// Snapshot returns the state published by the session's last tick.
func (s *Session) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snap := s.snapshot
	snap.Buffered = append([]TimeRange(nil), s.snapshot.Buffered...)
	snap.Renditions = append([]Rendition(nil), s.snapshot.Renditions...)
	return snap
}
