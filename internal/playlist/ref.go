package playlist

// SegmentRef is a handle to a segment owned by a playlist. In-flight requests
// hold a SegmentRef so that timing learned after a refresh is written to the
// segment in the playlist that currently owns it.
type SegmentRef struct {
	Playlist *Playlist
	Index    int
}

// NewSegmentRef returns a handle to p.Segments[index].
func NewSegmentRef(p *Playlist, index int) SegmentRef {
	return SegmentRef{Playlist: p, Index: index}
}

// Valid reports whether the handle points at an existing segment.
func (r SegmentRef) Valid() bool {
	return r.Playlist != nil && r.Index >= 0 && r.Index < len(r.Playlist.Segments)
}

// Segment resolves the handle, returning nil when it is no longer valid.
func (r SegmentRef) Segment() *Segment {
	if !r.Valid() {
		return nil
	}
	return r.Playlist.Segments[r.Index]
}

// Rebase translates the handle into next, a refresh of the same rendition.
// When the segment fell out of next's window the original handle is kept so
// late timing can still be recorded on the old descriptor.
func (r SegmentRef) Rebase(next *Playlist) SegmentRef {
	if r.Playlist == nil || next == nil {
		return r
	}
	index := r.Index - (next.MediaSequence - r.Playlist.MediaSequence)
	if index < 0 || index >= len(next.Segments) {
		return r
	}
	return SegmentRef{Playlist: next, Index: index}
}
