package loader

import (
	"segloader/internal/abr"
	"segloader/internal/fetch"
	"segloader/internal/playlist"
	"segloader/internal/ranges"
	"segloader/internal/sink"
	"segloader/internal/syncpoint"
)

// SyncController maps playback time to playlist positions and learns timing
// from fetched segments.
type SyncController interface {
	GetSyncPoint(p *playlist.Playlist, duration float64, currentTimeline int, currentTime float64) *syncpoint.Point
	ProbeSegmentInfo(req *syncpoint.ProbeRequest) (*syncpoint.TimingInfo, error)
	MappingForTimeline(timeline int) (float64, bool)
	SaveExpiredSegmentInfo(oldPlaylist, newPlaylist *playlist.Playlist)
	SetDateTimeMapping(p *playlist.Playlist)
	Reset()
	OnSyncInfoUpdate(f func()) func()
}

// SourceBuffer is the append surface of the media sink.
type SourceBuffer interface {
	Append(data []byte, opts sink.AppendOptions, done func(error))
	Remove(start, end float64, done func())
	Buffered() ranges.Ranges
	Updating() bool
	TimestampOffset() float64
	SetTimestampOffset(offset float64)
	// Dispose drops queued operations. Their callbacks never run.
	Dispose()
}

// MediaSource owns the loader's SourceBuffer.
type MediaSource interface {
	ReadyState() sink.ReadyState
	AddBuffer(mimeType string) (SourceBuffer, error)
	OnSourceOpen(f func())
	EndOfStream()
}

// Fetcher retrieves one segment and returns a function aborting it.
type Fetcher interface {
	Fetch(req fetch.Request, onProgress fetch.ProgressFunc, onDone fetch.DoneFunc) func()
}

// CandidateSelector picks a rendition to switch to when a request threatens
// to stall playback.
type CandidateSelector func(c abr.Context) *abr.Candidate

// Player reports the playback state the loader schedules around.
type Player interface {
	CurrentTime() float64
	Seekable() ranges.Ranges
	Seeking() bool
	Paused() bool
	PlaybackRate() float64
	HasPlayed() bool
}

type sinkSource struct {
	*sink.Source
}

func (s sinkSource) AddBuffer(mimeType string) (SourceBuffer, error) {
	b, err := s.Source.AddBuffer(mimeType)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WrapSource adapts the in-memory sink to a MediaSource.
func WrapSource(s *sink.Source) MediaSource {
	return sinkSource{Source: s}
}
