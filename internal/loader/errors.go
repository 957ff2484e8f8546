package loader

import (
	"errors"
	"time"
)

var (
	// ErrIllegalMediaSwitch is wrapped by errors raised when a segment's media
	// types are incompatible with what the loader started with.
	ErrIllegalMediaSwitch = errors.New("illegal media switch")

	errNoPlayer         = errors.New("no player specified")
	errNoMediaSource    = errors.New("no media source specified")
	errNoScheduler      = errors.New("no scheduler specified")
	errNoSyncController = errors.New("no sync controller specified")
	errNoFetcher        = errors.New("no fetcher specified")
)

// Error is the sticky error of a Loader. It is reported once through the
// error event and blocks loading until a playlist with another URI or a
// reset clears it.
type Error struct {
	Message string
	Err     error
	// BlacklistDuration is how long the playlist should be excluded from
	// selection. Zero leaves the choice to the caller.
	BlacklistDuration time.Duration
	// Permanent asks the caller to exclude the playlist forever.
	Permanent bool
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Media is the set of elementary stream types found in a segment.
type Media struct {
	ContainsAudio bool
	ContainsVideo bool
}

// IllegalMediaSwitch returns a message when moving from startingMedia to
// newSegmentMedia cannot be handled by a single source buffer, or "" when the
// switch is allowed. Only the main loader is checked.
func IllegalMediaSwitch(loaderType string, startingMedia, newSegmentMedia *Media) string {
	if loaderType != TypeMain || startingMedia == nil || newSegmentMedia == nil {
		return ""
	}

	if !newSegmentMedia.ContainsAudio && !newSegmentMedia.ContainsVideo {
		return "Neither audio nor video found in segment."
	}

	if startingMedia.ContainsVideo && !newSegmentMedia.ContainsVideo {
		return "Only audio found in segment when we expected video." +
			" We can't switch to audio only from a stream that had video." +
			" To get rid of this message, please add codec information to the manifest."
	}

	if !startingMedia.ContainsVideo && newSegmentMedia.ContainsVideo {
		return "Video found in segment when we expected only audio." +
			" We can't switch to a stream with video from an audio only stream." +
			" To get rid of this message, please add codec information to the manifest."
	}

	return ""
}
