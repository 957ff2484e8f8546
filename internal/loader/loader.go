// Package loader decides which media segment to fetch next, fetches it,
// reconciles its timing with the presentation timeline and appends it to the
// media sink.
package loader

import (
	"fmt"
	"math"
	"time"

	"segloader/internal/abr"
	"segloader/internal/cache"
	"segloader/internal/captions"
	"segloader/internal/logger"
	"segloader/internal/playlist"
	"segloader/internal/scheduler"
	"segloader/internal/stats"
	"segloader/internal/syncpoint"
)

// Loader types. Only the main loader checks for illegal media switches and
// parses inband captions.
const (
	TypeMain     = "main"
	TypeAudio    = "audio"
	TypeSubtitle = "subtitle"
)

// CheckBufferDelay is the steady polling interval.
const CheckBufferDelay = 500 * time.Millisecond

// DefaultGoalBufferLength is used when Options.GoalBufferLength is nil.
const DefaultGoalBufferLength = 30.0

// Options configures a Loader. Player, MediaSource, Scheduler, SyncController
// and Fetcher are required.
type Options struct {
	LoaderType     string
	Player         Player
	MediaSource    MediaSource
	Scheduler      scheduler.Scheduler
	SyncController SyncController
	Fetcher        Fetcher

	// Duration returns the presentation duration, +Inf for live.
	Duration func() float64
	// Master returns the renditions early abort may switch to.
	Master func() *playlist.Master
	// SelectCandidate defaults to abr.MinRebufferMaxBandwidth.
	SelectCandidate  CandidateSelector
	GoalBufferLength func() float64
	// CheckBufferDelay defaults to CheckBufferDelay.
	CheckBufferDelay time.Duration

	// Bandwidth is the initial bandwidth estimate in bits per second.
	Bandwidth           float64
	CacheEncryptionKeys bool

	SegmentMetadataTrack *captions.Track
	InbandTextTracks     *captions.Store
	CaptionParser        captions.Parser

	Metrics *stats.Metrics
	Logger  logger.Logger
}

// PlaylistOptions are the request options that come with a playlist.
type PlaylistOptions struct {
	// Timeout bounds every request of a segment. Zero disables both the
	// timeout and early abort.
	Timeout time.Duration
}

// Loader is the segment loader state machine. All methods must be called on
// its scheduler.
type Loader struct {
	loaderType     string
	player         Player
	mediaSource    MediaSource
	scheduler      scheduler.Scheduler
	syncController SyncController
	fetcher        Fetcher
	duration       func() float64
	master         func() *playlist.Master
	selectCand     CandidateSelector
	goalBuffer     func() float64
	checkDelay     time.Duration
	metadataTrack  *captions.Track
	inbandTracks   *captions.Store
	captionParser  captions.Parser
	logger         logger.Logger

	state            State
	err              *Error
	checkBufferTimer scheduler.Timer

	bandwidth float64
	roundTrip time.Duration
	stats     *stats.Tracker

	playlist        *playlist.Playlist
	playlistOptions PlaylistOptions
	mimeType        string
	buffer          SourceBuffer

	mediaIndex      int
	hasMediaIndex   bool
	syncPoint       *syncpoint.Point
	currentTimeline int
	fetchAtBuffer   bool
	ended           bool
	startingMedia   *Media
	pending         *segmentRequest

	activeInitSegmentID string
	initSegments        *cache.InitSegments
	keys                *cache.Keys

	removeSyncListener func()
	handlers           map[EventType][]subscription
	nextHandlerID      int
}

// New creates a Loader in the INIT state.
func New(opts Options) (*Loader, error) {
	switch {
	case opts.Player == nil:
		return nil, errNoPlayer
	case opts.MediaSource == nil:
		return nil, errNoMediaSource
	case opts.Scheduler == nil:
		return nil, errNoScheduler
	case opts.SyncController == nil:
		return nil, errNoSyncController
	case opts.Fetcher == nil:
		return nil, errNoFetcher
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.LoaderType == "" {
		opts.LoaderType = TypeMain
	}
	log = log.Named(fmt.Sprintf("SegmentLoader[%s]", opts.LoaderType))

	if opts.Duration == nil {
		opts.Duration = func() float64 { return math.NaN() }
	}
	if opts.Master == nil {
		opts.Master = func() *playlist.Master { return nil }
	}
	if opts.SelectCandidate == nil {
		opts.SelectCandidate = abr.MinRebufferMaxBandwidth
	}
	if opts.GoalBufferLength == nil {
		opts.GoalBufferLength = func() float64 { return DefaultGoalBufferLength }
	}
	if opts.CheckBufferDelay <= 0 {
		opts.CheckBufferDelay = CheckBufferDelay
	}

	l := &Loader{
		loaderType:      opts.LoaderType,
		player:          opts.Player,
		mediaSource:     opts.MediaSource,
		scheduler:       opts.Scheduler,
		syncController:  opts.SyncController,
		fetcher:         opts.Fetcher,
		duration:        opts.Duration,
		master:          opts.Master,
		selectCand:      opts.SelectCandidate,
		goalBuffer:      opts.GoalBufferLength,
		checkDelay:      opts.CheckBufferDelay,
		metadataTrack:   opts.SegmentMetadataTrack,
		inbandTracks:    opts.InbandTextTracks,
		logger:          log,
		state:           StateInit,
		bandwidth:       opts.Bandwidth,
		roundTrip:       -1,
		stats:           stats.NewTracker(opts.Metrics.ForLoader(opts.LoaderType)),
		currentTimeline: -1,
		syncPoint:       &syncpoint.Point{SegmentIndex: 0, Time: 0},
		initSegments:    cache.NewInitSegments(log),
		keys:            cache.NewKeys(log, opts.CacheEncryptionKeys),
		handlers:        make(map[EventType][]subscription),
	}
	if opts.LoaderType == TypeMain {
		l.captionParser = opts.CaptionParser
	}

	l.removeSyncListener = l.syncController.OnSyncInfoUpdate(func() {
		l.emit(EventSyncInfoUpdate)
	})
	l.mediaSource.OnSourceOpen(func() { l.ended = false })

	return l, nil
}

// State returns the current state.
func (l *Loader) State() State {
	return l.state
}

// Error returns the sticky error, or nil.
func (l *Loader) Error() *Error {
	return l.err
}

// Bandwidth returns the current bandwidth estimate in bits per second.
func (l *Loader) Bandwidth() float64 {
	return l.bandwidth
}

// RoundTrip returns the round trip time of the last successful request, or a
// negative duration when unknown.
func (l *Loader) RoundTrip() time.Duration {
	return l.roundTrip
}

// Throughput returns the processing throughput average.
func (l *Loader) Throughput() stats.Throughput {
	return l.stats.Throughput()
}

// Stats returns the request counters.
func (l *Loader) Stats() stats.Counters {
	return l.stats.Counters()
}

// MediaIndex returns the index of the last appended segment.
func (l *Loader) MediaIndex() (int, bool) {
	return l.mediaIndex, l.hasMediaIndex
}

// Ended reports whether the loader reached the end of the stream.
func (l *Loader) Ended() bool {
	return l.ended
}

// Playlist returns the active playlist.
func (l *Loader) Playlist() *playlist.Playlist {
	return l.playlist
}

func (l *Loader) setBandwidth(bw float64) {
	l.bandwidth = bw
	l.stats.SetBandwidth(bw)
}

// setError records err and drops the pending request. The error blocks
// selection until a rendition switch or a reset clears it.
func (l *Loader) setError(err *Error) {
	if err != nil {
		l.err = err
	}
	l.pending = nil
}

// Dispose stops the loader for good.
func (l *Loader) Dispose() {
	l.emit(EventDispose)
	l.setState(StateDisposed)
	l.Pause()
	l.abortRequests()
	if l.buffer != nil {
		l.buffer.Dispose()
	}
	l.stats.Reset()
	l.initSegments.Clear()
	l.keys.Clear()
	if l.captionParser != nil {
		l.captionParser.Reset()
	}
	if l.removeSyncListener != nil {
		l.removeSyncListener()
		l.removeSyncListener = nil
	}
	l.off()
}

// Abort cancels the request in flight. Outside of WAITING only the pending
// reference is dropped.
func (l *Loader) Abort() {
	if l.state != StateWaiting {
		l.pending = nil
		return
	}

	l.abortRequests()
	l.setState(StateReady)

	if !l.Paused() {
		l.monitorBuffer()
	}
}

func (l *Loader) abortRequests() {
	if l.pending != nil && l.pending.abort != nil {
		l.pending.abort()
	}
	l.pending = nil
}

func (l *Loader) endOfStream() {
	l.ended = true
	l.mediaSource.EndOfStream()
	l.Pause()
	l.emit(EventEnded)
}

func (l *Loader) couldBeginLoading() bool {
	return l.playlist != nil &&
		(l.buffer != nil || (l.mimeType != "" && l.state == StateInit)) &&
		!l.Paused()
}

// Load resumes polling and starts loading once a playlist and sink format
// are known.
func (l *Loader) Load() {
	if l.state == StateDisposed {
		return
	}
	l.monitorBuffer()

	if l.playlist == nil {
		return
	}

	l.syncController.SetDateTimeMapping(l.playlist)

	if l.state == StateInit && l.couldBeginLoading() {
		l.init()
		return
	}

	if !l.couldBeginLoading() || (l.state != StateReady && l.state != StateInit) {
		return
	}

	l.setState(StateReady)
}

func (l *Loader) init() {
	l.setState(StateReady)

	buffer, err := l.mediaSource.AddBuffer(l.mimeType)
	if err != nil {
		l.logger.Errorf("Failed to create source buffer: %v", err)
		l.Pause()
		l.setError(&Error{Message: err.Error(), Err: err})
		l.emit(EventError)
		return
	}
	l.buffer = buffer

	l.ResetEverything(nil)
	l.monitorBuffer()
}

// SetPlaylist switches to p or applies a refresh of the active playlist.
func (l *Loader) SetPlaylist(p *playlist.Playlist, opts PlaylistOptions) {
	if p == nil {
		return
	}

	oldPlaylist := l.playlist
	pending := l.pending

	l.playlist = p
	l.playlistOptions = opts

	// Before the first request the start of a live window is time zero.
	if l.state == StateInit {
		p.SyncInfo = &playlist.SyncInfo{MediaSequence: p.MediaSequence, Time: 0}
	}

	var oldID string
	if oldPlaylist != nil {
		oldID = oldPlaylist.Identity()
	}
	l.logger.Debugf("playlist update [%s => %s]", oldID, p.Identity())

	l.emit(EventSyncInfoUpdate)

	if l.state == StateInit && l.couldBeginLoading() {
		l.init()
		return
	}

	if oldPlaylist == nil || oldPlaylist.URI != p.URI {
		l.err = nil
		if l.hasMediaIndex {
			l.ResyncLoader()
		}
		return
	}

	diff := p.MediaSequence - oldPlaylist.MediaSequence
	l.logger.Debugf("live window shift [%d]", diff)

	if l.hasMediaIndex {
		l.mediaIndex -= diff
	}

	if pending != nil {
		pending.mediaIndex -= diff
		if pending.mediaIndex >= 0 {
			pending.segment = pending.segment.Rebase(p)
		}
	}

	l.syncController.SaveExpiredSegmentInfo(oldPlaylist, p)
}

// Pause stops the poll timer. A request in flight is completed.
func (l *Loader) Pause() {
	if l.checkBufferTimer != nil {
		l.checkBufferTimer.Stop()
		l.checkBufferTimer = nil
	}
}

// Paused reports whether the poll timer is stopped.
func (l *Loader) Paused() bool {
	return l.checkBufferTimer == nil
}

// SetMimeType sets the sink format. Only the first call has an effect.
func (l *Loader) SetMimeType(mimeType string) {
	if l.mimeType != "" {
		return
	}
	l.mimeType = mimeType
	if l.state == StateInit && l.couldBeginLoading() {
		l.init()
	}
}

// ResetEverything drops all buffered media and starts over from a sync point.
func (l *Loader) ResetEverything(done func()) {
	l.ended = false
	l.err = nil
	l.ResetLoader()

	end := l.duration()
	if math.IsNaN(end) {
		end = math.Inf(1)
	}
	l.Remove(0, end, done)

	if l.captionParser != nil {
		l.captionParser.ClearAllCaptions()
	}
	l.emit(EventResetEverything)
}

// ResetLoader resyncs and fetches around the current time instead of the end
// of the buffer.
func (l *Loader) ResetLoader() {
	l.fetchAtBuffer = false
	l.ResyncLoader()
}

// ResyncLoader forgets the walk-forward position and sync point.
func (l *Loader) ResyncLoader() {
	l.hasMediaIndex = false
	l.mediaIndex = 0
	l.syncPoint = nil
	l.Abort()
}

// Remove evicts [start, end) from the sink and the cue tracks.
func (l *Loader) Remove(start, end float64, done func()) {
	if l.buffer != nil {
		l.buffer.Remove(start, end, done)
	}
	l.metadataTrack.RemoveCuesInRange(start, end)
	if l.inbandTracks != nil {
		l.inbandTracks.RemoveCuesInRange(start, end)
	}
}

func (l *Loader) monitorBuffer() {
	if l.checkBufferTimer != nil {
		l.checkBufferTimer.Stop()
	}
	l.checkBufferTimer = l.scheduler.AfterFunc(0, l.monitorBufferTick)
}

func (l *Loader) monitorBufferTick() {
	if l.state == StateReady {
		l.fillBuffer()
	}

	// The stream ended or an error paused the loader while filling.
	if l.Paused() {
		return
	}
	l.checkBufferTimer.Stop()
	l.checkBufferTimer = l.scheduler.AfterFunc(l.checkDelay, l.monitorBufferTick)
}
