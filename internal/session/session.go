// Package session plays one manifest: it owns the scheduler loop, the main
// segment loader, the in-memory sink, a simulated playhead and the live
// playlist refresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"segloader/internal/abr"
	"segloader/internal/captions"
	"segloader/internal/config"
	"segloader/internal/fetch"
	"segloader/internal/key"
	"segloader/internal/loader"
	"segloader/internal/logger"
	"segloader/internal/manifest"
	"segloader/internal/playlist"
	"segloader/internal/ranges"
	"segloader/internal/scheduler"
	"segloader/internal/sink"
	"segloader/internal/stats"
	"segloader/internal/syncpoint"
)

const (
	playheadInterval = 100 * time.Millisecond
	// earlyAbortExclusion keeps a rendition out of selection after a request
	// on it was abandoned for bandwidth.
	earlyAbortExclusion = 2 * time.Minute
	// liveEdgeSegments is how many segments the live edge stays behind the
	// end of the window.
	liveEdgeSegments = 3
)

// ErrNoRenditions is returned when every rendition of the manifest has been
// excluded.
var ErrNoRenditions = errors.New("no playable renditions")

// Options configures a Session. Config is required.
type Options struct {
	Config *config.Config
	// Client defaults to a manifest client built from Config.HTTP.
	Client *manifest.Client
	// HTTPClient is used for segments, keys and init segments.
	HTTPClient *http.Client
	Metrics    *stats.Metrics
	// Output receives every appended segment. May be nil.
	Output io.Writer
	Logger logger.Logger
}

type mediaJob struct {
	master   *playlist.Master
	playlist *playlist.Playlist
}

// Session plays a single manifest until it ends, fails or is cancelled.
type Session struct {
	uri        string
	config     *config.Config
	logger     logger.Logger
	client     *manifest.Client
	httpClient *http.Client

	loop     *scheduler.Loop
	source   *sink.Source
	sync     *syncpoint.Controller
	loader   *loader.Loader
	playhead *Playhead
	metadata *captions.Track
	inband   *captions.Store

	limiter *rate.Limiter
	jobs    chan mediaJob
	done    chan struct{}

	// Owned by the loop.
	master       *playlist.Master
	active       *playlist.Playlist
	loading      bool
	unchanged    bool
	refreshTimer scheduler.Timer
	tickTimer    scheduler.Timer
	finished     bool
	result       error

	mutex    sync.RWMutex
	snapshot Snapshot
}

// New creates a Session for the manifest at uri. Nothing is fetched until Run.
func New(uri string, opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("no config specified")
	}
	cfg := opts.Config

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("session")

	client := opts.Client
	if client == nil {
		client = manifest.NewClient(log, manifest.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.HTTP.Timeout,
			MaxBytes:  cfg.HTTP.MaxPlaylistBytes,
		})
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.HTTP.Timeout,
		}}
	}

	keys, err := key.NewService(cfg.StaticKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create key service: %w", err)
	}

	s := &Session{
		uri:        uri,
		config:     cfg,
		logger:     log,
		client:     client,
		httpClient: httpClient,
		loop:       scheduler.NewLoop(),
		sync:       syncpoint.New(log),
		playhead:   NewPlayhead(cfg.Playback.StartPosition, cfg.Playback.PlaybackRate),
		metadata:   captions.NewTrack("segment-metadata", "metadata", "segment-metadata"),
		inband:     captions.NewStore(),
		limiter:    rate.NewLimiter(rate.Every(cfg.Playback.LiveReloadMinInterval), 1),
		jobs:       make(chan mediaJob, 1),
		done:       make(chan struct{}),
		snapshot:   Snapshot{URI: uri, State: string(loader.StateInit)},
	}
	s.source = sink.NewSource(s.loop, log, opts.Output)

	pipeline := fetch.NewPipeline(httpClient, s.loop, keys, nil, log, fetch.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RetryAttempts: cfg.HTTP.RetryAttempts,
		RetryDelay:    cfg.HTTP.RetryDelay,
	})

	s.loader, err = loader.New(loader.Options{
		LoaderType:           loader.TypeMain,
		Player:               s.playhead,
		MediaSource:          loader.WrapSource(s.source),
		Scheduler:            s.loop,
		SyncController:       s.sync,
		Fetcher:              pipeline,
		Duration:             s.source.Duration,
		Master:               func() *playlist.Master { return s.master },
		GoalBufferLength:     func() float64 { return cfg.Loader.GoalBufferLength },
		CheckBufferDelay:     cfg.Loader.CheckBufferDelay,
		Bandwidth:            cfg.Loader.InitialBandwidth,
		CacheEncryptionKeys:  cfg.Loader.CacheEncryptionKeys,
		SegmentMetadataTrack: s.metadata,
		InbandTextTracks:     s.inband,
		Metrics:              opts.Metrics,
		Logger:               log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segment loader: %w", err)
	}

	s.loader.On(loader.EventBandwidthUpdate, s.onBandwidthUpdate)
	s.loader.On(loader.EventEarlyAbort, s.onEarlyAbort)
	s.loader.On(loader.EventError, s.onError)
	s.loader.On(loader.EventEnded, func(loader.Event) {
		s.logger.Infof("All segments of %s loaded", s.active.Identity())
		s.publish()
	})

	return s, nil
}

// Run loads the manifest and plays it. It returns nil when playback reaches
// the end, the configured playback duration elapses or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if d := s.config.Playback.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	defer s.closeIdleConnections()

	master, err := s.client.Load(ctx, s.uri)
	if err != nil {
		return fmt.Errorf("failed to load manifest %s: %w", s.uri, err)
	}
	s.logger.Infof("Loaded %s manifest %s with %d renditions", master.Format, master.URI, len(master.Playlists))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})
	g.Go(func() error {
		return s.mediaLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
			cancel()
		}
		return nil
	})

	s.loop.Post(func() { s.start(master) })

	err = g.Wait()
	s.dispose()

	if s.result != nil {
		return s.result
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Done is closed when playback finished on its own, by reaching the end of
// the stream or running out of renditions.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) start(master *playlist.Master) {
	s.master = master
	s.source.Open()

	initial := abr.ByBandwidth(master, s.config.Loader.InitialBandwidth, s.loop.Now())
	if initial == nil {
		s.finish(fmt.Errorf("%s: %w", s.uri, ErrNoRenditions))
		return
	}
	s.logger.Infof("Starting playback with rendition %s", initial.Identity())

	s.active = initial
	if len(initial.Segments) > 0 {
		s.activate(initial)
	} else {
		s.requestMedia(initial)
	}
	s.tick()
}

// dispose runs after the loop stopped. The snapshot keeps the loader stats
// from before the loader is disposed.
func (s *Session) dispose() {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	if s.tickTimer != nil {
		s.tickTimer.Stop()
	}
	s.publish()
	s.loader.Dispose()
	s.logger.Infof("Session for %s stopped", s.uri)
}

func (s *Session) closeIdleConnections() {
	s.httpClient.CloseIdleConnections()
	s.client.CloseIdleConnections()
}

func (s *Session) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.result = err
	if err != nil {
		s.logger.Errorf("Playback failed: %v", err)
	}
	s.publish()
	close(s.done)
}

// switchTo makes p the active rendition. Live renditions are always
// reloaded since their window has moved on.
func (s *Session) switchTo(p *playlist.Playlist) {
	s.logger.Infof("Switching rendition %s -> %s", s.active.Identity(), p.Identity())
	s.active = p
	s.unchanged = false
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}

	if p.EndList && len(p.Segments) > 0 {
		s.activate(p)
		return
	}
	s.requestMedia(p)
}

// activate hands the active rendition to the loader.
func (s *Session) activate(p *playlist.Playlist) {
	current := s.loader.Playlist()

	s.loader.SetPlaylist(p, loader.PlaylistOptions{Timeout: s.config.Loader.RequestTimeout})
	if s.source.ReadyState() == sink.StateOpen {
		s.source.SetDuration(s.presentationDuration(p))
	}

	switch {
	case current == nil:
		s.loader.SetMimeType(mimeType(p))
		s.seekToStart(p)
		s.loader.Load()
	case current.URI != p.URI:
		// Pulls the loader out of WAITING after an error on the previous rendition.
		s.loader.Abort()
		s.loader.Load()
	}

	if !p.EndList {
		s.scheduleRefresh(p)
	}
	s.publish()
}

// presentationDuration is +Inf while p is live. A live stream that ended
// keeps the time that expired from its window.
func (s *Session) presentationDuration(p *playlist.Playlist) float64 {
	d := playlist.Duration(p)
	if !p.EndList || !math.IsInf(s.source.Duration(), 1) {
		return d
	}
	if expired, ok := s.sync.GetExpiredTime(p, math.Inf(1)); ok {
		return expired + d
	}
	return d
}

func (s *Session) seekToStart(p *playlist.Playlist) {
	if p.EndList {
		if start := s.config.Playback.StartPosition; start > 0 {
			s.playhead.Seek(start)
		}
		return
	}
	s.updateSeekable()
	edge := s.playhead.Seekable().LastEnd()
	s.logger.Debugf("Joining live stream at %.3f", edge)
	s.playhead.Seek(edge)
}

func mimeType(p *playlist.Playlist) string {
	for _, seg := range p.Segments {
		if seg.Map != nil {
			return "video/mp4"
		}
	}
	return "video/mp2t"
}

func (s *Session) tick() {
	if s.finished {
		return
	}

	s.updateSeekable()
	buffered := s.buffered()
	s.playhead.Advance(s.loop.Now(), buffered)

	if s.loader.Ended() && s.playhead.CurrentTime() >= buffered.LastEnd()-ranges.FudgeFactor {
		s.logger.Infof("Playback reached the end of the stream at %.3f", s.playhead.CurrentTime())
		s.finish(nil)
		return
	}

	s.publish()
	s.tickTimer = s.loop.AfterFunc(playheadInterval, s.tick)
}

func (s *Session) buffered() ranges.Ranges {
	buffers := s.source.Buffers()
	if len(buffers) == 0 {
		return nil
	}
	return buffers[0].Buffered()
}

func (s *Session) updateSeekable() {
	p := s.loader.Playlist()
	if p == nil {
		return
	}
	if p.EndList {
		end := s.source.Duration()
		if math.IsNaN(end) {
			end = playlist.Duration(p)
		}
		s.playhead.seekable = ranges.New([2]float64{0, end})
		return
	}

	expired, ok := s.sync.GetExpiredTime(p, s.source.Duration())
	if !ok {
		return
	}
	end := expired + playlist.SumDurations(p, 0, max(len(p.Segments)-liveEdgeSegments, 0))
	s.playhead.seekable = ranges.New([2]float64{expired, end})
}

func (s *Session) onBandwidthUpdate(loader.Event) {
	s.selectRendition()

	// A timed out request pauses the loader without an error.
	if s.loader.Paused() && !s.loader.Ended() {
		s.loader.Load()
	}
}

func (s *Session) onEarlyAbort(loader.Event) {
	s.logger.Warnf("Request on %s aborted early, excluding it for %s", s.active.Identity(), earlyAbortExclusion)
	s.active.Exclude(s.loop.Now(), earlyAbortExclusion)
	s.selectRendition()
}

func (s *Session) onError(loader.Event) {
	lerr := s.loader.Error()
	if lerr == nil {
		return
	}

	d := s.config.Loader.BlacklistDuration
	if lerr.BlacklistDuration > 0 {
		d = lerr.BlacklistDuration
	}
	if lerr.Permanent {
		d = -1
	}
	s.exclude(s.active, d, lerr)
}

// exclude removes p from selection and moves to the best remaining rendition.
func (s *Session) exclude(p *playlist.Playlist, d time.Duration, cause error) {
	now := s.loop.Now()
	s.logger.Warnf("Excluding rendition %s: %v", p.Identity(), cause)
	p.Exclude(now, d)

	next := abr.ByBandwidth(s.master, s.loader.Bandwidth(), now)
	if next == nil || !next.IsEnabled(now) {
		s.finish(fmt.Errorf("%w: %w", ErrNoRenditions, cause))
		return
	}
	s.switchTo(next)
}

func (s *Session) selectRendition() {
	now := s.loop.Now()
	next := abr.ByBandwidth(s.master, s.loader.Bandwidth(), now)
	if next == nil || !next.IsEnabled(now) || next.Identity() == s.active.Identity() {
		return
	}
	s.switchTo(next)
}

// publish copies loop state into the snapshot served to other goroutines.
func (s *Session) publish() {
	snap := Snapshot{
		URI:          s.uri,
		State:        string(s.loader.State()),
		CurrentTime:  s.playhead.CurrentTime(),
		Bandwidth:    s.loader.Bandwidth(),
		Ended:        s.loader.Ended(),
		Finished:     s.finished,
		Stats:        s.loader.Stats(),
		Throughput:   s.loader.Throughput(),
		MetadataCues: len(s.metadata.Cues()),
	}
	if s.master != nil {
		snap.Format = s.master.Format
		now := s.loop.Now()
		for _, p := range s.master.Playlists {
			snap.Renditions = append(snap.Renditions, Rendition{
				ID:         p.Identity(),
				Bandwidth:  p.Attributes.Bandwidth,
				Resolution: p.Attributes.Resolution,
				Codecs:     p.Attributes.Codecs,
				Enabled:    p.IsEnabled(now),
				Active:     s.active != nil && p.Identity() == s.active.Identity(),
			})
		}
	}
	if s.active != nil {
		snap.Playlist = s.active.Identity()
	}
	for _, r := range s.buffered() {
		snap.Buffered = append(snap.Buffered, TimeRange{Start: r.Start, End: r.End})
	}
	if lerr := s.loader.Error(); lerr != nil {
		snap.Error = lerr.Error()
	}
	if s.result != nil {
		snap.Error = s.result.Error()
	}

	s.mutex.Lock()
	s.snapshot = snap
	s.mutex.Unlock()
}
