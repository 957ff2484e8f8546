// Package fetch retrieves, decrypts and inspects one media segment at a time
// over HTTP. Completions are delivered on the caller's scheduler.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"segloader/internal/captions"
	"segloader/internal/key"
	"segloader/internal/logger"
	"segloader/internal/playlist"
	"segloader/internal/scheduler"
)

// KeyRequest is the decryption key of a segment. Bytes is set when the key is
// already cached.
type KeyRequest struct {
	URI   string
	IV    []byte
	Bytes []byte
}

// MapRequest is the init segment of a segment. Bytes is set when cached.
type MapRequest struct {
	URI       string
	ByteRange *playlist.ByteRange
	Bytes     []byte
}

// Request describes everything needed to fetch one segment.
type Request struct {
	ID        string
	URI       string
	ByteRange *playlist.ByteRange
	Key       *KeyRequest
	Map       *MapRequest
	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of a successful fetch.
type Result struct {
	ID string
	// Bytes is the decrypted segment.
	Bytes    []byte
	MapBytes []byte
	KeyBytes []byte
	Stats    Stats
	// EndOfAllRequests is when the last request of the segment finished.
	EndOfAllRequests time.Time

	Captions       []captions.Caption
	CaptionStreams []string
}

// ProgressFunc receives cumulative stats for the segment body.
type ProgressFunc func(id string, stats Stats)

// DoneFunc receives the result or an error classified as ErrAborted,
// ErrTimeout or *RequestError.
type DoneFunc func(res *Result, err error)

// Config tunes the pipeline.
type Config struct {
	UserAgent     string
	RetryAttempts int
	RetryDelay    time.Duration
}

// Pipeline performs segment fetches.
type Pipeline struct {
	httpClient    *http.Client
	scheduler     scheduler.Scheduler
	keys          *key.Service
	captionParser captions.Parser
	logger        logger.Logger
	config        Config
}

// NewPipeline creates a Pipeline. keys and parser may be nil.
func NewPipeline(client *http.Client, sched scheduler.Scheduler, keys *key.Service, parser captions.Parser, log logger.Logger, cfg Config) *Pipeline {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &Pipeline{
		httpClient:    client,
		scheduler:     sched,
		keys:          keys,
		captionParser: parser,
		logger:        log.Named("fetch"),
		config:        cfg,
	}
}

// Fetch starts fetching req and returns a function that aborts it. onDone is
// always called exactly once, including after an abort.
func (p *Pipeline) Fetch(req Request, onProgress ProgressFunc, onDone DoneFunc) func() {
	ctx, cancel := context.WithCancel(context.Background())
	var aborted atomic.Bool

	go func() {
		defer cancel()
		res, err := p.run(ctx, req, onProgress)
		if err != nil {
			err = p.classify(err, aborted.Load())
			res = nil
		}
		p.scheduler.Post(func() { onDone(res, err) })
	}()

	return func() {
		aborted.Store(true)
		cancel()
	}
}

func (p *Pipeline) classify(err error, aborted bool) error {
	var reqErr *RequestError
	switch {
	case aborted:
		return ErrAborted
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &reqErr):
		return reqErr
	default:
		return &RequestError{Err: err}
	}
}

func (p *Pipeline) run(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	res := &Result{ID: req.ID}
	started := p.scheduler.Now()

	var statsMutex sync.Mutex
	var body []byte

	if req.Key != nil {
		if req.Key.Bytes != nil {
			res.KeyBytes = req.Key.Bytes
		} else if k, ok := p.keys.GetKey(req.Key.URI); ok {
			res.KeyBytes = k
		} else {
			g.Go(func() error {
				data, err := p.get(gctx, req.Key.URI, nil, req.Timeout, nil)
				if err != nil {
					return err
				}
				if len(data) != 16 {
					return &RequestError{URI: req.Key.URI, Err: fmt.Errorf("invalid key length %d", len(data))}
				}
				res.KeyBytes = data
				return nil
			})
		}
	}

	if req.Map != nil {
		if req.Map.Bytes != nil {
			res.MapBytes = req.Map.Bytes
		} else {
			g.Go(func() error {
				data, err := p.get(gctx, req.Map.URI, req.Map.ByteRange, req.Timeout, nil)
				if err != nil {
					return err
				}
				res.MapBytes = data
				return nil
			})
		}
	}

	g.Go(func() error {
		report := func(s Stats) {
			statsMutex.Lock()
			res.Stats = s
			statsMutex.Unlock()
			if onProgress != nil {
				p.scheduler.Post(func() { onProgress(req.ID, s) })
			}
		}
		data, err := p.get(gctx, req.URI, req.ByteRange, req.Timeout, func(r io.Reader) io.Reader {
			return &progressReader{r: r, started: started, now: p.scheduler.Now, report: report}
		})
		if err != nil {
			return err
		}
		body = data
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.EndOfAllRequests = p.scheduler.Now()

	statsMutex.Lock()
	res.Stats.RoundTripTime = res.EndOfAllRequests.Sub(started)
	res.Stats.Bandwidth = bandwidth(res.Stats.BytesReceived, res.Stats.RoundTripTime)
	statsMutex.Unlock()

	if req.Key != nil {
		decrypted, err := decryptAES128(body, res.KeyBytes, req.Key.IV)
		if err != nil {
			return nil, &RequestError{URI: req.URI, Err: fmt.Errorf("failed to decrypt segment: %w", err)}
		}
		body = decrypted
	}
	res.Bytes = body

	if p.captionParser != nil && res.MapBytes != nil {
		res.Captions, res.CaptionStreams = p.captionParser.Parse(res.Bytes, res.MapBytes)
	}

	p.logger.Debugf("Fetched segment %s: %d bytes in %v", req.URI, len(res.Bytes), res.Stats.RoundTripTime)
	return res, nil
}

// get performs a GET with retries on transport failures. Timeouts and
// cancellation are not retried.
func (p *Pipeline) get(ctx context.Context, uri string, byteRange *playlist.ByteRange, timeout time.Duration, wrap func(io.Reader) io.Reader) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		data, err := p.getOnce(ctx, uri, byteRange, timeout, wrap)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status >= 400 && reqErr.Status < 500 {
			return nil, err
		}

		lastErr = err
		p.logger.Warnf("download attempt %d/%d for %s failed: %v", attempt, p.config.RetryAttempts, uri, err)
		if attempt == p.config.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.RetryDelay):
		}
	}

	return nil, lastErr
}

func (p *Pipeline) getOnce(ctx context.Context, uri string, byteRange *playlist.ByteRange, timeout time.Duration, wrap func(io.Reader) io.Reader) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &RequestError{URI: uri, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}
	if byteRange != nil {
		req.Header.Set("Range", byteRange.Header())
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{URI: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{URI: uri, Status: resp.StatusCode, Err: errBadStatus}
	}

	var r io.Reader = resp.Body
	if wrap != nil {
		r = wrap(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{URI: uri, Err: fmt.Errorf("failed while reading body: %w", err)}
	}
	return data, nil
}
