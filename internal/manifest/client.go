// Package manifest fetches HLS and DASH manifests and converts them into
// masters and media playlists.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"segloader/internal/dash"
	"segloader/internal/hls"
	"segloader/internal/logger"
	"segloader/internal/playlist"
)

const maxRedirects = 5

var (
	// ErrUnknownFormat is returned for documents that are neither HLS nor DASH.
	ErrUnknownFormat = errors.New("unknown manifest format")
	// ErrTooLarge is returned when a manifest exceeds Config.MaxBytes.
	ErrTooLarge = errors.New("manifest too large")
	// ErrRenditionGone is returned when a refresh no longer lists a rendition.
	ErrRenditionGone = errors.New("rendition no longer in manifest")
)

// Config tunes manifest requests.
type Config struct {
	UserAgent string
	// Timeout bounds the response headers of each request.
	Timeout time.Duration
	// MaxBytes limits the size of a manifest. Zero means no limit.
	MaxBytes int64
}

// Client is responsible for all manifest communication with the origin server.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     logger.Logger
}

// NewClient creates a new manifest client. Redirects are followed by the
// client itself so that relative URIs resolve against the final location.
func NewClient(log logger.Logger, cfg Config) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
		logger: log.Named("manifest"),
	}
}

// Fetch downloads a manifest, following redirects, and returns its body and
// final URL.
func (c *Client) Fetch(ctx context.Context, initialURL string) ([]byte, string, error) {
	c.logger.Debugf("Fetching manifest from URL: %s", initialURL)

	finalURL := initialURL
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create new request for manifest: %w", err)
		}
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch manifest from %s: %w", finalURL, err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location, err := resp.Location()
			resp.Body.Close()
			if err != nil {
				return nil, "", fmt.Errorf("redirect location error: %w", err)
			}
			if hop >= maxRedirects {
				return nil, "", fmt.Errorf("stopped after %d redirects fetching %s", maxRedirects, initialURL)
			}
			finalURL = location.String()
			c.logger.Debugf("Redirected to: %s", finalURL)
			continue
		}

		data, err := c.readBody(resp, finalURL)
		if err != nil {
			return nil, "", err
		}
		return data, finalURL, nil
	}
}

func (c *Client) readBody(resp *http.Response, uri string) ([]byte, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch manifest: received status code %d from %s", resp.StatusCode, uri)
	}

	var r io.Reader = resp.Body
	if c.config.MaxBytes > 0 {
		r = io.LimitReader(resp.Body, c.config.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest response body: %w", err)
	}
	if c.config.MaxBytes > 0 && int64(len(data)) > c.config.MaxBytes {
		return nil, fmt.Errorf("%s: %w", uri, ErrTooLarge)
	}
	return data, nil
}

// Load fetches a manifest and converts it into a master. Renditions of an
// HLS multivariant playlist have no segments until loaded with LoadMedia.
func (c *Client) Load(ctx context.Context, uri string) (*playlist.Master, error) {
	data, finalURL, err := c.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	master, err := parse(data, finalURL)
	if err != nil {
		c.logger.Errorf("Failed to parse manifest from %s: %v", finalURL, err)
		return nil, err
	}

	c.logger.Infof("Loaded %s manifest with %d rendition(s) from %s", master.Format, len(master.Playlists), finalURL)
	return master, nil
}

func parse(data []byte, uri string) (*playlist.Master, error) {
	switch {
	case hls.IsPlaylist(data):
		return hls.Parse(data, uri)
	case dash.IsManifest(data):
		mpd, err := dash.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal MPD XML: %w", err)
		}
		return dash.Convert(mpd, uri)
	default:
		return nil, fmt.Errorf("%s: %w", uri, ErrUnknownFormat)
	}
}

// LoadMedia fetches the current version of rendition p of master. The
// returned playlist keeps p's id, URI and attributes.
func (c *Client) LoadMedia(ctx context.Context, master *playlist.Master, p *playlist.Playlist) (*playlist.Playlist, error) {
	var refreshed *playlist.Playlist

	switch master.Format {
	case hls.Format:
		data, finalURL, err := c.Fetch(ctx, p.URI)
		if err != nil {
			return nil, err
		}
		refreshed, err = hls.ParseMedia(data, finalURL, p.ID)
		if err != nil {
			return nil, err
		}

	case dash.Format:
		fresh, err := c.Load(ctx, master.URI)
		if err != nil {
			return nil, err
		}
		for _, candidate := range fresh.Playlists {
			if candidate.ID == p.ID {
				refreshed = candidate
				break
			}
		}
		if refreshed == nil {
			return nil, fmt.Errorf("%s: %w", p.ID, ErrRenditionGone)
		}

	default:
		return nil, fmt.Errorf("%s: %w", master.Format, ErrUnknownFormat)
	}

	refreshed.URI = p.URI
	refreshed.Attributes = p.Attributes
	refreshed.ExcludeUntil = p.ExcludeUntil
	refreshed.ExcludedForever = p.ExcludedForever
	refreshed.Disabled = p.Disabled
	return refreshed, nil
}

// CloseIdleConnections closes keep-alive connections held by the client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
