package session

import (
	"context"
	"time"

	"segloader/internal/playlist"
)

// mediaLoop fetches media playlists off the scheduler. Requests are paced
// by the limiter so a live rendition is never reloaded faster than
// live_reload_min_interval.
func (s *Session) mediaLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			fresh, err := s.client.LoadMedia(ctx, job.master, job.playlist)
			s.loop.Post(func() { s.mediaLoaded(job, fresh, err) })
		}
	}
}

// requestMedia queues a load of p. Only one load is in flight at a time;
// mediaLoaded follows up when the active rendition changed meanwhile.
func (s *Session) requestMedia(p *playlist.Playlist) {
	if s.loading {
		return
	}

	job := mediaJob{
		master: &playlist.Master{URI: s.master.URI, Format: s.master.Format},
		playlist: &playlist.Playlist{
			ID:         p.ID,
			URI:        p.URI,
			Attributes: p.Attributes,
		},
	}
	select {
	case s.jobs <- job:
		s.loading = true
		s.logger.Debugf("Requesting playlist %s", p.Identity())
	default:
		s.logger.Warnf("Playlist request for %s dropped", p.Identity())
	}
}

func (s *Session) mediaLoaded(job mediaJob, fresh *playlist.Playlist, err error) {
	s.loading = false
	if s.finished {
		return
	}

	id := job.playlist.Identity()
	isActive := s.active != nil && s.active.Identity() == id

	if err != nil {
		s.logger.Warnf("Failed to load playlist %s: %v", id, err)
		switch {
		case !isActive:
			s.followActive()
		case len(s.active.Segments) > 0 && !s.active.EndList:
			// Keep playing the window we have and try again.
			s.scheduleRefresh(s.active)
		default:
			s.exclude(s.active, s.config.Loader.BlacklistDuration, err)
		}
		return
	}

	var previous *playlist.Playlist
	for i, p := range s.master.Playlists {
		if p.Identity() == id {
			previous = p
			fresh.ExcludeUntil = p.ExcludeUntil
			fresh.ExcludedForever = p.ExcludedForever
			fresh.Disabled = p.Disabled
			s.master.Playlists[i] = fresh
			break
		}
	}

	if !isActive {
		s.followActive()
		return
	}

	s.unchanged = previous != nil && len(previous.Segments) > 0 &&
		previous.MediaSequence == fresh.MediaSequence &&
		len(previous.Segments) == len(fresh.Segments)
	if s.unchanged {
		s.logger.Debugf("Playlist %s unchanged", id)
	}

	s.active = fresh
	s.activate(fresh)
	if fresh.EndList && previous != nil && !previous.EndList && len(previous.Segments) > 0 {
		s.logger.Infof("Live playlist %s ended", id)
	}
}

// followActive loads the active rendition when it has nothing to play yet.
func (s *Session) followActive() {
	if s.active == nil || s.loader.Playlist() == s.active {
		return
	}
	if s.active.EndList && len(s.active.Segments) > 0 {
		s.activate(s.active)
		return
	}
	s.requestMedia(s.active)
}

// scheduleRefresh reloads a live playlist after one target duration, or half
// of it when the last reload brought nothing new.
func (s *Session) scheduleRefresh(p *playlist.Playlist) {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}

	delay := time.Duration(p.TargetDuration * float64(time.Second))
	if s.unchanged {
		delay /= 2
	}
	if delay <= 0 {
		delay = s.config.Playback.LiveReloadMinInterval
	}

	s.refreshTimer = s.loop.AfterFunc(delay, func() {
		s.refreshTimer = nil
		if s.finished || s.active == nil || s.active.EndList {
			return
		}
		if s.loading {
			s.scheduleRefresh(s.active)
			return
		}
		s.requestMedia(s.active)
	})
}
