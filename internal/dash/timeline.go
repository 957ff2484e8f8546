package dash

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"segloader/internal/playlist"
)

// Format identifies masters converted by this package.
const Format = "dash"

// templateIdentifier matches $Identifier$ and $Identifier%0Nd$.
var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0(\d+)d)?\$`)

// timedSegment is one expanded entry of a SegmentTimeline or of a fixed
// duration template.
type timedSegment struct {
	number   int
	time     uint64
	duration uint64
}

// Convert builds one playlist per video representation of the manifest
// fetched from mpdURL, falling back to audio representations for audio only
// presentations. Each period after the first starts a new timeline.
func Convert(mpd *MPD, mpdURL string) (*playlist.Master, error) {
	base, err := url.Parse(mpdURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MPD URL '%s': %w", mpdURL, err)
	}
	if mpd.BaseURL != "" {
		if base, err = resolveURL(base, mpd.BaseURL); err != nil {
			return nil, fmt.Errorf("failed to resolve MPD BaseURL: %w", err)
		}
	}

	presentationDuration := math.NaN()
	if mpd.MediaPresentationDuration != "" {
		d, err := parseDuration(mpd.MediaPresentationDuration)
		if err != nil {
			return nil, fmt.Errorf("invalid mediaPresentationDuration: %w", err)
		}
		presentationDuration = d.Seconds()
	}

	master := &playlist.Master{URI: mpdURL, Format: Format}
	byID := make(map[string]*playlist.Playlist)

	for periodIndex := range mpd.Periods {
		period := &mpd.Periods[periodIndex]
		periodBase := base
		if period.BaseURL != "" {
			if periodBase, err = resolveURL(base, period.BaseURL); err != nil {
				return nil, fmt.Errorf("failed to resolve period BaseURL: %w", err)
			}
		}
		periodDuration, err := periodLength(mpd, periodIndex, presentationDuration)
		if err != nil {
			return nil, err
		}

		for _, as := range mainSets(period) {
			for ri := range as.Representations {
				rep := &as.Representations[ri]
				p, ok := byID[rep.ID]
				if !ok {
					p = newPlaylist(mpdURL, len(master.Playlists), as, rep, mpd.IsDynamic())
					byID[rep.ID] = p
					master.Playlists = append(master.Playlists, p)
				}
				if err := appendPeriod(p, periodBase, periodIndex, periodDuration, as, rep); err != nil {
					return nil, fmt.Errorf("representation %s: %w", rep.ID, err)
				}
			}
		}
	}

	if len(master.Playlists) == 0 {
		return nil, fmt.Errorf("MPD %s has no audio or video representations", mpdURL)
	}
	return master, nil
}

func newPlaylist(mpdURL string, index int, as *AdaptationSet, rep *Representation, dynamic bool) *playlist.Playlist {
	codecs := rep.Codecs
	if codecs == "" {
		codecs = as.Codecs
	}
	attrs := playlist.Attributes{Bandwidth: rep.Bandwidth, Codecs: codecs}
	if rep.Width > 0 && rep.Height > 0 {
		attrs.Resolution = fmt.Sprintf("%dx%d", rep.Width, rep.Height)
	}
	return &playlist.Playlist{
		ID:         fmt.Sprintf("%d-%s", index, rep.ID),
		URI:        mpdURL + "#" + url.PathEscape(rep.ID),
		EndList:    !dynamic,
		Attributes: attrs,
	}
}

// mainSets returns the video adaptation sets of a period, or its audio sets
// when there is no video.
func mainSets(period *Period) []*AdaptationSet {
	var video, audio []*AdaptationSet
	for i := range period.Sets {
		as := &period.Sets[i]
		switch contentType(as) {
		case "video":
			video = append(video, as)
		case "audio":
			audio = append(audio, as)
		}
	}
	if len(video) > 0 {
		return video
	}
	return audio
}

func contentType(as *AdaptationSet) string {
	if as.ContentType != "" {
		return as.ContentType
	}
	mime := as.MimeType
	if mime == "" && len(as.Representations) > 0 {
		mime = as.Representations[0].MimeType
	}
	kind, _, _ := strings.Cut(mime, "/")
	return kind
}

// periodLength returns the duration of a period in seconds, or NaN when it
// cannot be known from the manifest.
func periodLength(mpd *MPD, index int, presentationDuration float64) (float64, error) {
	start, err := mpd.Periods[index].GetStart()
	if err != nil {
		return 0, fmt.Errorf("invalid period start: %w", err)
	}
	if index+1 < len(mpd.Periods) && mpd.Periods[index+1].Start != "" {
		next, err := mpd.Periods[index+1].GetStart()
		if err != nil {
			return 0, fmt.Errorf("invalid period start: %w", err)
		}
		return (next - start).Seconds(), nil
	}
	return presentationDuration - start.Seconds(), nil
}

func appendPeriod(p *playlist.Playlist, base *url.URL, periodIndex int, periodDuration float64, as *AdaptationSet, rep *Representation) error {
	template := rep.SegmentTemplate
	if template == nil {
		template = as.SegmentTemplate
	}
	if template == nil {
		return fmt.Errorf("no SegmentTemplate")
	}
	timescale := template.Timescale
	if timescale == 0 {
		timescale = 1
	}

	if rep.BaseURL != "" {
		var err error
		if base, err = resolveURL(base, rep.BaseURL); err != nil {
			return fmt.Errorf("failed to resolve representation BaseURL: %w", err)
		}
	}

	segments, err := expand(template, timescale, periodDuration)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	var initSegment *playlist.InitSegment
	if template.Initialization != "" {
		resolved, err := resolveURL(base, fill(template.Initialization, rep, 0, 0))
		if err != nil {
			return fmt.Errorf("failed to resolve init path: %w", err)
		}
		initSegment = &playlist.InitSegment{ResolvedURI: resolved.String()}
	}

	if len(p.Segments) == 0 {
		p.MediaSequence = segments[0].number
	} else {
		p.DiscontinuityStarts = append(p.DiscontinuityStarts, len(p.Segments))
	}

	for i, ts := range segments {
		mediaPath := fill(template.Media, rep, ts.number, ts.time)
		resolved, err := resolveURL(base, mediaPath)
		if err != nil {
			return fmt.Errorf("failed to resolve media path: %w", err)
		}
		duration := float64(ts.duration) / float64(timescale)
		p.Segments = append(p.Segments, &playlist.Segment{
			URI:           mediaPath,
			ResolvedURI:   resolved.String(),
			Duration:      duration,
			Timeline:      periodIndex,
			Discontinuity: i == 0 && periodIndex > 0,
			Map:           initSegment,
		})
		p.TargetDuration = math.Max(p.TargetDuration, math.Ceil(duration))
	}
	return nil
}

// expand lists the segments of a template. Numbering starts at startNumber,
// or for $Time$ addressed timelines without one, at the first segment's time
// divided by its duration so that numbers stay stable across refreshes.
func expand(template *SegmentTemplate, timescale uint64, periodDuration float64) ([]timedSegment, error) {
	if template.Timeline != nil {
		return expandTimeline(template)
	}
	if template.Duration == 0 {
		return nil, fmt.Errorf("SegmentTemplate has neither SegmentTimeline nor duration")
	}
	if math.IsNaN(periodDuration) || periodDuration <= 0 {
		return nil, fmt.Errorf("cannot expand a fixed duration template without a period duration")
	}

	start := 1
	if template.StartNumber != nil {
		start = *template.StartNumber
	}
	segmentDuration := float64(template.Duration) / float64(timescale)
	count := int(math.Ceil(periodDuration/segmentDuration - 1e-9))

	segments := make([]timedSegment, 0, count)
	for i := 0; i < count; i++ {
		d := template.Duration
		if i == count-1 {
			remaining := periodDuration - float64(i)*segmentDuration
			d = uint64(math.Round(remaining * float64(timescale)))
		}
		segments = append(segments, timedSegment{
			number:   start + i,
			time:     uint64(i) * template.Duration,
			duration: d,
		})
	}
	return segments, nil
}

// expandTimeline processes a SegmentTimeline and returns a flat list of all segments.
func expandTimeline(template *SegmentTemplate) ([]timedSegment, error) {
	entries := template.Timeline.Segments
	if len(entries) == 0 {
		return nil, nil
	}

	var currentTime uint64
	if entries[0].T != nil {
		currentTime = *entries[0].T
	}

	number := 1
	switch {
	case template.StartNumber != nil:
		number = *template.StartNumber
	case entries[0].D > 0:
		number = int(currentTime / entries[0].D)
	}

	var segments []timedSegment
	for i, s := range entries {
		if s.D == 0 {
			return nil, fmt.Errorf("SegmentTimeline entry %d has no duration", i)
		}
		// If t is specified, it's an absolute start time.
		if s.T != nil {
			currentTime = *s.T
		}

		// r=-1 repeats until the start of the next entry. Without one the
		// entry is not repeated.
		repeat := s.R
		if repeat < 0 {
			repeat = 0
			if i+1 < len(entries) && entries[i+1].T != nil && *entries[i+1].T > currentTime {
				repeat = int((*entries[i+1].T-currentTime)/s.D) - 1
			}
		}

		for r := 0; r <= repeat; r++ {
			segments = append(segments, timedSegment{number: number, time: currentTime, duration: s.D})
			number++
			currentTime += s.D
		}
	}
	return segments, nil
}

// fill substitutes template identifiers for one segment.
func fill(template string, rep *Representation, number int, time uint64) string {
	out := templateIdentifier.ReplaceAllStringFunc(template, func(match string) string {
		parts := templateIdentifier.FindStringSubmatch(match)
		var value string
		switch parts[1] {
		case "RepresentationID":
			return rep.ID
		case "Number":
			value = strconv.Itoa(number)
		case "Time":
			value = strconv.FormatUint(time, 10)
		case "Bandwidth":
			value = strconv.Itoa(rep.Bandwidth)
		}
		if parts[3] != "" {
			width, _ := strconv.Atoi(parts[3])
			if pad := width - len(value); pad > 0 {
				value = strings.Repeat("0", pad) + value
			}
		}
		return value
	})
	return strings.ReplaceAll(out, "$$", "$")
}

// resolveURL resolves a path against a base URL, handling potential errors.
func resolveURL(base *url.URL, path string) (*url.URL, error) {
	resolvedPath, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse path '%s': %w", path, err)
	}
	return base.ResolveReference(resolvedPath), nil
}
