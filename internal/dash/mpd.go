// Package dash converts DASH manifests using SegmentTemplate addressing into
// the loader's playlist model.
package dash

import (
	"encoding/xml"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	PublishTime               string   `xml:"publishTime,attr"`
	MaxSegmentDuration        string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// IsDynamic reports whether the presentation is live.
func (m *MPD) IsDynamic() bool {
	return m.Type == "dynamic"
}

// GetMinimumUpdatePeriod returns the MinimumUpdatePeriod as a time.Duration.
func (m *MPD) GetMinimumUpdatePeriod() (time.Duration, error) {
	if m.MinimumUpdatePeriod == "" {
		return 0, nil
	}
	return parseDuration(m.MinimumUpdatePeriod)
}

var durationPart = regexp.MustCompile(`(\d+\.?\d*)([HMS])`)

// parseDuration parses an ISO 8601 duration string like "PT8S".
func parseDuration(duration string) (time.Duration, error) {
	if !strings.HasPrefix(duration, "PT") {
		// Fallback for simple duration strings like "5s"
		return time.ParseDuration(duration)
	}

	duration = strings.TrimPrefix(duration, "PT")
	if duration == "" {
		return 0, nil
	}

	matches := durationPart.FindAllStringSubmatch(duration, -1)
	if len(matches) == 0 {
		return 0, errors.New("invalid ISO 8601 duration format")
	}

	var totalDuration time.Duration
	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}

		switch match[2] {
		case "H":
			totalDuration += time.Duration(value * float64(time.Hour))
		case "M":
			totalDuration += time.Duration(value * float64(time.Minute))
		case "S":
			totalDuration += time.Duration(value * float64(time.Second))
		}
	}

	return totalDuration, nil
}

// Period represents a media content period.
type Period struct {
	ID      string          `xml:"id,attr"`
	Start   string          `xml:"start,attr"`
	BaseURL string          `xml:"BaseURL"`
	Sets    []AdaptationSet `xml:"AdaptationSet"`
}

// GetStart returns the Period's start time as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	if p.Start == "" {
		return 0, nil
	}
	return parseDuration(p.Start)
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID              string           `xml:"id,attr"`
	ContentType     string           `xml:"contentType,attr"`
	Lang            string           `xml:"lang,attr,omitempty"`
	MimeType        string           `xml:"mimeType,attr"`
	Codecs          string           `xml:"codecs,attr"`
	Representations []Representation `xml:"Representation"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       int              `xml:"bandwidth,attr"`
	Codecs          string           `xml:"codecs,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	Width           int              `xml:"width,attr,omitempty"`
	Height          int              `xml:"height,attr,omitempty"`
	FrameRate       string           `xml:"frameRate,attr,omitempty"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate defines the URL structure for segments.
type SegmentTemplate struct {
	Timescale              uint64           `xml:"timescale,attr"`
	Duration               uint64           `xml:"duration,attr"`
	StartNumber            *int             `xml:"startNumber,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a series of segments.
type S struct {
	T *uint64 `xml:"t,attr"`           // Start time
	D uint64  `xml:"d,attr"`           // Duration
	R int     `xml:"r,attr,omitempty"` // Repeat count
}

// Parse decodes an MPD document.
func Parse(data []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, err
	}
	if len(mpd.Periods) == 0 {
		return nil, errors.New("MPD has no Period")
	}
	return &mpd, nil
}

// IsManifest reports whether data looks like an MPD document.
func IsManifest(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return strings.Contains(string(head), "<MPD")
}
