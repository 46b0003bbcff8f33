// Package mpd parses DASH manifests and derives the profile/segment view the
// HLS translator consumes.
//
// Parsing is split in two stages on purpose. Parse decodes the raw XML into a
// Document that preserves the manifest's shape; the manifest cache stores
// that form. Process runs on every request and derives the time-dependent
// view (live windows move between requests, and the requested profile id
// changes which segment lists are expanded).
package mpd

import "time"

// Document is the raw decoded MPD. It round-trips through JSON so the
// manifest cache can hold the unprocessed form.
type Document struct {
	Type                      string   `xml:"type,attr" json:"type"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr" json:"availabilityStartTime,omitempty"`
	PublishTime               string   `xml:"publishTime,attr" json:"publishTime,omitempty"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr" json:"mediaPresentationDuration,omitempty"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr" json:"minimumUpdatePeriod,omitempty"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr" json:"timeShiftBufferDepth,omitempty"`
	MaxSegmentDuration        string   `xml:"maxSegmentDuration,attr" json:"maxSegmentDuration,omitempty"`
	BaseURL                   string   `xml:"BaseURL" json:"baseURL,omitempty"`
	Periods                   []Period `xml:"Period" json:"periods"`
}

// Period is one MPD Period element.
type Period struct {
	ID             string          `xml:"id,attr" json:"id,omitempty"`
	Start          string          `xml:"start,attr" json:"start,omitempty"`
	BaseURL        string          `xml:"BaseURL" json:"baseURL,omitempty"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet" json:"adaptationSets"`
}

// AdaptationSet groups representations sharing mime type and language.
type AdaptationSet struct {
	ID                 string              `xml:"id,attr" json:"id,omitempty"`
	MimeType           string              `xml:"mimeType,attr" json:"mimeType,omitempty"`
	ContentType        string              `xml:"contentType,attr" json:"contentType,omitempty"`
	Lang               string              `xml:"lang,attr" json:"lang,omitempty"`
	FrameRate          string              `xml:"frameRate,attr" json:"frameRate,omitempty"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate" json:"segmentTemplate,omitempty"`
	ContentProtections []ContentProtection `xml:"ContentProtection" json:"contentProtections,omitempty"`
	Representations    []Representation    `xml:"Representation" json:"representations"`
}

// Representation is one encoded rendition.
type Representation struct {
	ID                 string              `xml:"id,attr" json:"id"`
	MimeType           string              `xml:"mimeType,attr" json:"mimeType,omitempty"`
	Codecs             string              `xml:"codecs,attr" json:"codecs,omitempty"`
	Bandwidth          int                 `xml:"bandwidth,attr" json:"bandwidth,omitempty"`
	Width              int                 `xml:"width,attr" json:"width,omitempty"`
	Height             int                 `xml:"height,attr" json:"height,omitempty"`
	FrameRate          string              `xml:"frameRate,attr" json:"frameRate,omitempty"`
	BaseURL            string              `xml:"BaseURL" json:"baseURL,omitempty"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate" json:"segmentTemplate,omitempty"`
	ContentProtections []ContentProtection `xml:"ContentProtection" json:"contentProtections,omitempty"`
}

// SegmentTemplate describes either a duration-based or timeline-based
// segment addressing scheme.
type SegmentTemplate struct {
	Timescale              uint64           `xml:"timescale,attr" json:"timescale,omitempty"`
	Initialization         string           `xml:"initialization,attr" json:"initialization,omitempty"`
	Media                  string           `xml:"media,attr" json:"media,omitempty"`
	StartNumber            *uint64          `xml:"startNumber,attr" json:"startNumber,omitempty"`
	Duration               *uint64          `xml:"duration,attr" json:"duration,omitempty"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr" json:"presentationTimeOffset,omitempty"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline" json:"timeline,omitempty"`
}

// SegmentTimeline is the explicit segment list form.
type SegmentTimeline struct {
	Segments []TimelineSegment `xml:"S" json:"s"`
}

// TimelineSegment is one S element: start time t (optional, else contiguous),
// duration d, and repeat count r.
type TimelineSegment struct {
	T *uint64 `xml:"t,attr" json:"t,omitempty"`
	D uint64  `xml:"d,attr" json:"d"`
	R *int64  `xml:"r,attr" json:"r,omitempty"`
}

// ContentProtection carries DRM signaling; default_KID identifies the key.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr" json:"schemeIdUri,omitempty"`
	Value       string `xml:"value,attr" json:"value,omitempty"`
	DefaultKID  string `xml:"default_KID,attr" json:"defaultKID,omitempty"`
}

// Manifest is the processed, per-request view.
type Manifest struct {
	IsLive bool
	// MinimumUpdatePeriod in seconds; nil for VOD manifests that carry none.
	MinimumUpdatePeriod *float64
	// KeyID is the default_KID from ContentProtection (dashes stripped),
	// populated only when processing was asked to parse DRM signaling.
	KeyID    string
	Profiles []Profile
}

// Profile is one rendition with its expanded segment list.
type Profile struct {
	ID        string
	MimeType  string
	Bandwidth int
	Width     int
	Height    int
	Codecs    string
	FrameRate string
	Lang      string
	InitURL   string
	Segments  []Segment
}

// Segment is one addressable media segment.
type Segment struct {
	Media  string
	Extinf float64
	Number int64
	// SequenceNumber is the HLS media-sequence value for live streams; nil
	// for VOD, where Number drives the playlist header.
	SequenceNumber *int64
	// ProgramDateTime is set for live segments whose wall-clock position is
	// known; empty otherwise.
	ProgramDateTime string
}

// ProfileByID returns the profiles matching id, preserving manifest order.
func (m *Manifest) ProfileByID(id string) []Profile {
	var out []Profile
	for _, p := range m.Profiles {
		if p.ID == id {
			out = append(out, p)
		}
	}
	return out
}

// pdtFormat renders program-date-time values with millisecond precision.
func pdtFormat(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
