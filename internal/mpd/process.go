package mpd

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// liveEdgeDelay keeps the live window this far behind the wall clock so the
// newest advertised segment is fully available upstream.
const liveEdgeDelay = 3 * time.Second

// defaultLiveWindow bounds duration-based live windows when the manifest
// declares no timeShiftBufferDepth.
const defaultLiveWindow = 30 * time.Second

// Process derives the per-request view from a raw document. profileID, when
// non-empty, restricts segment-list expansion to that profile; other profiles
// are still listed (the master manifest needs them) but carry no segments.
// parseDRM extracts the default_KID from ContentProtection signaling.
func Process(doc *Document, mpdURL string, parseDRM bool, profileID string) (*Manifest, error) {
	return processAt(doc, mpdURL, parseDRM, profileID, time.Now())
}

// processAt is Process with an injectable clock for tests.
func processAt(doc *Document, mpdURL string, parseDRM bool, profileID string, now time.Time) (*Manifest, error) {
	m := &Manifest{IsLive: doc.Type == "dynamic"}
	if mup, ok := parseISODuration(doc.MinimumUpdatePeriod); ok {
		m.MinimumUpdatePeriod = &mup
	}

	base, err := url.Parse(mpdURL)
	if err != nil {
		return nil, fmt.Errorf("mpd: process: bad manifest URL: %w", err)
	}
	base = resolveBase(base, doc.BaseURL)

	for _, period := range doc.Periods {
		periodBase := resolveBase(base, period.BaseURL)
		for _, set := range period.AdaptationSets {
			for _, rep := range set.Representations {
				p := buildProfile(doc, &set, &rep, periodBase, now)
				if parseDRM && m.KeyID == "" {
					m.KeyID = defaultKID(&set, &rep)
				}
				if profileID != "" && p.ID != profileID {
					p.Segments = nil
				}
				m.Profiles = append(m.Profiles, p)
			}
		}
	}
	return m, nil
}

func resolveBase(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base
	}
	u, err := url.Parse(ref)
	if err != nil {
		return base
	}
	return base.ResolveReference(u)
}

func buildProfile(doc *Document, set *AdaptationSet, rep *Representation, base *url.URL, now time.Time) Profile {
	p := Profile{
		ID:        rep.ID,
		MimeType:  firstNonEmpty(rep.MimeType, set.MimeType),
		Bandwidth: rep.Bandwidth,
		Width:     rep.Width,
		Height:    rep.Height,
		Codecs:    rep.Codecs,
		FrameRate: firstNonEmpty(rep.FrameRate, set.FrameRate),
		Lang:      set.Lang,
	}
	repBase := resolveBase(base, rep.BaseURL)
	tpl := rep.SegmentTemplate
	if tpl == nil {
		tpl = set.SegmentTemplate
	}
	if tpl == nil {
		return p
	}
	if tpl.Initialization != "" {
		init := expandTemplate(tpl.Initialization, rep.ID, rep.Bandwidth, 0, 0)
		p.InitURL = resolveBase(repBase, init).String()
	}
	p.Segments = expandSegments(doc, tpl, rep, repBase, now)
	return p
}

// expandSegments generates the segment list for one representation.
func expandSegments(doc *Document, tpl *SegmentTemplate, rep *Representation, base *url.URL, now time.Time) []Segment {
	if tpl.Media == "" {
		return nil
	}
	timescale := tpl.Timescale
	if timescale == 0 {
		timescale = 1
	}
	startNumber := int64(1)
	if tpl.StartNumber != nil {
		startNumber = int64(*tpl.StartNumber)
	}
	live := doc.Type == "dynamic"
	ast, hasAST := parseMPDTime(doc.AvailabilityStartTime)

	if tpl.Timeline != nil {
		return expandTimeline(tpl, rep, base, timescale, startNumber, live, ast, hasAST)
	}
	if tpl.Duration == nil || *tpl.Duration == 0 {
		return nil
	}
	segDur := float64(*tpl.Duration) / float64(timescale)

	if !live {
		total, ok := parseISODuration(doc.MediaPresentationDuration)
		if !ok || total <= 0 {
			return nil
		}
		count := int64(math.Ceil(total / segDur))
		segs := make([]Segment, 0, count)
		for i := int64(0); i < count; i++ {
			n := startNumber + i
			extinf := segDur
			if i == count-1 {
				if rem := total - float64(i)*segDur; rem > 0 && rem < segDur {
					extinf = rem
				}
			}
			segs = append(segs, Segment{
				Media:  segmentURL(tpl, rep, base, n, 0),
				Extinf: extinf,
				Number: n,
			})
		}
		return segs
	}

	// Live duration-based window: last segment is the newest fully-available
	// one; the window reaches back timeShiftBufferDepth (or a default).
	if !hasAST {
		return nil
	}
	elapsed := now.Add(-liveEdgeDelay).Sub(ast).Seconds()
	if elapsed < segDur {
		return nil
	}
	window := defaultLiveWindow.Seconds()
	if d, ok := parseISODuration(doc.TimeShiftBufferDepth); ok && d > 0 {
		window = d
	}
	last := startNumber + int64(elapsed/segDur) - 1
	first := last - int64(window/segDur) + 1
	if first < startNumber {
		first = startNumber
	}
	segs := make([]Segment, 0, last-first+1)
	for n := first; n <= last; n++ {
		seq := n
		pdt := ast.Add(time.Duration(float64(n-startNumber) * segDur * float64(time.Second)))
		segs = append(segs, Segment{
			Media:           segmentURL(tpl, rep, base, n, 0),
			Extinf:          segDur,
			Number:          n,
			SequenceNumber:  &seq,
			ProgramDateTime: pdtFormat(pdt),
		})
	}
	return segs
}

// expandTimeline unrolls SegmentTimeline S elements (t/d/r) into segments.
func expandTimeline(tpl *SegmentTemplate, rep *Representation, base *url.URL, timescale uint64, startNumber int64, live bool, ast time.Time, hasAST bool) []Segment {
	var segs []Segment
	var t uint64
	n := startNumber
	for _, s := range tpl.Timeline.Segments {
		if s.T != nil {
			t = *s.T
		}
		repeat := int64(0)
		if s.R != nil {
			repeat = *s.R
		}
		for i := int64(0); i <= repeat; i++ {
			seg := Segment{
				Media:  segmentURL(tpl, rep, base, n, t),
				Extinf: float64(s.D) / float64(timescale),
				Number: n,
			}
			if live {
				seq := n
				seg.SequenceNumber = &seq
				if hasAST {
					offset := float64(int64(t)-int64(tpl.PresentationTimeOffset)) / float64(timescale)
					seg.ProgramDateTime = pdtFormat(ast.Add(time.Duration(offset * float64(time.Second))))
				}
			}
			segs = append(segs, seg)
			t += s.D
			n++
		}
	}
	return segs
}

func segmentURL(tpl *SegmentTemplate, rep *Representation, base *url.URL, number int64, timeVal uint64) string {
	media := expandTemplate(tpl.Media, rep.ID, rep.Bandwidth, number, timeVal)
	return resolveBase(base, media).String()
}

// defaultKID returns the cenc default_KID with dashes stripped, preferring
// representation-level signaling.
func defaultKID(set *AdaptationSet, rep *Representation) string {
	for _, cps := range [][]ContentProtection{rep.ContentProtections, set.ContentProtections} {
		for _, cp := range cps {
			if cp.DefaultKID != "" {
				return strings.ReplaceAll(strings.ToLower(cp.DefaultKID), "-", "")
			}
		}
	}
	return ""
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
