package mpd

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse decodes an MPD document. It does not derive segment lists; see
// Process.
func Parse(b []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("mpd: parse: %w", err)
	}
	if len(doc.Periods) == 0 {
		return nil, fmt.Errorf("mpd: parse: no Period elements")
	}
	return &doc, nil
}

var isoDurationRe = regexp.MustCompile(
	`^-?P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// parseISODuration converts an ISO-8601 duration ("PT6.4S", "PT1H30M") to
// seconds. Years and months use the common 365/30-day approximations; DASH
// manifests do not use them for segment timing.
func parseISODuration(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	units := []float64{365 * 86400, 30 * 86400, 86400, 3600, 60, 1}
	var total float64
	any := false
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, false
		}
		total += v * u
		any = true
	}
	if !any {
		return 0, false
	}
	if strings.HasPrefix(s, "-") {
		total = -total
	}
	return total, true
}

// parseMPDTime parses availabilityStartTime / publishTime attributes.
func parseMPDTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var templateVarRe = regexp.MustCompile(`\$(RepresentationID|Bandwidth|Number|Time)(%0\d+d)?\$`)

// expandTemplate fills a SegmentTemplate media/initialization string.
// number/timeVal are ignored for variables the template does not use.
func expandTemplate(tpl, repID string, bandwidth int, number int64, timeVal uint64) string {
	return templateVarRe.ReplaceAllStringFunc(tpl, func(match string) string {
		sub := templateVarRe.FindStringSubmatch(match)
		name, width := sub[1], sub[2]
		switch name {
		case "RepresentationID":
			return repID
		case "Bandwidth":
			return strconv.Itoa(bandwidth)
		case "Number":
			if width != "" {
				return fmt.Sprintf(width, number)
			}
			return strconv.FormatInt(number, 10)
		case "Time":
			if width != "" {
				return fmt.Sprintf(width, timeVal)
			}
			return strconv.FormatUint(timeVal, 10)
		}
		return match
	})
}
