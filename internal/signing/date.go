package signing

import (
	"errors"
	"net/http"
	"time"
)

// Format selects the canonical message layout. It is decided once, when
// the request date is parsed, and passed explicitly from then on.
type Format int

const (
	// FormatCurrent signs id, date and the optional digests.
	FormatCurrent Format = iota
	// FormatLegacy additionally prepends method and path. Requests dated
	// with an ISO-8601 instant use it.
	FormatLegacy
)

func (f Format) String() string {
	if f == FormatLegacy {
		return "legacy"
	}
	return "current"
}

var errUnparsableDate = errors.New("date is neither RFC-1123 nor an ISO-8601 instant")

// ParseDate parses a gameon-date value. RFC-1123 yields FormatCurrent; an
// ISO-8601 instant yields FormatLegacy.
func ParseDate(value string) (time.Time, Format, error) {
	for _, layout := range []string{http.TimeFormat, time.RFC1123, time.RFC1123Z} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, FormatCurrent, nil
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, FormatLegacy, nil
	}
	return time.Time{}, FormatCurrent, errUnparsableDate
}

// FormatDate renders now in the layout that ParseDate maps back to f.
func FormatDate(now time.Time, f Format) string {
	if f == FormatLegacy {
		return now.UTC().Format(time.RFC3339)
	}
	return now.UTC().Format(http.TimeFormat)
}

// Expired reports whether date lies more than window away from now, in
// either direction.
func Expired(date, now time.Time, window time.Duration) bool {
	delta := now.Sub(date)
	if delta < 0 {
		delta = -delta
	}
	return delta > window
}
