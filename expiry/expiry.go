// Package expiry turns the free-form date strings scraped from provider
// status pages into a canonical UTC expiry instant.
//
// Provider pages render dates in the provider's home timezone (Jakarta) in a
// handful of formats; the dashboard displays times in Malaysia time. A cached
// ISO value, once persisted, is treated as authoritative so a cosmetic change
// in page formatting cannot shift an already known expiry.
package expiry

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Leases with no explicit valid-until date run out this many days after the
// machine was created.
const graceDays = 5

var (
	providerLocation = loadLocation("Asia/Jakarta", 7*60*60, "WIB")
	displayLocation  = loadLocation("Asia/Kuala_Lumpur", 8*60*60, "MYT")
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
}

var datetimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"January 2, 2006 15:04",
	"Jan 2, 2006 15:04",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
}

var naiveISOLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Resolution is the outcome of resolving a machine's expiry. A zero Instant
// means the expiry could not be determined and no reminder may be scheduled.
type Resolution struct {
	Instant time.Time
	ISO     string
	Display string
}

func (r Resolution) Known() bool {
	return !r.Instant.IsZero()
}

// Resolve computes the canonical expiry for a machine. A parseable cached ISO
// value wins; recomputation from the raw lease fields is the fallback path.
func Resolve(creation, validUntil, cachedISO string) Resolution {
	instant, ok := ParseISO(cachedISO)
	if !ok {
		instant, ok = Calculate(creation, validUntil)
	}
	if !ok {
		return Resolution{}
	}
	instant = instant.UTC().Truncate(time.Second)
	return Resolution{
		Instant: instant,
		ISO:     instant.Format(time.RFC3339),
		Display: FormatDisplay(instant),
	}
}

// Calculate derives the expiry instant from the raw lease fields alone:
// the valid-until string interpreted in the provider's home timezone, or the
// creation date's midnight plus the grace period when valid-until is absent
// or unreadable.
func Calculate(creation, validUntil string) (time.Time, bool) {
	if t, ok := parseLocalized(validUntil, providerLocation); ok {
		return t.UTC().Truncate(time.Second), true
	}
	if t, ok := parseLocalized(creation, providerLocation); ok {
		anchor := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, providerLocation)
		return anchor.AddDate(0, 0, graceDays).UTC().Truncate(time.Second), true
	}
	return time.Time{}, false
}

// ParseISO parses an ISO-8601 string as persisted in the expiry cache.
// Values without an offset are taken as UTC.
func ParseISO(value string) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t.UTC(), true
	}
	for _, layout := range naiveISOLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// FormatDisplay renders an instant for the dashboard, in Malaysia time, as
// e.g. "10 Jan 2024, 1:05 AM MYT". No leading zero on day or hour.
func FormatDisplay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	local := t.In(displayLocation)
	return fmt.Sprintf("%d %s, %s MYT", local.Day(), local.Format("Jan 2006"), local.Format("3:04 PM"))
}

// parseLocalized parses a provider-supplied date or datetime string. Naive
// values are interpreted in loc; timezone-aware values keep their offset.
// Date-only values resolve to midnight.
func parseLocalized(value string, loc *time.Location) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t, true
	}
	for _, layout := range naiveISOLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func loadLocation(name string, offsetSeconds int, abbreviation string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone(abbreviation, offsetSeconds)
}
