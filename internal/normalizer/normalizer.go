// Package normalizer turns the loosely formatted fields a model returns into
// absolute timestamps and attendee address lists.
package normalizer

import (
	"regexp"
	"strings"
	"time"
)

// RawEvent is one event as the model wrote it, before any parsing.
type RawEvent struct {
	Name         string
	Date         string
	StartTime    string
	EndTime      string
	Location     string
	Participants string
}

// Event is a normalized event. Start and End are resolved independently and
// either may be nil. End is never defaulted here and may precede Start.
type Event struct {
	Name            string
	Start           *time.Time
	End             *time.Time
	Location        string
	ParticipantsRaw string
}

// dateLayouts are tried in order after the Today/Tomorrow keywords.
// Month-first wins for ambiguous slash and dash dates.
var dateLayouts = []string{
	"2006-1-2",
	"1/2/2006",
	"2/1/2006",
	"2006/1/2",
	"1-2-2006",
	"2-1-2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ResolveDate parses a model date field relative to now. The result is
// midnight of that day in now's location. ok is false for empty or
// unrecognized input; the caller picks the fallback.
func ResolveDate(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	switch strings.ToLower(s) {
	case "today":
		return midnight(now), true
	case "tomorrow":
		return midnight(now).AddDate(0, 0, 1), true
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// BaseDate is ResolveDate with the processing-time fallback: an absent or
// unparseable date anchors to today, not to the email's received date.
func BaseDate(s string, now time.Time) time.Time {
	if d, ok := ResolveDate(s, now); ok {
		return d
	}
	return midnight(now)
}

// ParseClock parses a 24-hour HH:MM clock value. "None", "Unknown" and any
// non-conforming string are reported as absent.
func ParseClock(s string) (hour, minute int, ok bool) {
	s = strings.TrimSpace(s)
	if IsAbsent(s) {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// IsAbsent reports the placeholder values the model uses for "no value".
func IsAbsent(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "None", "Unknown":
		return true
	}
	return false
}

// At combines a base date with a clock value; nil when the clock is absent.
func At(base time.Time, clock string) *time.Time {
	h, m, ok := ParseClock(clock)
	if !ok {
		return nil
	}
	t := time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, base.Location())
	return &t
}

// Normalize resolves every candidate against now. Candidates with neither a
// name nor a start time are dropped.
func Normalize(raw []RawEvent, now time.Time) []Event {
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		base := BaseDate(r.Date, now)
		ev := Event{
			Name:            clean(r.Name),
			Start:           At(base, r.StartTime),
			End:             At(base, r.EndTime),
			Location:        clean(r.Location),
			ParticipantsRaw: clean(r.Participants),
		}
		if ev.Name == "" && ev.Start == nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// DefaultEnd returns end when set, start+1h otherwise.
func DefaultEnd(start time.Time, end *time.Time) time.Time {
	if end != nil {
		return *end
	}
	return start.Add(time.Hour)
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// ExtractAttendees pulls every email address out of a comma separated
// participants string, keeping first-seen order. Name-only entries yield nothing.
func ExtractAttendees(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		for _, addr := range emailPattern.FindAllString(item, -1) {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// AttendeeString is the comma-joined form stored on calendar events.
func AttendeeString(raw string) string {
	return strings.Join(ExtractAttendees(raw), ",")
}

// SplitAttendees re-splits a stored attendee string.
func SplitAttendees(stored string) []string {
	var out []string
	for _, a := range strings.Split(stored, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "None" {
		return ""
	}
	return s
}
