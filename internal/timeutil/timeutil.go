// Package timeutil converts between game server time, UTC and the display
// zone, and allocates sortable reminder ids.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
)

// Clock is the time source shared by every time-dependent component.
type Clock = clockwork.Clock

// RealClock returns the wall clock.
func RealClock() Clock { return clockwork.NewRealClock() }

const (
	DefaultServerOffset = -2 * time.Hour
	DefaultDisplayZone  = "Asia/Tokyo"
	DefaultDisplayLabel = "JST"

	layout = "01/02 15:04"

	// Dates further back than this are read as next year's.
	rolloverAfter = 180 * 24 * time.Hour
)

var serverTimeRe = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})\s+(\d{1,2}):(\d{2})$`)

// Zones describes the server and display clocks.
type Zones struct {
	Server       *time.Location
	Display      *time.Location
	DisplayLabel string
	// Past instants within Slack are accepted as-is.
	Slack time.Duration
}

// ServerTime is a parsed event instant with its two display strings.
type ServerTime struct {
	At      time.Time // UTC
	Server  string    // MM/DD HH:mm in server time
	Display string    // MM/DD HH:mm in display zone
}

func DefaultZones() Zones {
	z, _ := NewZones(DefaultServerOffset, DefaultDisplayZone, DefaultDisplayLabel)
	return z
}

// NewZones builds zones from a fixed server offset and an IANA display zone.
// When tzdata for the display zone is unavailable, Asia/Tokyo falls back to a
// fixed +09:00 zone and other names return an error.
func NewZones(serverOffset time.Duration, displayZone, label string) (Zones, error) {
	z := Zones{
		Server:       time.FixedZone(offsetName(serverOffset), int(serverOffset/time.Second)),
		DisplayLabel: strings.TrimSpace(label),
		Slack:        time.Minute,
	}
	displayZone = strings.TrimSpace(displayZone)
	if displayZone == "" {
		displayZone = DefaultDisplayZone
	}
	loc, err := time.LoadLocation(displayZone)
	if err != nil {
		if displayZone != DefaultDisplayZone {
			return Zones{}, fmt.Errorf("load display zone %q: %w", displayZone, err)
		}
		loc = time.FixedZone("JST", 9*60*60)
	}
	z.Display = loc
	if z.DisplayLabel == "" {
		z.DisplayLabel = DefaultDisplayLabel
	}
	return z, nil
}

func offsetName(d time.Duration) string {
	h := int(d / time.Hour)
	if h >= 0 {
		return fmt.Sprintf("UTC+%d", h)
	}
	return fmt.Sprintf("UTC%d", h)
}

// Parse reads "MM/DD HH:mm" in server time. The year is the current one in
// UTC; a date more than half a year in the past is taken as next year's.
// Other past instants beyond Slack are rejected.
func (z Zones) Parse(raw string, now time.Time) (ServerTime, error) {
	raw = strings.TrimSpace(raw)
	m := serverTimeRe.FindStringSubmatch(raw)
	if m == nil {
		return ServerTime{}, apperr.Validation("when", "time must look like MM/DD HH:mm (server time), e.g. 03/05 20:00")
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	hour, _ := strconv.Atoi(m[3])
	minute, _ := strconv.Atoi(m[4])
	switch {
	case month < 1 || month > 12:
		return ServerTime{}, apperr.Validation("when", "month must be between 1 and 12")
	case day < 1 || day > 31:
		return ServerTime{}, apperr.Validation("when", "day must be between 1 and 31")
	case hour > 23:
		return ServerTime{}, apperr.Validation("when", "hour must be between 0 and 23")
	case minute > 59:
		return ServerTime{}, apperr.Validation("when", "minute must be between 0 and 59")
	}

	year := now.UTC().Year()
	at, ok := z.date(year, month, day, hour, minute)
	if !ok {
		return ServerTime{}, apperr.Validation("when", "%02d/%02d is not a valid date", month, day)
	}
	if now.Sub(at) > rolloverAfter {
		next, ok := z.date(year+1, month, day, hour, minute)
		if !ok {
			return ServerTime{}, apperr.Validation("when", "%02d/%02d is not a valid date next year", month, day)
		}
		at = next
	} else if now.Sub(at) > z.Slack {
		return ServerTime{}, apperr.Validation("when", "%s (server time) has already passed", z.FormatServer(at))
	}
	return ServerTime{At: at, Server: z.FormatServer(at), Display: z.FormatDisplay(at)}, nil
}

func (z Zones) date(year, month, day, hour, minute int) (time.Time, bool) {
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, z.server())
	if t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (z Zones) server() *time.Location {
	if z.Server == nil {
		return time.FixedZone("UTC-2", int(DefaultServerOffset/time.Second))
	}
	return z.Server
}

func (z Zones) FormatServer(t time.Time) string { return t.In(z.server()).Format(layout) }

func (z Zones) FormatDisplay(t time.Time) string {
	loc := z.Display
	if loc == nil {
		loc = time.FixedZone("JST", 9*60*60)
	}
	return t.In(loc).Format(layout)
}

// NewID returns a time-ordered unique id (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
