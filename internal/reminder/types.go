// Package reminder is the authoritative in-memory index of scheduled event
// reminders, mirrored asynchronously to durable storage.
package reminder

import "time"

// DefaultHorizon bounds how far ahead an event may be registered.
const DefaultHorizon = 365 * 24 * time.Hour

// Spec is a reminder before it gets an id.
type Spec struct {
	ChannelRef  string
	GuildRef    string
	Title       string
	ServerTime  string // MM/DD HH:mm server time, also the dedup key
	DisplayTime string // MM/DD HH:mm display zone
	EventAt     time.Time
	CreatedBy   string
}

type Reminder struct {
	ID          string
	ChannelRef  string
	GuildRef    string
	Title       string
	ServerTime  string
	DisplayTime string
	EventAt     time.Time
	CreatedBy   string

	Sent5Min  bool
	SentStart bool

	seq uint64 // insertion order
}

// Completed reports whether both notices went out.
func (r Reminder) Completed() bool { return r.Sent5Min && r.SentStart }

func (r Reminder) Spec() Spec {
	return Spec{
		ChannelRef:  r.ChannelRef,
		GuildRef:    r.GuildRef,
		Title:       r.Title,
		ServerTime:  r.ServerTime,
		DisplayTime: r.DisplayTime,
		EventAt:     r.EventAt,
		CreatedBy:   r.CreatedBy,
	}
}

// ReloadStats summarizes a ReloadAll pass.
type ReloadStats struct {
	Loaded  int
	Skipped int
}

// DuplicateError is returned by CreateUnique when the channel already has
// a reminder at the same server time.
type DuplicateError struct {
	Existing Reminder
}

func (e *DuplicateError) Error() string {
	return "reminder " + e.Existing.ID + " already set for " + e.Existing.ServerTime
}
