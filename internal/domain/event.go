package domain

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies which calendar backend an event or calendar belongs to.
type Source string

const (
	// SourceLocal is the on-device calendar store.
	SourceLocal Source = "local"
	// SourceRemote is the cloud calendar service.
	SourceRemote Source = "remote"
)

// ParseSource parses a backend name. The empty string parses to "" (no preference).
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", nil
	case "local":
		return SourceLocal, nil
	case "remote", "google":
		return SourceRemote, nil
	default:
		return "", fmt.Errorf("unknown calendar backend %q (expected local, remote or auto)", s)
	}
}

// rank orders sources for deterministic merges: local before remote.
func (s Source) rank() int {
	switch s {
	case SourceLocal:
		return 0
	case SourceRemote:
		return 1
	default:
		return 2
	}
}

// Event is the unified read model of a calendar event.
// Values are built fresh from provider data on every fetch and never mutated afterwards.
type Event struct {
	// ID is the composite identity "<source>:<provider id>". Remote provider
	// ids are "<calendar id>/<event id>". Occurrences of a recurring event
	// carry their own id.
	ID         string
	ProviderID string
	CalendarID string
	// SeriesID is the composite identity of the recurring series this
	// occurrence belongs to. Empty for single events.
	SeriesID   string
	Title      string
	Location   string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Source     Source
	// IsAppEvent is true when the event carries this app's explicit marker.
	IsAppEvent bool
}

// EventID builds the composite identity of a provider event.
func EventID(source Source, providerID string) string {
	return string(source) + ":" + providerID
}

// ParseEventID splits a composite identity into its source and provider id.
func ParseEventID(id string) (Source, string, error) {
	prefix, providerID, ok := strings.Cut(id, ":")
	if !ok || providerID == "" {
		return "", "", fmt.Errorf("%w: malformed event id %q", ErrEventNotFound, id)
	}
	switch src := Source(prefix); src {
	case SourceLocal, SourceRemote:
		return src, providerID, nil
	default:
		return "", "", fmt.Errorf("%w: unknown source in event id %q", ErrEventNotFound, id)
	}
}

// DaysSpanning returns every calendar day in loc that [start, end) touches.
// A zero-length interval touches the day of start.
func DaysSpanning(start, end time.Time, loc *time.Location) []DayRange {
	day := Day(start, loc)
	days := []DayRange{day}
	for end.After(day.End) {
		day = Day(day.End, loc)
		days = append(days, day)
	}
	return days
}

// CompareEvents orders events by start time, breaking ties local-before-remote.
func CompareEvents(a, b Event) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.Source.rank() - b.Source.rank()
}

// EventResult is returned from create and update calls. It is never persisted.
type EventResult struct {
	ProviderID string
	// Link is a shareable URL, only set by backends that have one.
	Link string
	// Backends lists every backend the write succeeded on, primary first.
	Backends []Source
	// MirrorErr records a failed best-effort mirror write. The primary write stands.
	MirrorErr error
}

// ConnectedCalendar is a calendar visible to the current credential of a backend.
type ConnectedCalendar struct {
	ID      string
	Backend Source
	Name    string
	Enabled bool
}

// DayRange is a half-open [Start, End) interval covering one calendar day.
type DayRange struct {
	Start time.Time
	End   time.Time
}

// Day returns the calendar day containing t in loc.
func Day(t time.Time, loc *time.Location) DayRange {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return DayRange{Start: start, End: start.AddDate(0, 0, 1)}
}

// Key is the cache key of the day, formatted as YYYY-MM-DD.
func (r DayRange) Key() string {
	return r.Start.Format("2006-01-02")
}

// Contains reports whether t falls inside the range.
func (r DayRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// NewEvent describes a hangout to be written to a backend.
type NewEvent struct {
	Activity  string
	Location  string
	Start     time.Time
	Duration  time.Duration
	Attendees []string
}

// End returns Start + Duration.
func (e NewEvent) End() time.Time {
	return e.Start.Add(e.Duration)
}

// Validate checks the fields every backend requires.
func (e NewEvent) Validate() error {
	if strings.TrimSpace(e.Activity) == "" {
		return fmt.Errorf("%w: activity is required", ErrEventCreationFailed)
	}
	if e.Start.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrEventCreationFailed)
	}
	if e.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %s", ErrEventCreationFailed, e.Duration)
	}
	return nil
}

// EventUpdate carries the fields to change on an existing event. Nil fields are left alone.
type EventUpdate struct {
	Title     *string
	Location  *string
	Start     *time.Time
	Duration  *time.Duration
	Attendees []string
}

// IsEmpty reports whether the update changes nothing.
func (u EventUpdate) IsEmpty() bool {
	return u.Title == nil && u.Location == nil && u.Start == nil && u.Duration == nil && u.Attendees == nil
}

// BusyPeriod is one busy interval returned from a free/busy query.
type BusyPeriod struct {
	CalendarID string
	Start      time.Time
	End        time.Time
}
