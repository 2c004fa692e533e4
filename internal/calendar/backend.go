// Package calendar adapts the on-device store and the Google Calendar API
// to one backend contract.
package calendar

import (
	"context"
	"time"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/domain"
)

// Backend is the contract both calendar backends satisfy.
// Every call fails with domain.ErrUnauthorized when the session is not usable.
type Backend interface {
	// Source identifies the backend.
	Source() domain.Source
	// Session returns the credential session gating this backend.
	Session() auth.Session

	// ListCalendars lists the calendars visible to the current credential.
	ListCalendars(ctx context.Context) ([]domain.ConnectedCalendar, error)
	// FetchEvents returns the events overlapping the day, ordered by start.
	// Zero calendars yields an empty slice, not an error.
	FetchEvents(ctx context.Context, day domain.DayRange) ([]domain.Event, error)

	// CreateEvent writes a new hangout.
	CreateEvent(ctx context.Context, ev domain.NewEvent) (domain.EventResult, error)
	// UpdateEvent changes an existing event. Unknown ids fail with domain.ErrEventNotFound.
	UpdateEvent(ctx context.Context, providerID string, update domain.EventUpdate) (domain.EventResult, error)
	// DeleteEvent removes an event. Unknown ids fail with domain.ErrEventNotFound.
	DeleteEvent(ctx context.Context, providerID string) error
}

// ChangeSource is a backend that can report what changed since a cursor.
type ChangeSource interface {
	// Changes returns the events changed since syncToken. An empty token
	// scans everything updated after since and seeds a new token.
	// An expired token fails with domain.ErrSyncTokenExpired.
	Changes(ctx context.Context, syncToken string, since time.Time) (ChangeSet, error)
}

// FreeBusySource is a backend that answers free/busy queries.
type FreeBusySource interface {
	FreeBusy(ctx context.Context, start, end time.Time) ([]domain.BusyPeriod, error)
}

// ChangeSet is one page-complete batch of changes.
type ChangeSet struct {
	Items     []ChangedItem
	NextToken string
}

// ChangedItem is one changed event.
type ChangedItem struct {
	// ID is the composite event id.
	ID string
	// SeriesID is set when the item is one occurrence of a recurring series.
	SeriesID string
	// Start is zero for cancelled events and events without a start.
	Start     time.Time
	Cancelled bool
	// Recurring marks a series master. Its occurrences may fall on any day.
	Recurring bool
}

// Empty reports whether the change set carries no items.
func (c ChangeSet) Empty() bool {
	return len(c.Items) == 0
}

// ensureReady refreshes the session if needed and gates the call on authorization.
func ensureReady(ctx context.Context, s auth.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.RefreshIfNeeded(ctx); err != nil {
		return err
	}
	if !s.IsAuthorized() {
		return domain.ErrUnauthorized
	}
	return nil
}
