package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/devicestore"
	"github.com/beekhof/hangoutcal/internal/domain"
)

// DeviceStore is the on-device calendar database the local backend reads and writes.
type DeviceStore interface {
	Calendars(ctx context.Context) ([]devicestore.Calendar, error)
	DefaultCalendar(ctx context.Context) (devicestore.Calendar, error)
	Events(ctx context.Context, calendarIDs []string, start, end time.Time) ([]devicestore.Entry, error)
	Get(ctx context.Context, uid string) (devicestore.Entry, error)
	Save(ctx context.Context, e devicestore.Entry) (devicestore.Entry, error)
	Remove(ctx context.Context, uid string) error
}

// Local is the on-device calendar backend. Store calls are synchronous and
// complete as one operation, so a write never leaves partial state.
type Local struct {
	session auth.Session
	store   DeviceStore
	loc     *time.Location
	log     *slog.Logger
}

var _ Backend = (*Local)(nil)

// NewLocal creates the local backend gated by session.
func NewLocal(session auth.Session, store DeviceStore, loc *time.Location, log *slog.Logger) *Local {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	return &Local{
		session: session,
		store:   store,
		loc:     loc,
		log:     log.With(slog.String("backend", string(domain.SourceLocal))),
	}
}

// Source returns domain.SourceLocal.
func (l *Local) Source() domain.Source { return domain.SourceLocal }

// Session returns the permission session.
func (l *Local) Session() auth.Session { return l.session }

// ListCalendars lists the device calendars. All of them are enabled.
func (l *Local) ListCalendars(ctx context.Context) ([]domain.ConnectedCalendar, error) {
	if err := ensureReady(ctx, l.session); err != nil {
		return nil, err
	}
	cals, err := l.store.Calendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list device calendars: %w", err)
	}
	out := make([]domain.ConnectedCalendar, 0, len(cals))
	for _, cal := range cals {
		out = append(out, domain.ConnectedCalendar{
			ID:      cal.ID,
			Backend: domain.SourceLocal,
			Name:    cal.Name,
			Enabled: true,
		})
	}
	return out, nil
}

// FetchEvents returns the device events overlapping the day, recurring events expanded.
func (l *Local) FetchEvents(ctx context.Context, day domain.DayRange) ([]domain.Event, error) {
	if err := ensureReady(ctx, l.session); err != nil {
		return nil, err
	}
	entries, err := l.store.Events(ctx, nil, day.Start, day.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	events := make([]domain.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, l.toDomain(e))
	}
	return events, nil
}

// occurrenceLayout formats the original start that suffixes an occurrence id.
const occurrenceLayout = "20060102T150405Z"

// occurrenceID is "<uid>/<original start>" for an occurrence, else the uid.
func occurrenceID(e devicestore.Entry) string {
	if e.RecurrenceID.IsZero() {
		return e.UID
	}
	return e.UID + "/" + e.RecurrenceID.UTC().Format(occurrenceLayout)
}

// splitOccurrenceID reverses occurrenceID. The time is zero for plain uids.
func splitOccurrenceID(providerID string) (string, time.Time, error) {
	uid, suffix, ok := strings.Cut(providerID, "/")
	if !ok {
		return providerID, time.Time{}, nil
	}
	at, err := time.Parse(occurrenceLayout, suffix)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: malformed occurrence id %q", domain.ErrEventNotFound, providerID)
	}
	return uid, at, nil
}

func (l *Local) toDomain(e devicestore.Entry) domain.Event {
	providerID := occurrenceID(e)
	var series string
	if !e.RecurrenceID.IsZero() {
		series = domain.EventID(domain.SourceLocal, e.UID)
	}
	return domain.Event{
		ID:         domain.EventID(domain.SourceLocal, providerID),
		ProviderID: providerID,
		CalendarID: e.CalendarID,
		SeriesID:   series,
		Title:      e.Summary,
		Location:   e.Location,
		Start:      e.Start.In(l.loc),
		End:        e.End.In(l.loc),
		AllDay:     e.AllDay,
		Source:     domain.SourceLocal,
		IsAppEvent: e.AppCreated,
	}
}

// CreateEvent saves the hangout to the default device calendar.
// Device events have no shareable link.
func (l *Local) CreateEvent(ctx context.Context, ev domain.NewEvent) (domain.EventResult, error) {
	if err := ev.Validate(); err != nil {
		return domain.EventResult{}, err
	}
	if err := ensureReady(ctx, l.session); err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, err)
	}

	cal, err := l.store.DefaultCalendar(ctx)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, err)
	}

	saved, err := l.store.Save(ctx, devicestore.Entry{
		CalendarID: cal.ID,
		Summary:    ev.Activity,
		Location:   ev.Location,
		Start:      ev.Start,
		End:        ev.End(),
		Attendees:  ev.Attendees,
		AppCreated: true,
	})
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, err)
	}

	l.log.Info("created event", slog.String("calendar", cal.ID), slog.String("event", saved.UID))
	return domain.EventResult{
		ProviderID: saved.UID,
		Backends:   []domain.Source{domain.SourceLocal},
	}, nil
}

// UpdateEvent rewrites a device event with the changed fields. An occurrence
// id changes the whole series; a new start shifts every occurrence by the
// same amount.
func (l *Local) UpdateEvent(ctx context.Context, providerID string, update domain.EventUpdate) (domain.EventResult, error) {
	if update.IsEmpty() {
		return domain.EventResult{}, fmt.Errorf("%w: nothing to update", domain.ErrEventUpdateFailed)
	}
	if err := ensureReady(ctx, l.session); err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}

	uid, occurrence, err := splitOccurrenceID(providerID)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}
	e, err := l.store.Get(ctx, uid)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapStoreError(err))
	}

	if update.Title != nil {
		e.Summary = *update.Title
	}
	if update.Location != nil {
		e.Location = *update.Location
	}
	if update.Attendees != nil {
		e.Attendees = update.Attendees
	}
	if update.Start != nil || update.Duration != nil {
		duration := e.End.Sub(e.Start)
		if update.Start != nil {
			from := e.Start
			if !occurrence.IsZero() && e.RecurrenceRule != "" {
				from = occurrence
			}
			shift := update.Start.Sub(from)
			e.Start = e.Start.Add(shift)
			for i := range e.ExDates {
				e.ExDates[i] = e.ExDates[i].Add(shift)
			}
			if !occurrence.IsZero() {
				occurrence = occurrence.Add(shift)
			}
		}
		if update.Duration != nil {
			duration = *update.Duration
		}
		if duration <= 0 {
			return domain.EventResult{}, fmt.Errorf("%w: duration must be positive, got %s", domain.ErrEventUpdateFailed, duration)
		}
		e.End = e.Start.Add(duration)
	}

	saved, err := l.store.Save(ctx, e)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}
	if e.RecurrenceRule != "" {
		saved.RecurrenceID = occurrence
	}
	return domain.EventResult{
		ProviderID: occurrenceID(saved),
		Backends:   []domain.Source{domain.SourceLocal},
	}, nil
}

// DeleteEvent removes a device event. An occurrence id removes only that
// occurrence by excluding its date from the series.
func (l *Local) DeleteEvent(ctx context.Context, providerID string) error {
	if err := ensureReady(ctx, l.session); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}
	uid, occurrence, err := splitOccurrenceID(providerID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}
	if !occurrence.IsZero() {
		return l.deleteOccurrence(ctx, uid, occurrence)
	}
	if err := l.store.Remove(ctx, uid); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapStoreError(err))
	}
	l.log.Info("deleted event", slog.String("event", providerID))
	return nil
}

func (l *Local) deleteOccurrence(ctx context.Context, uid string, at time.Time) error {
	e, err := l.store.Get(ctx, uid)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapStoreError(err))
	}
	if e.RecurrenceRule == "" {
		return fmt.Errorf("%w: %w: %s is not recurring", domain.ErrEventUpdateFailed, domain.ErrEventNotFound, uid)
	}
	e.ExDates = append(e.ExDates, at.In(e.Start.Location()))
	if _, err := l.store.Save(ctx, e); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}
	l.log.Info("deleted occurrence", slog.String("event", uid), slog.Time("at", at))
	return nil
}

func mapStoreError(err error) error {
	if errors.Is(err, devicestore.ErrNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrEventNotFound, err)
	}
	return err
}
