package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/domain"
)

const (
	// appMarkerKey is the private extended property set on events this app creates.
	appMarkerKey   = "hangoutcalApp"
	appMarkerValue = "1"

	primaryCalendarID = "primary"
	defaultPageSize   = 250
	statusCancelled   = "cancelled"
)

// RemoteConfig configures the Google Calendar backend.
type RemoteConfig struct {
	// CalendarName is the dedicated calendar new events are written to.
	CalendarName string
	// ColorID is applied to the dedicated calendar when it is created.
	ColorID string
	// UseAppCalendar writes to the dedicated calendar instead of primary.
	UseAppCalendar bool
	// WatchCalendarID is followed by Changes in addition to every enabled
	// calendar and the app calendar.
	WatchCalendarID string
	// Location is the caller's time zone for day windows and new events.
	Location   *time.Location
	MaxResults int64
	RateLimit  RateLimitConfig
	Logger     *slog.Logger
}

// Remote is the Google Calendar backend.
type Remote struct {
	session auth.TokenSession
	service *gcal.Service
	cfg     RemoteConfig
	limiter *RateLimiter
	log     *slog.Logger

	mu              sync.Mutex
	writeCalendarID string
	// writeGeneration is the session generation writeCalendarID was resolved under.
	writeGeneration uint64
}

var (
	_ Backend        = (*Remote)(nil)
	_ ChangeSource   = (*Remote)(nil)
	_ FreeBusySource = (*Remote)(nil)
)

// NewRemote creates a Google Calendar backend whose requests carry the
// session's current access token. Extra options are passed to the API client.
func NewRemote(ctx context.Context, session auth.TokenSession, cfg RemoteConfig, opts ...option.ClientOption) (*Remote, error) {
	if cfg.CalendarName == "" {
		cfg.CalendarName = "Hangouts"
	}
	if cfg.WatchCalendarID == "" {
		cfg.WatchCalendarID = primaryCalendarID
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The session is consulted on every request so sign-out and refresh take effect immediately.
	httpClient := &http.Client{Transport: &oauth2.Transport{Source: session}}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)

	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Remote{
		session: session,
		service: service,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
		log:     cfg.Logger.With(slog.String("backend", string(domain.SourceRemote))),
	}, nil
}

// Source returns domain.SourceRemote.
func (r *Remote) Source() domain.Source { return domain.SourceRemote }

// Session returns the OAuth session.
func (r *Remote) Session() auth.Session { return r.session }

// call gates one API request on authorization and the rate limiter.
func (r *Remote) call(ctx context.Context, fn func() error) error {
	if err := ensureReady(ctx, r.session); err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	if err != nil && isRateLimited(err) {
		wait := retryAfter(err)
		r.log.Warn("rate limited by calendar API", slog.Duration("retry_after", wait))
		r.limiter.Backoff(wait)
	}
	return err
}

// ListCalendars lists every calendar on the user's calendar list.
func (r *Remote) ListCalendars(ctx context.Context) ([]domain.ConnectedCalendar, error) {
	entries, err := r.calendarList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConnectedCalendar, 0, len(entries))
	for _, item := range entries {
		out = append(out, domain.ConnectedCalendar{
			ID:      item.Id,
			Backend: domain.SourceRemote,
			Name:    calendarName(item),
			Enabled: item.Selected || item.Primary,
		})
	}
	return out, nil
}

func calendarName(item *gcal.CalendarListEntry) string {
	if item.SummaryOverride != "" {
		return item.SummaryOverride
	}
	return item.Summary
}

func (r *Remote) calendarList(ctx context.Context) ([]*gcal.CalendarListEntry, error) {
	var out []*gcal.CalendarListEntry
	var pageToken string

	for {
		var list *gcal.CalendarList
		err := r.call(ctx, func() error {
			req := r.service.CalendarList.List().Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			list, err = req.Do()
			return err
		})
		if err != nil {
			return nil, mapGoogleError("Google: failed to list calendars", err)
		}

		out = append(out, list.Items...)

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return out, nil
}

// FetchEvents returns the events of every enabled calendar overlapping the day.
// Recurring events are expanded server side.
func (r *Remote) FetchEvents(ctx context.Context, day domain.DayRange) ([]domain.Event, error) {
	cals, err := r.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}

	events := []domain.Event{}
	for _, cal := range cals {
		if !cal.Enabled {
			continue
		}
		calEvents, err := r.fetchCalendar(ctx, cal.ID, day)
		if err != nil {
			return nil, err
		}
		events = append(events, calEvents...)
	}

	slices.SortStableFunc(events, domain.CompareEvents)
	return events, nil
}

func (r *Remote) fetchCalendar(ctx context.Context, calendarID string, day domain.DayRange) ([]domain.Event, error) {
	var out []domain.Event
	var pageToken string

	for {
		var page *gcal.Events
		err := r.call(ctx, func() error {
			req := r.service.Events.List(calendarID).
				TimeMin(day.Start.Format(time.RFC3339)).
				TimeMax(day.End.Format(time.RFC3339)).
				SingleEvents(true). // Expand recurring events
				OrderBy("startTime").
				MaxResults(r.cfg.MaxResults).
				Context(ctx)
			if tz := r.timeZone(); tz != "" {
				req = req.TimeZone(tz)
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			page, err = req.Do()
			return err
		})
		if err != nil {
			return nil, mapGoogleError(fmt.Sprintf("Google: failed to list events in %s", calendarID), err)
		}

		for _, item := range page.Items {
			if item.Status == statusCancelled {
				continue
			}
			ev, err := r.toDomain(calendarID, item)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return out, nil
}

// toDomain converts a Google event to the unified read model.
func (r *Remote) toDomain(calendarID string, item *gcal.Event) (domain.Event, error) {
	start, allDay, err := parseEventTime(item.Start, r.cfg.Location)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: event %s start: %w", domain.ErrInvalidResponse, item.Id, err)
	}
	end, _, err := parseEventTime(item.End, r.cfg.Location)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: event %s end: %w", domain.ErrInvalidResponse, item.Id, err)
	}

	providerID := remoteID(calendarID, item.Id)
	var series string
	if item.RecurringEventId != "" {
		series = domain.EventID(domain.SourceRemote, remoteID(calendarID, item.RecurringEventId))
	}
	return domain.Event{
		ID:         domain.EventID(domain.SourceRemote, providerID),
		ProviderID: providerID,
		CalendarID: calendarID,
		SeriesID:   series,
		Title:      item.Summary,
		Location:   item.Location,
		Start:      start,
		End:        end,
		AllDay:     allDay,
		Source:     domain.SourceRemote,
		IsAppEvent: hasAppMarker(item),
	}, nil
}

// remoteID qualifies an event id with its calendar. Google ids never contain a slash.
func remoteID(calendarID, eventID string) string {
	return calendarID + "/" + eventID
}

// splitRemoteID reverses remoteID. A bare event id has no calendar.
func splitRemoteID(providerID string) (calendarID, eventID string) {
	i := strings.LastIndex(providerID, "/")
	if i < 0 {
		return "", providerID
	}
	return providerID[:i], providerID[i+1:]
}

// eventCalendar resolves the calendar a provider id lives in. Bare ids
// belong to the write calendar.
func (r *Remote) eventCalendar(ctx context.Context, providerID string) (string, string, error) {
	calendarID, eventID := splitRemoteID(providerID)
	if eventID == "" {
		return "", "", fmt.Errorf("%w: malformed event id %q", domain.ErrEventNotFound, providerID)
	}
	if calendarID != "" {
		return calendarID, eventID, nil
	}
	calendarID, err := r.writeCalendar(ctx)
	if err != nil {
		return "", "", err
	}
	return calendarID, eventID, nil
}

func hasAppMarker(item *gcal.Event) bool {
	return item.ExtendedProperties != nil && item.ExtendedProperties.Private[appMarkerKey] == appMarkerValue
}

// parseEventTime parses a Google date or date-time. All-day dates resolve to midnight in loc.
func parseEventTime(t *gcal.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed.In(loc), false, nil
	}
	if t.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed, true, nil
	}
	return time.Time{}, false, errors.New("empty time")
}

func (r *Remote) timeZone() string {
	if name := r.cfg.Location.String(); name != "Local" {
		return name
	}
	return ""
}

func (r *Remote) eventDateTime(t time.Time) *gcal.EventDateTime {
	return &gcal.EventDateTime{
		DateTime: t.In(r.cfg.Location).Format(time.RFC3339),
		TimeZone: r.timeZone(),
	}
}

// writeCalendar returns the calendar new events go to, creating the
// dedicated app calendar on first use.
func (r *Remote) writeCalendar(ctx context.Context) (string, error) {
	if !r.cfg.UseAppCalendar {
		return primaryCalendarID, nil
	}

	// A new sign-in may belong to another account with its own calendar.
	gen := r.session.Generation()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeCalendarID != "" && r.writeGeneration == gen {
		return r.writeCalendarID, nil
	}

	id, err := r.findOrCreateCalendarByName(ctx, r.cfg.CalendarName, r.cfg.ColorID)
	if err != nil {
		return "", err
	}
	r.writeCalendarID, r.writeGeneration = id, gen
	return id, nil
}

// findOrCreateCalendarByName finds an existing calendar by name or creates a new one.
func (r *Remote) findOrCreateCalendarByName(ctx context.Context, name, colorID string) (string, error) {
	cals, err := r.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, cal := range cals {
		if cal.Name == name {
			return cal.ID, nil
		}
	}

	var created *gcal.Calendar
	err = r.call(ctx, func() error {
		var err error
		created, err = r.service.Calendars.Insert(&gcal.Calendar{
			Summary:     name,
			Description: "Hangouts scheduled with hangoutcal",
			TimeZone:    r.timeZone(),
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", mapGoogleError("Google: failed to create calendar", err)
	}
	r.log.Info("created app calendar", slog.String("calendar", created.Id), slog.String("name", name))

	if colorID != "" {
		err = r.call(ctx, func() error {
			_, err := r.service.CalendarList.Patch(created.Id, &gcal.CalendarListEntry{ColorId: colorID}).Context(ctx).Do()
			return err
		})
		if err != nil {
			// The calendar is usable without its color.
			r.log.Warn("failed to set calendar color", slog.String("calendar", created.Id), slog.Any("error", err))
		}
	}

	return created.Id, nil
}

// CreateEvent inserts the hangout into the write calendar and invites the attendees.
func (r *Remote) CreateEvent(ctx context.Context, ev domain.NewEvent) (domain.EventResult, error) {
	if err := ev.Validate(); err != nil {
		return domain.EventResult{}, err
	}

	calendarID, err := r.writeCalendar(ctx)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, err)
	}

	event := &gcal.Event{
		Summary:   ev.Activity,
		Location:  ev.Location,
		Start:     r.eventDateTime(ev.Start),
		End:       r.eventDateTime(ev.End()),
		Attendees: toAttendees(ev.Attendees),
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{appMarkerKey: appMarkerValue},
		},
	}

	var created *gcal.Event
	err = r.call(ctx, func() error {
		var err error
		created, err = r.service.Events.Insert(calendarID, event).
			SendUpdates("all"). // Notify attendees
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, mapGoogleError("Google: failed to insert event", err))
	}
	if created == nil || created.Id == "" {
		return domain.EventResult{}, fmt.Errorf("%w: %w: insert returned no event id", domain.ErrEventCreationFailed, domain.ErrInvalidResponse)
	}

	r.log.Info("created event", slog.String("calendar", calendarID), slog.String("event", created.Id))
	return domain.EventResult{
		ProviderID: remoteID(calendarID, created.Id),
		Link:       created.HtmlLink,
		Backends:   []domain.Source{domain.SourceRemote},
	}, nil
}

func toAttendees(emails []string) []*gcal.EventAttendee {
	if len(emails) == 0 {
		return nil
	}
	out := make([]*gcal.EventAttendee, 0, len(emails))
	for _, email := range emails {
		out = append(out, &gcal.EventAttendee{Email: email})
	}
	return out
}

// UpdateEvent patches an event in the calendar its id names.
func (r *Remote) UpdateEvent(ctx context.Context, providerID string, update domain.EventUpdate) (domain.EventResult, error) {
	if update.IsEmpty() {
		return domain.EventResult{}, fmt.Errorf("%w: nothing to update", domain.ErrEventUpdateFailed)
	}

	calendarID, eventID, err := r.eventCalendar(ctx, providerID)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}

	var existing *gcal.Event
	err = r.call(ctx, func() error {
		var err error
		existing, err = r.service.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapGoogleError("Google: failed to get event", err))
	}
	if existing.Status == statusCancelled {
		return domain.EventResult{}, fmt.Errorf("%w: %w: %s", domain.ErrEventUpdateFailed, domain.ErrEventNotFound, providerID)
	}

	patch, err := r.buildPatch(existing, update)
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}

	var updated *gcal.Event
	err = r.call(ctx, func() error {
		var err error
		updated, err = r.service.Events.Patch(calendarID, eventID, patch).
			SendUpdates("all").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return domain.EventResult{}, fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapGoogleError("Google: failed to update event", err))
	}

	return domain.EventResult{
		ProviderID: remoteID(calendarID, updated.Id),
		Link:       updated.HtmlLink,
		Backends:   []domain.Source{domain.SourceRemote},
	}, nil
}

// buildPatch carries only the changed fields. A moved start keeps the
// existing duration unless a new one is given.
func (r *Remote) buildPatch(existing *gcal.Event, update domain.EventUpdate) (*gcal.Event, error) {
	patch := &gcal.Event{}
	if update.Title != nil {
		patch.Summary = *update.Title
		patch.ForceSendFields = append(patch.ForceSendFields, "Summary")
	}
	if update.Location != nil {
		patch.Location = *update.Location
		patch.ForceSendFields = append(patch.ForceSendFields, "Location")
	}
	if update.Attendees != nil {
		patch.Attendees = toAttendees(update.Attendees)
		patch.ForceSendFields = append(patch.ForceSendFields, "Attendees")
	}

	if update.Start != nil || update.Duration != nil {
		start, _, err := parseEventTime(existing.Start, r.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: existing start: %w", domain.ErrInvalidResponse, err)
		}
		end, _, err := parseEventTime(existing.End, r.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: existing end: %w", domain.ErrInvalidResponse, err)
		}
		duration := end.Sub(start)
		if update.Start != nil {
			start = *update.Start
		}
		if update.Duration != nil {
			duration = *update.Duration
		}
		if duration <= 0 {
			return nil, fmt.Errorf("duration must be positive, got %s", duration)
		}
		patch.Start = r.eventDateTime(start)
		patch.End = r.eventDateTime(start.Add(duration))
	}

	return patch, nil
}

// DeleteEvent removes an event from the calendar its id names and notifies attendees.
func (r *Remote) DeleteEvent(ctx context.Context, providerID string) error {
	calendarID, eventID, err := r.eventCalendar(ctx, providerID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, err)
	}

	err = r.call(ctx, func() error {
		return r.service.Events.Delete(calendarID, eventID).
			SendUpdates("all").
			Context(ctx).
			Do()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventUpdateFailed, mapGoogleError("Google: failed to delete event", err))
	}

	r.log.Info("deleted event", slog.String("calendar", calendarID), slog.String("event", eventID))
	return nil
}

// changeCursor is the decoded sync token: one Google sync token per calendar.
type changeCursor map[string]string

func decodeCursor(token string) (changeCursor, error) {
	cursor := changeCursor{}
	if token == "" {
		return cursor, nil
	}
	if err := json.Unmarshal([]byte(token), &cursor); err != nil {
		return nil, fmt.Errorf("%w: unreadable sync token: %w", domain.ErrSyncTokenExpired, err)
	}
	return cursor, nil
}

func (c changeCursor) encode() string {
	data, _ := json.Marshal(map[string]string(c))
	return string(data)
}

// watchedCalendars returns the calendars Changes follows: every enabled
// calendar, the app calendar and the configured watch calendar.
func (r *Remote) watchedCalendars(ctx context.Context) ([]string, error) {
	entries, err := r.calendarList(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	watchFound := false
	for _, item := range entries {
		isWatch := item.Id == r.cfg.WatchCalendarID ||
			(r.cfg.WatchCalendarID == primaryCalendarID && item.Primary)
		isApp := r.cfg.UseAppCalendar && calendarName(item) == r.cfg.CalendarName
		if isWatch {
			watchFound = true
		}
		if item.Selected || item.Primary || isWatch || isApp {
			ids = append(ids, item.Id)
		}
	}
	if !watchFound && r.cfg.WatchCalendarID != "" {
		ids = append(ids, r.cfg.WatchCalendarID)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Changes lists the events changed in every watched calendar. The token is
// a cursor holding one sync token per calendar. A calendar without one, or
// whose token expired, is scanned for everything updated after since. An
// unreadable token fails with domain.ErrSyncTokenExpired.
func (r *Remote) Changes(ctx context.Context, syncToken string, since time.Time) (ChangeSet, error) {
	cursor, err := decodeCursor(syncToken)
	if err != nil {
		return ChangeSet{}, err
	}
	calendarIDs, err := r.watchedCalendars(ctx)
	if err != nil {
		return ChangeSet{}, err
	}

	var cs ChangeSet
	next := changeCursor{}
	for _, calendarID := range calendarIDs {
		items, token, err := r.calendarChanges(ctx, calendarID, cursor[calendarID], since)
		if errors.Is(err, domain.ErrSyncTokenExpired) {
			r.log.Warn("sync token expired, rescanning calendar", slog.String("calendar", calendarID))
			items, token, err = r.calendarChanges(ctx, calendarID, "", since)
		}
		if err != nil {
			return ChangeSet{}, err
		}
		cs.Items = append(cs.Items, items...)
		next[calendarID] = token
	}
	cs.NextToken = next.encode()
	return cs, nil
}

// calendarChanges follows one calendar's change stream. With no sync token
// it scans everything updated after since, ordered by update time, and the
// last page seeds the next token.
func (r *Remote) calendarChanges(ctx context.Context, calendarID, syncToken string, since time.Time) ([]ChangedItem, string, error) {
	var items []ChangedItem
	var pageToken string

	for {
		var page *gcal.Events
		err := r.call(ctx, func() error {
			req := r.service.Events.List(calendarID).
				ShowDeleted(true).
				MaxResults(r.cfg.MaxResults).
				Context(ctx)
			if syncToken != "" {
				req = req.SyncToken(syncToken)
			} else {
				req = req.UpdatedMin(since.Format(time.RFC3339)).OrderBy("updated")
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			page, err = req.Do()
			return err
		})
		if err != nil {
			if syncToken != "" && isSyncTokenExpired(err) {
				return nil, "", fmt.Errorf("%w: %w", domain.ErrSyncTokenExpired, err)
			}
			return nil, "", mapGoogleError(fmt.Sprintf("Google: failed to list changes in %s", calendarID), err)
		}

		for _, item := range page.Items {
			changed := ChangedItem{
				ID:        domain.EventID(domain.SourceRemote, remoteID(calendarID, item.Id)),
				Cancelled: item.Status == statusCancelled,
				Recurring: len(item.Recurrence) > 0,
			}
			if item.RecurringEventId != "" {
				changed.SeriesID = domain.EventID(domain.SourceRemote, remoteID(calendarID, item.RecurringEventId))
			}
			if start, _, err := parseEventTime(item.Start, r.cfg.Location); err == nil {
				changed.Start = start
			}
			items = append(items, changed)
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			return items, page.NextSyncToken, nil
		}
	}
}

// FreeBusy returns the busy periods of every enabled calendar in [start, end).
func (r *Remote) FreeBusy(ctx context.Context, start, end time.Time) ([]domain.BusyPeriod, error) {
	cals, err := r.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}

	req := &gcal.FreeBusyRequest{
		TimeMin:  start.Format(time.RFC3339),
		TimeMax:  end.Format(time.RFC3339),
		TimeZone: r.timeZone(),
	}
	for _, cal := range cals {
		if cal.Enabled {
			req.Items = append(req.Items, &gcal.FreeBusyRequestItem{Id: cal.ID})
		}
	}
	if len(req.Items) == 0 {
		return []domain.BusyPeriod{}, nil
	}

	var resp *gcal.FreeBusyResponse
	err = r.call(ctx, func() error {
		var err error
		resp, err = r.service.Freebusy.Query(req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, mapGoogleError("Google: failed to query free/busy", err)
	}

	periods := []domain.BusyPeriod{}
	for calendarID, cal := range resp.Calendars {
		for _, e := range cal.Errors {
			r.log.Warn("free/busy unavailable", slog.String("calendar", calendarID), slog.String("reason", e.Reason))
		}
		for _, busy := range cal.Busy {
			bStart, err := time.Parse(time.RFC3339, busy.Start)
			if err != nil {
				return nil, fmt.Errorf("%w: busy start %q: %w", domain.ErrInvalidResponse, busy.Start, err)
			}
			bEnd, err := time.Parse(time.RFC3339, busy.End)
			if err != nil {
				return nil, fmt.Errorf("%w: busy end %q: %w", domain.ErrInvalidResponse, busy.End, err)
			}
			periods = append(periods, domain.BusyPeriod{
				CalendarID: calendarID,
				Start:      bStart.In(r.cfg.Location),
				End:        bEnd.In(r.cfg.Location),
			})
		}
	}

	slices.SortFunc(periods, func(a, b domain.BusyPeriod) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.CalendarID, b.CalendarID)
	})
	return periods, nil
}
