// Package coordinator merges the local and remote calendar backends behind
// one read-through cache and one write policy.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/cache"
	"github.com/beekhof/hangoutcal/internal/calendar"
	"github.com/beekhof/hangoutcal/internal/domain"
)

// Options configures a Coordinator.
type Options struct {
	// Location defines calendar days. Defaults to time.Local.
	Location *time.Location
	// Preference is the write backend. Empty means remote when authorized, else local.
	Preference domain.Source
	// MirrorWrites copies a successful create to the other authorized backend.
	MirrorWrites bool
	// Cache stores merged days. Defaults to a cache with cache.DefaultTTL.
	Cache  *cache.Cache
	Now    func() time.Time
	Logger *slog.Logger
}

// DayEvents is the merged event list for one day.
type DayEvents struct {
	Day       domain.DayRange
	Events    []domain.Event
	FetchedAt time.Time
	// Cached is true when the list came from the cache.
	Cached bool
	// Failures holds the backends whose fetch failed. Their events are missing.
	Failures map[domain.Source]error
}

// Partial reports whether any backend failed to contribute.
func (d DayEvents) Partial() bool {
	return len(d.Failures) > 0
}

// State is the observable authorization and calendar state.
type State struct {
	LocalAuthorized  bool
	RemoteAuthorized bool
	Calendars        []domain.ConnectedCalendar
	// Revision increases with every published state.
	Revision uint64
}

// Interactive is a session that supports an interactive consent flow.
type Interactive interface {
	RequestInteractiveAuthorization(ctx context.Context, presenter auth.Presenter) (string, error)
}

// Coordinator is the single entry point for calendar reads and writes.
type Coordinator struct {
	local  calendar.Backend
	remote calendar.Backend
	cache  *cache.Cache
	loc    *time.Location
	now    func() time.Time
	log    *slog.Logger

	mu         sync.Mutex
	preference domain.Source
	mirror     bool
	state      State
	subs       map[chan State]struct{}
}

// New creates a Coordinator. Either backend may be nil when not configured.
func New(local, remote calendar.Backend, opts Options) *Coordinator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.DefaultTTL, opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		local:      local,
		remote:     remote,
		cache:      opts.Cache,
		loc:        opts.Location,
		now:        opts.Now,
		log:        opts.Logger.With(slog.String("component", "coordinator")),
		preference: opts.Preference,
		mirror:     opts.MirrorWrites,
		subs:       make(map[chan State]struct{}),
	}
}

// backends returns the configured backends, local first.
func (c *Coordinator) backends() []calendar.Backend {
	var out []calendar.Backend
	if c.local != nil {
		out = append(out, c.local)
	}
	if c.remote != nil {
		out = append(out, c.remote)
	}
	return out
}

func (c *Coordinator) backend(src domain.Source) calendar.Backend {
	switch src {
	case domain.SourceLocal:
		return c.local
	case domain.SourceRemote:
		return c.remote
	}
	return nil
}

// ready refreshes the session opportunistically and reports whether it may be used.
func (c *Coordinator) ready(ctx context.Context, b calendar.Backend) bool {
	if err := b.Session().RefreshIfNeeded(ctx); err != nil && !errors.Is(err, domain.ErrUnauthorized) {
		c.log.Warn("session refresh failed", slog.String("backend", string(b.Source())), slog.Any("error", err))
	}
	return b.Session().IsAuthorized()
}

// signedIn reports whether a session holds a grant, even one due for refresh.
func signedIn(s auth.Session) bool {
	switch s.State() {
	case auth.StateAuthorized, auth.StateExpiringSoon, auth.StateRefreshing:
		return true
	}
	return false
}

// usable reports whether a cached entry was built from exactly the backends signed in now.
func (c *Coordinator) usable(e cache.Entry) bool {
	for _, b := range c.backends() {
		if signedIn(b.Session()) != e.Has(b.Source()) {
			return false
		}
	}
	return true
}

// GetEventsForDate returns the merged events of the day containing date.
// A backend that is not authorized is skipped. A backend that fails is
// reported in Failures and the rest of the day is still returned.
func (c *Coordinator) GetEventsForDate(ctx context.Context, date time.Time) (DayEvents, error) {
	day := domain.Day(date, c.loc)
	key := day.Key()

	if entry, ok := c.cache.Get(key); ok && c.usable(entry) {
		return fromEntry(entry), nil
	}

	unlock, err := c.cache.Lock(ctx, key)
	if err != nil {
		return DayEvents{}, err
	}
	defer unlock()

	// Another caller may have filled the day while we waited.
	if entry, ok := c.cache.Get(key); ok && c.usable(entry) {
		return fromEntry(entry), nil
	}

	tok := c.cache.Token(key)
	result, sources := c.fetch(ctx, day)
	if err := ctx.Err(); err != nil {
		return DayEvents{}, err
	}

	if !result.Partial() {
		c.cache.PutIfCurrent(key, cache.Entry{
			Day:       day,
			Events:    result.Events,
			FetchedAt: result.FetchedAt,
			Sources:   sources,
		}, tok)
	}
	return result, nil
}

func fromEntry(e cache.Entry) DayEvents {
	return DayEvents{Day: e.Day, Events: e.Events, FetchedAt: e.FetchedAt, Cached: true}
}

type fetchResult struct {
	source domain.Source
	events []domain.Event
	err    error
}

// fetch queries every authorized backend concurrently and merges the results.
func (c *Coordinator) fetch(ctx context.Context, day domain.DayRange) (DayEvents, []domain.Source) {
	var participants []calendar.Backend
	for _, b := range c.backends() {
		if c.ready(ctx, b) {
			participants = append(participants, b)
		} else {
			c.log.Debug("skipping unauthorized backend", slog.String("backend", string(b.Source())))
		}
	}

	results := make([]fetchResult, len(participants))
	var wg sync.WaitGroup
	for i, b := range participants {
		wg.Add(1)
		go func(i int, b calendar.Backend) {
			defer wg.Done()
			events, err := b.FetchEvents(ctx, day)
			results[i] = fetchResult{source: b.Source(), events: events, err: err}
		}(i, b)
	}
	wg.Wait()

	out := DayEvents{Day: day, Events: []domain.Event{}, FetchedAt: c.now()}
	var sources []domain.Source
	for _, r := range results {
		if r.err != nil {
			c.log.Warn("backend fetch failed",
				slog.String("backend", string(r.source)),
				slog.String("day", day.Key()),
				slog.Any("error", r.err))
			if out.Failures == nil {
				out.Failures = make(map[domain.Source]error)
			}
			out.Failures[r.source] = r.err
			continue
		}
		out.Events = append(out.Events, r.events...)
		sources = append(sources, r.source)
	}
	slices.SortStableFunc(out.Events, domain.CompareEvents)

	c.log.Debug("fetched day",
		slog.String("day", day.Key()),
		slog.Int("events", len(out.Events)),
		slog.Int("failures", len(out.Failures)))
	return out, sources
}

// selectWriter applies the write policy. A preference naming a backend
// that is not authorized fails rather than switching backends.
func (c *Coordinator) selectWriter(ctx context.Context) (calendar.Backend, error) {
	pref := c.Preference()
	if pref != "" {
		b := c.backend(pref)
		if b == nil {
			return nil, fmt.Errorf("%w: %w: %s", domain.ErrUnauthorized, domain.ErrNoBackend, pref)
		}
		if !c.ready(ctx, b) {
			return nil, fmt.Errorf("%w: preferred backend %s", domain.ErrUnauthorized, pref)
		}
		return b, nil
	}

	if c.remote != nil && c.ready(ctx, c.remote) {
		return c.remote, nil
	}
	if c.local != nil && c.ready(ctx, c.local) {
		return c.local, nil
	}
	return nil, fmt.Errorf("%w: no backend is authorized", domain.ErrUnauthorized)
}

func (c *Coordinator) other(b calendar.Backend) calendar.Backend {
	if b.Source() == domain.SourceLocal {
		return c.remote
	}
	return c.local
}

// CreateHangoutEvent writes a new hangout with the write policy and drops
// the cached days it touches.
func (c *Coordinator) CreateHangoutEvent(ctx context.Context, ev domain.NewEvent) (domain.EventResult, error) {
	if err := ev.Validate(); err != nil {
		return domain.EventResult{}, err
	}

	primary, err := c.selectWriter(ctx)
	if err != nil {
		return domain.EventResult{}, err
	}

	res, err := primary.CreateEvent(ctx, ev)
	if err != nil {
		c.log.Error("create failed", slog.String("backend", string(primary.Source())), slog.Any("error", err))
		if !errors.Is(err, domain.ErrEventCreationFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrEventCreationFailed, err)
		}
		return domain.EventResult{}, err
	}

	if c.MirrorWrites() {
		if mirror := c.other(primary); mirror != nil && c.ready(ctx, mirror) {
			if mres, err := mirror.CreateEvent(ctx, ev); err != nil {
				// The primary write stands.
				c.log.Warn("mirror write failed", slog.String("backend", string(mirror.Source())), slog.Any("error", err))
				res.MirrorErr = err
			} else {
				res.Backends = append(res.Backends, mres.Backends...)
			}
		}
	}

	for _, day := range domain.DaysSpanning(ev.Start, ev.End(), c.loc) {
		c.cache.Invalidate(day.Key())
	}

	c.log.Info("created hangout",
		slog.String("backend", string(primary.Source())),
		slog.String("event", res.ProviderID),
		slog.Time("start", ev.Start))
	return res, nil
}

// UpdateHangoutEvent changes an event by its composite id.
func (c *Coordinator) UpdateHangoutEvent(ctx context.Context, eventID string, update domain.EventUpdate) (domain.EventResult, error) {
	b, providerID, err := c.target(ctx, eventID)
	if err != nil {
		return domain.EventResult{}, err
	}
	res, err := b.UpdateEvent(ctx, providerID, update)
	if err != nil {
		return domain.EventResult{}, err
	}
	// The event may have moved to a day we cannot derive from here.
	c.cache.InvalidateAll()
	return res, nil
}

// DeleteHangoutEvent removes an event by its composite id.
func (c *Coordinator) DeleteHangoutEvent(ctx context.Context, eventID string) error {
	b, providerID, err := c.target(ctx, eventID)
	if err != nil {
		return err
	}
	if err := b.DeleteEvent(ctx, providerID); err != nil {
		return err
	}
	days := c.cache.KeysContaining([]string{eventID})
	if len(days) == 0 {
		// The event's day is unknown, so no cached day can be trusted.
		c.cache.InvalidateAll()
		return nil
	}
	for _, key := range days {
		c.cache.Invalidate(key)
	}
	return nil
}

func (c *Coordinator) target(ctx context.Context, eventID string) (calendar.Backend, string, error) {
	src, providerID, err := domain.ParseEventID(eventID)
	if err != nil {
		return nil, "", err
	}
	b := c.backend(src)
	if b == nil {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrNoBackend, src)
	}
	if !c.ready(ctx, b) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrUnauthorized, src)
	}
	return b, providerID, nil
}

// FreeBusy returns the remote busy periods in [start, end).
func (c *Coordinator) FreeBusy(ctx context.Context, start, end time.Time) ([]domain.BusyPeriod, error) {
	if c.remote == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoBackend, domain.SourceRemote)
	}
	fb, ok := c.remote.(calendar.FreeBusySource)
	if !ok {
		return nil, fmt.Errorf("%w: free/busy not supported", domain.ErrNoBackend)
	}
	if !c.ready(ctx, c.remote) {
		return nil, domain.ErrUnauthorized
	}
	return fb.FreeBusy(ctx, start, end)
}

// OnChanges drops the cached days touched by a change set: the day each
// changed event now starts on, and any cached day already holding it or an
// occurrence of it. Each day is dropped at most once. A changed recurring
// series may move occurrences onto any day, so it clears the whole cache.
func (c *Coordinator) OnChanges(_ context.Context, cs calendar.ChangeSet) {
	for _, item := range cs.Items {
		if item.Recurring {
			c.cache.InvalidateAll()
			c.log.Info("recurring series changed, cache cleared",
				slog.Int("items", len(cs.Items)), slog.String("series", item.ID))
			return
		}
	}

	keys := make(map[string]struct{})
	ids := make([]string, 0, len(cs.Items))
	for _, item := range cs.Items {
		ids = append(ids, item.ID)
		if !item.Start.IsZero() {
			keys[domain.Day(item.Start, c.loc).Key()] = struct{}{}
		}
	}
	for _, key := range c.cache.KeysContaining(ids) {
		keys[key] = struct{}{}
	}

	for key := range keys {
		c.cache.Invalidate(key)
	}
	c.log.Info("remote changes received", slog.Int("items", len(cs.Items)), slog.Int("days_invalidated", len(keys)))
}

// ClearCache drops every merged day.
func (c *Coordinator) ClearCache() {
	c.cache.InvalidateAll()
}

// RefreshAuthorizationStatus re-runs silent authorization on both backends,
// reloads the connected calendars and publishes the result. The cache is
// dropped when any backend's authorization changed.
func (c *Coordinator) RefreshAuthorizationStatus(ctx context.Context) (State, error) {
	var errs []error
	for _, b := range c.backends() {
		if _, err := b.Session().Authorize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Source(), err))
		}
	}
	return c.publishCurrent(ctx), errors.Join(errs...)
}

// SignIn authorizes a backend interactively. The local backend asks for
// permission once; the remote backend runs the consent flow through presenter.
// It returns the signed-in account, when the backend has one.
func (c *Coordinator) SignIn(ctx context.Context, src domain.Source, presenter auth.Presenter) (string, error) {
	b := c.backend(src)
	if b == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrNoBackend, src)
	}

	var account string
	if interactive, ok := b.Session().(Interactive); ok {
		var err error
		account, err = interactive.RequestInteractiveAuthorization(ctx, presenter)
		if err != nil {
			return "", err
		}
	} else {
		granted, err := b.Session().Authorize(ctx)
		if err != nil {
			return "", err
		}
		if !granted {
			return "", fmt.Errorf("%w: %s access not granted", domain.ErrAuthDenied, src)
		}
	}

	c.cache.InvalidateAll()
	c.publishCurrent(ctx)
	return account, nil
}

// SignOut signs one backend out and drops every merged day, since they
// may hold that backend's events. The other backend is untouched.
func (c *Coordinator) SignOut(ctx context.Context, src domain.Source) error {
	b := c.backend(src)
	if b == nil {
		return fmt.Errorf("%w: %s", domain.ErrNoBackend, src)
	}
	err := b.Session().SignOut(ctx)
	c.cache.InvalidateAll()
	c.publishCurrent(ctx)
	if err != nil {
		return fmt.Errorf("failed to sign out of %s: %w", src, err)
	}
	return nil
}

// publishCurrent snapshots session state and calendars, drops the cache
// when authorization changed, and notifies subscribers.
func (c *Coordinator) publishCurrent(ctx context.Context) State {
	next := State{}
	for _, b := range c.backends() {
		authorized := signedIn(b.Session())
		switch b.Source() {
		case domain.SourceLocal:
			next.LocalAuthorized = authorized
		case domain.SourceRemote:
			next.RemoteAuthorized = authorized
		}
		if !authorized {
			continue
		}
		cals, err := b.ListCalendars(ctx)
		if err != nil {
			c.log.Warn("failed to list calendars", slog.String("backend", string(b.Source())), slog.Any("error", err))
			continue
		}
		next.Calendars = append(next.Calendars, cals...)
	}

	c.mu.Lock()
	changed := next.LocalAuthorized != c.state.LocalAuthorized || next.RemoteAuthorized != c.state.RemoteAuthorized
	next.Revision = c.state.Revision + 1
	c.state = next
	for ch := range c.subs {
		offer(ch, next)
	}
	c.mu.Unlock()

	if changed {
		c.cache.InvalidateAll()
		c.log.Info("authorization changed",
			slog.Bool("local", next.LocalAuthorized),
			slog.Bool("remote", next.RemoteAuthorized))
	}
	return next
}

// offer delivers s, replacing an undelivered older state.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel of State snapshots, starting with the current one.
// Slow readers see only the latest state. Call cancel to stop delivery.
func (c *Coordinator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}

// State returns the last published state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectedCalendars returns the calendars from the last published state.
func (c *Coordinator) ConnectedCalendars() []domain.ConnectedCalendar {
	return c.State().Calendars
}

// Preference returns the write backend preference. Empty means auto.
func (c *Coordinator) Preference() domain.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preference
}

// SetPreference changes the write backend preference.
func (c *Coordinator) SetPreference(src domain.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preference = src
}

// MirrorWrites reports whether creates are mirrored to the other backend.
func (c *Coordinator) MirrorWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// SetMirrorWrites turns create mirroring on or off.
func (c *Coordinator) SetMirrorWrites(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = on
}
