package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/calendar"
	"github.com/beekhof/hangoutcal/internal/domain"
)

// fakeSession is a Session with a switchable grant.
type fakeSession struct {
	mu         sync.Mutex
	authorized bool
	// restorable is what Authorize finds.
	restorable bool
	account    string
	signInErr  error
	signOuts   int
}

func (s *fakeSession) Authorize(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restorable {
		s.authorized = true
	}
	return s.authorized, nil
}

func (s *fakeSession) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

func (s *fakeSession) RefreshIfNeeded(_ context.Context) error {
	if !s.IsAuthorized() {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *fakeSession) SignOut(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = false
	s.restorable = false
	s.signOuts++
	return nil
}

func (s *fakeSession) State() auth.State {
	if s.IsAuthorized() {
		return auth.StateAuthorized
	}
	return auth.StateUnauthenticated
}

func (s *fakeSession) set(authorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = authorized
}

// interactiveSession adds the consent flow to fakeSession.
type interactiveSession struct {
	fakeSession
}

func (s *interactiveSession) RequestInteractiveAuthorization(_ context.Context, _ auth.Presenter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signInErr != nil {
		return "", s.signInErr
	}
	s.authorized = true
	s.restorable = true
	return s.account, nil
}

// fakeBackend records calls and serves canned events by day key.
type fakeBackend struct {
	source  domain.Source
	session auth.Session

	mu        sync.Mutex
	events    map[string][]domain.Event
	calendars []domain.ConnectedCalendar
	fetchErr  error
	createErr error
	updateErr error
	fetches   int
	creates   []domain.NewEvent
	updates   []string
	deletes   []string
	busy      []domain.BusyPeriod
	// gate, when set, blocks FetchEvents until closed.
	gate chan struct{}
}

var (
	_ calendar.Backend        = (*fakeBackend)(nil)
	_ calendar.FreeBusySource = (*fakeBackend)(nil)
)

func newFakeBackend(src domain.Source, session auth.Session) *fakeBackend {
	return &fakeBackend{source: src, session: session, events: map[string][]domain.Event{}}
}

func (f *fakeBackend) Source() domain.Source { return f.source }

func (f *fakeBackend) Session() auth.Session { return f.session }

func (f *fakeBackend) ListCalendars(_ context.Context) ([]domain.ConnectedCalendar, error) {
	if !f.session.IsAuthorized() {
		return nil, domain.ErrUnauthorized
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConnectedCalendar(nil), f.calendars...), nil
}

func (f *fakeBackend) FetchEvents(_ context.Context, day domain.DayRange) ([]domain.Event, error) {
	f.mu.Lock()
	gate := f.gate
	f.fetches++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]domain.Event{}, f.events[day.Key()]...), nil
}

func (f *fakeBackend) CreateEvent(_ context.Context, ev domain.NewEvent) (domain.EventResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.EventResult{}, f.createErr
	}
	f.creates = append(f.creates, ev)
	return domain.EventResult{
		ProviderID: string(f.source) + "-created",
		Backends:   []domain.Source{f.source},
	}, nil
}

func (f *fakeBackend) UpdateEvent(_ context.Context, providerID string, _ domain.EventUpdate) (domain.EventResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.EventResult{}, f.updateErr
	}
	f.updates = append(f.updates, providerID)
	return domain.EventResult{ProviderID: providerID, Backends: []domain.Source{f.source}}, nil
}

func (f *fakeBackend) DeleteEvent(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.deletes = append(f.deletes, providerID)
	return nil
}

func (f *fakeBackend) FreeBusy(_ context.Context, _, _ time.Time) ([]domain.BusyPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy, nil
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.updates) + len(f.deletes)
}

func (f *fakeBackend) addEvent(title string, start time.Time, d time.Duration) domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := title
	ev := domain.Event{
		ID:         domain.EventID(f.source, id),
		ProviderID: id,
		Title:      title,
		Start:      start,
		End:        start.Add(d),
		Source:     f.source,
	}
	key := domain.Day(start, start.Location()).Key()
	f.events[key] = append(f.events[key], ev)
	return ev
}

func (f *fakeBackend) setSeries(eventID, seriesID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, evs := range f.events {
		for i := range evs {
			if evs[i].ID == eventID {
				f.events[key][i].SeriesID = seriesID
			}
		}
	}
}
