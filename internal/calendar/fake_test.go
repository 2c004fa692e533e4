package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/domain"
)

// fakeSession is a TokenSession with a switchable authorization state.
type fakeSession struct {
	mu         sync.Mutex
	authorized bool
	refreshes  int
	generation uint64
}

func (f *fakeSession) Authorize(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeSession) IsAuthorized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized
}

func (f *fakeSession) RefreshIfNeeded(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if !f.authorized {
		return domain.ErrUnauthorized
	}
	return nil
}

func (f *fakeSession) SignOut(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = false
	return nil
}

func (f *fakeSession) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// switchAccount simulates signing in again, possibly as someone else.
func (f *fakeSession) switchAccount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
}

func (f *fakeSession) State() auth.State {
	if f.IsAuthorized() {
		return auth.StateAuthorized
	}
	return auth.StateUnauthenticated
}

func (f *fakeSession) Token() (*oauth2.Token, error) {
	if !f.IsAuthorized() {
		return nil, domain.ErrUnauthorized
	}
	return &oauth2.Token{AccessToken: "test-access-token", TokenType: "Bearer"}, nil
}

// recordedRequest is what the fake server saw.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
}

// fakeGoogle serves the subset of the Calendar API v3 the Remote backend uses.
type fakeGoogle struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	calendars       []*gcal.CalendarListEntry
	events          map[string][]*gcal.Event
	pageSize        int
	nextSyncToken   string
	syncTokens      map[string]string
	expiredToken    string
	busy            map[string][]*gcal.TimePeriod
	requests        []recordedRequest
	insertedEvents  []*gcal.Event
	insertedQueries []url.Values
	patches         []*gcal.Event
	calendarInserts int
	colorPatches    []string
	fail            func(r *http.Request) (code int, header http.Header)
	nextID          int
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{t: t, events: map[string][]*gcal.Event{}, busy: map[string][]*gcal.TimePeriod{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/me/calendarList", f.listCalendars)
	mux.HandleFunc("PATCH /users/me/calendarList/{cal}", f.patchCalendarListEntry)
	mux.HandleFunc("POST /calendars", f.insertCalendar)
	mux.HandleFunc("GET /calendars/{cal}/events", f.listEvents)
	mux.HandleFunc("POST /calendars/{cal}/events", f.insertEvent)
	mux.HandleFunc("GET /calendars/{cal}/events/{id}", f.getEvent)
	mux.HandleFunc("PATCH /calendars/{cal}/events/{id}", f.patchEvent)
	mux.HandleFunc("DELETE /calendars/{cal}/events/{id}", f.deleteEvent)
	mux.HandleFunc("POST /freeBusy", f.freeBusy)

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Auth:   r.Header.Get("Authorization"),
		})
		fail := f.fail
		f.mu.Unlock()

		if fail != nil {
			if code, header := fail(r); code != 0 {
				for k, v := range header {
					w.Header()[k] = v
				}
				writeAPIError(w, code)
				return
			}
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) remote(t *testing.T, session auth.TokenSession, cfg RemoteConfig) *Remote {
	t.Helper()
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000}
	}
	r, err := NewRemote(context.Background(), session, cfg, option.WithEndpoint(f.srv.URL+"/"))
	require.NoError(t, err)
	return r
}

func (f *fakeGoogle) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGoogle) requestsTo(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":"testFailure","message":%q}]}}`,
		code, http.StatusText(code), http.StatusText(code))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGoogle) listCalendars(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, &gcal.CalendarList{Items: f.calendars})
}

func (f *fakeGoogle) patchCalendarListEntry(w http.ResponseWriter, r *http.Request) {
	var entry gcal.CalendarListEntry
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&entry))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colorPatches = append(f.colorPatches, entry.ColorId)
	entry.Id = r.PathValue("cal")
	writeJSON(w, &entry)
}

func (f *fakeGoogle) insertCalendar(w http.ResponseWriter, r *http.Request) {
	var cal gcal.Calendar
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&cal))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendarInserts++
	cal.Id = fmt.Sprintf("created-%d", f.calendarInserts)
	f.calendars = append(f.calendars, &gcal.CalendarListEntry{Id: cal.Id, Summary: cal.Summary, Selected: true})
	writeJSON(w, &cal)
}

func (f *fakeGoogle) listEvents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	if tok := q.Get("syncToken"); tok != "" && tok == f.expiredToken {
		writeAPIError(w, http.StatusGone)
		return
	}

	cal := r.PathValue("cal")
	items := f.events[cal]
	offset := 0
	if pt := q.Get("pageToken"); pt != "" {
		_, err := fmt.Sscanf(pt, "page-%d", &offset)
		require.NoError(f.t, err)
	}
	end := len(items)
	if f.pageSize > 0 && offset+f.pageSize < end {
		end = offset + f.pageSize
	}

	resp := &gcal.Events{Items: items[offset:end]}
	if end < len(items) {
		resp.NextPageToken = fmt.Sprintf("page-%d", end)
	} else {
		resp.NextSyncToken = f.nextSyncToken
		if tok, ok := f.syncTokens[cal]; ok {
			resp.NextSyncToken = tok
		}
	}
	writeJSON(w, resp)
}

func (f *fakeGoogle) insertEvent(w http.ResponseWriter, r *http.Request) {
	var ev gcal.Event
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&ev))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ev.Id = fmt.Sprintf("evt%d", f.nextID)
	ev.HtmlLink = "https://calendar.example.com/event?eid=" + ev.Id
	cal := r.PathValue("cal")
	f.events[cal] = append(f.events[cal], &ev)
	f.insertedEvents = append(f.insertedEvents, &ev)
	f.insertedQueries = append(f.insertedQueries, r.URL.Query())
	writeJSON(w, &ev)
}

func (f *fakeGoogle) findEvent(cal, id string) *gcal.Event {
	for _, ev := range f.events[cal] {
		if ev.Id == id {
			return ev
		}
	}
	return nil
}

func (f *fakeGoogle) getEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.findEvent(r.PathValue("cal"), r.PathValue("id"))
	if ev == nil {
		writeAPIError(w, http.StatusNotFound)
		return
	}
	writeJSON(w, ev)
}

func (f *fakeGoogle) patchEvent(w http.ResponseWriter, r *http.Request) {
	var patch gcal.Event
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&patch))
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.findEvent(r.PathValue("cal"), r.PathValue("id"))
	if ev == nil {
		writeAPIError(w, http.StatusNotFound)
		return
	}
	f.patches = append(f.patches, &patch)
	if patch.Summary != "" {
		ev.Summary = patch.Summary
	}
	if patch.Start != nil {
		ev.Start = patch.Start
	}
	if patch.End != nil {
		ev.End = patch.End
	}
	writeJSON(w, ev)
}

func (f *fakeGoogle) deleteEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cal := r.PathValue("cal")
	for i, ev := range f.events[cal] {
		if ev.Id == r.PathValue("id") {
			f.events[cal] = append(f.events[cal][:i], f.events[cal][i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeAPIError(w, http.StatusNotFound)
}

func (f *fakeGoogle) freeBusy(w http.ResponseWriter, r *http.Request) {
	var req gcal.FreeBusyRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &gcal.FreeBusyResponse{Calendars: map[string]gcal.FreeBusyCalendar{}}
	for _, item := range req.Items {
		resp.Calendars[item.Id] = gcal.FreeBusyCalendar{Busy: f.busy[item.Id]}
	}
	writeJSON(w, resp)
}
