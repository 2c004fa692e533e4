// Package devicestore is the on-device calendar database: a directory of
// calendar collections, each holding one iCalendar file per event.
//
// Layout:
//
//	<root>/<calendar-id>/collection.json   display name
//	<root>/<calendar-id>/<uid>.ics         one VEVENT
//	<root>/.denied                         access refused by the user
package devicestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/beekhof/hangoutcal/internal/auth"
)

// ErrNotFound is returned when no event has the requested UID.
var ErrNotFound = errors.New("devicestore: event not found")

const (
	collectionFile = "collection.json"
	deniedMarker   = ".denied"
)

// Calendar is a calendar collection in the store.
type Calendar struct {
	ID   string
	Name string
}

// Entry is a stored event, or one occurrence of a recurring event.
type Entry struct {
	UID            string
	CalendarID     string
	Summary        string
	Location       string
	Notes          string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Attendees      []string
	RecurrenceRule string
	ExDates        []time.Time
	AppCreated     bool
	// RecurrenceID is the original start of an expanded occurrence, zero
	// for single events and stored masters.
	RecurrenceID time.Time
}

// Options configures a Store.
type Options struct {
	// DefaultCalendar is the display name of the calendar new events go to.
	DefaultCalendar string
	// Location resolves floating and all-day times. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Store is a file-backed calendar database.
// It implements auth.PermissionRequester.
type Store struct {
	root            string
	defaultCalendar string
	loc             *time.Location
	now             func() time.Time
	log             *slog.Logger

	mu sync.RWMutex
}

var _ auth.PermissionRequester = (*Store)(nil)

// Open returns a Store rooted at dir. Nothing is created until access is granted.
func Open(dir string, opts Options) *Store {
	if opts.DefaultCalendar == "" {
		opts.DefaultCalendar = "Calendar"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		root:            dir,
		defaultCalendar: opts.DefaultCalendar,
		loc:             opts.Location,
		now:             opts.Now,
		log:             opts.Logger.With(slog.String("component", "devicestore")),
	}
}

// AccessStatus reports the current permission decision without prompting.
func (s *Store) AccessStatus(ctx context.Context) (auth.Access, error) {
	if err := ctx.Err(); err != nil {
		return auth.AccessNotDetermined, err
	}
	if _, err := os.Stat(filepath.Join(s.root, deniedMarker)); err == nil {
		return auth.AccessDenied, nil
	}
	info, err := os.Stat(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return auth.AccessNotDetermined, nil
	}
	if err != nil {
		return auth.AccessNotDetermined, fmt.Errorf("failed to stat store: %w", err)
	}
	if !info.IsDir() {
		return auth.AccessDenied, nil
	}
	return auth.AccessGranted, nil
}

// RequestAccess creates the store and reports whether it is usable.
// A store the user refused stays refused.
func (s *Store) RequestAccess(ctx context.Context) (bool, error) {
	status, err := s.AccessStatus(ctx)
	if err != nil {
		return false, err
	}
	switch status {
	case auth.AccessDenied:
		return false, nil
	case auth.AccessGranted:
		return true, nil
	}
	if err := os.MkdirAll(s.root, 0700); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create store: %w", err)
	}
	s.log.Info("device calendar store created", slog.String("path", s.root))
	return true, nil
}

// Revoke records that the user refused access.
func (s *Store) Revoke() error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	return os.WriteFile(filepath.Join(s.root, deniedMarker), nil, 0600)
}

// Calendars lists the calendar collections, sorted by name.
func (s *Store) Calendars(ctx context.Context) ([]Calendar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calendarsLocked()
}

func (s *Store) calendarsLocked() ([]Calendar, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	var cals []Calendar
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		cal, err := s.readCollection(entry.Name())
		if err != nil {
			s.log.Warn("skipping unreadable calendar", slog.String("calendar", entry.Name()), slog.Any("error", err))
			continue
		}
		cals = append(cals, cal)
	}
	slices.SortFunc(cals, func(a, b Calendar) int { return strings.Compare(a.Name, b.Name) })
	return cals, nil
}

type collectionMeta struct {
	DisplayName string `json:"displayname"`
}

func (s *Store) readCollection(id string) (Calendar, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, collectionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Calendar{ID: id, Name: id}, nil
	}
	if err != nil {
		return Calendar{}, err
	}
	var meta collectionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Calendar{}, fmt.Errorf("failed to parse %s: %w", collectionFile, err)
	}
	if meta.DisplayName == "" {
		meta.DisplayName = id
	}
	return Calendar{ID: id, Name: meta.DisplayName}, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// FindOrCreateCalendar returns the calendar with the given display name,
// creating it if needed.
func (s *Store) FindOrCreateCalendar(ctx context.Context, name string) (Calendar, error) {
	if err := ctx.Err(); err != nil {
		return Calendar{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cals, err := s.calendarsLocked()
	if err != nil {
		return Calendar{}, err
	}
	for _, cal := range cals {
		if cal.Name == name {
			return cal, nil
		}
	}

	id := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := os.Stat(filepath.Join(s.root, id)); err == nil {
		id = id + "-" + uuid.NewString()[:8]
	}
	if err := os.MkdirAll(filepath.Join(s.root, id), 0700); err != nil {
		return Calendar{}, fmt.Errorf("failed to create calendar: %w", err)
	}
	data, err := json.Marshal(collectionMeta{DisplayName: name})
	if err != nil {
		return Calendar{}, err
	}
	if err := writeFileAtomic(filepath.Join(s.root, id, collectionFile), data); err != nil {
		return Calendar{}, fmt.Errorf("failed to create calendar: %w", err)
	}
	s.log.Info("created calendar", slog.String("calendar", id), slog.String("name", name))
	return Calendar{ID: id, Name: name}, nil
}

// DefaultCalendar returns the calendar new events are saved to.
func (s *Store) DefaultCalendar(ctx context.Context) (Calendar, error) {
	return s.FindOrCreateCalendar(ctx, s.defaultCalendar)
}

// Events returns the occurrences overlapping [start, end) in the given
// calendars, with recurring events expanded. No IDs means every calendar.
func (s *Store) Events(ctx context.Context, calendarIDs []string, start, end time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(calendarIDs) == 0 {
		cals, err := s.calendarsLocked()
		if err != nil {
			return nil, err
		}
		for _, cal := range cals {
			calendarIDs = append(calendarIDs, cal.ID)
		}
	}

	var out []Entry
	for _, calID := range calendarIDs {
		entries, err := s.readCalendar(calID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			occ, err := expand(e, start, end)
			if err != nil {
				s.log.Warn("skipping event", slog.String("uid", e.UID), slog.Any("error", err))
				continue
			}
			out = append(out, occ...)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (s *Store) readCalendar(calID string) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(s.root, calID, "*.ics"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(files))
	for _, path := range files {
		e, err := s.readEntry(calID, path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Warn("skipping unreadable event", slog.String("path", path), slog.Any("error", err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) readEntry(calID, path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	cal, err := ical.NewDecoder(f).Decode()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse iCalendar: %w", err)
	}
	return icalToEntry(cal, calID, s.loc)
}

// Get returns the stored event with the given UID.
func (s *Store) Get(ctx context.Context, uid string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, calID, err := s.locate(uid)
	if err != nil {
		return Entry{}, err
	}
	return s.readEntry(calID, path)
}

// locate finds the file holding uid.
func (s *Store) locate(uid string) (path, calID string, err error) {
	if uid == "" || strings.ContainsAny(uid, `/\`) {
		return "", "", ErrNotFound
	}
	cals, err := s.calendarsLocked()
	if err != nil {
		return "", "", err
	}
	for _, cal := range cals {
		p := filepath.Join(s.root, cal.ID, uid+".ics")
		if _, err := os.Stat(p); err == nil {
			return p, cal.ID, nil
		}
	}
	return "", "", ErrNotFound
}

// Save writes e to its calendar, assigning a UID to new events.
// An existing event with the same UID is replaced.
func (s *Store) Save(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if e.CalendarID == "" {
		return Entry{}, errors.New("event has no calendar")
	}
	if e.End.Before(e.Start) {
		return Entry{}, errors.New("event ends before it starts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.root, e.CalendarID)); err != nil {
		return Entry{}, fmt.Errorf("unknown calendar %q: %w", e.CalendarID, err)
	}
	if e.UID == "" {
		e.UID = uuid.NewString()
	} else if oldPath, oldCal, err := s.locate(e.UID); err == nil && oldCal != e.CalendarID {
		// Moving between calendars.
		if err := os.Remove(oldPath); err != nil {
			return Entry{}, fmt.Errorf("failed to move event: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(entryToICal(e, s.now())); err != nil {
		return Entry{}, fmt.Errorf("failed to encode iCalendar: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.root, e.CalendarID, e.UID+".ics"), buf.Bytes()); err != nil {
		return Entry{}, fmt.Errorf("failed to save event: %w", err)
	}
	s.log.Debug("saved event", slog.String("uid", e.UID), slog.String("calendar", e.CalendarID))
	return e, nil
}

// Remove deletes the event with the given UID.
func (s *Store) Remove(ctx context.Context, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, _, err := s.locate(uid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove event: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
