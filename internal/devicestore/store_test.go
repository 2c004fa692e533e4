package devicestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/hangoutcal/internal/auth"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "calendars"), Options{
		DefaultCalendar: "Hangouts",
		Location:        time.UTC,
		Now:             func() time.Time { return testNow },
	})
	granted, err := s.RequestAccess(context.Background())
	require.NoError(t, err)
	require.True(t, granted)
	return s
}

func TestStore_AccessLifecycle(t *testing.T) {
	ctx := context.Background()
	s := Open(filepath.Join(t.TempDir(), "calendars"), Options{})

	status, err := s.AccessStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.AccessNotDetermined, status)

	granted, err := s.RequestAccess(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	status, err = s.AccessStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.AccessGranted, status)

	require.NoError(t, s.Revoke())

	status, err = s.AccessStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.AccessDenied, status)

	granted, err = s.RequestAccess(ctx)
	require.NoError(t, err)
	assert.False(t, granted, "a refusal is never re-prompted")
}

func TestStore_FindOrCreateCalendar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cal, err := s.FindOrCreateCalendar(ctx, "Team Hangouts")
	require.NoError(t, err)
	assert.Equal(t, "team-hangouts", cal.ID)
	assert.Equal(t, "Team Hangouts", cal.Name)

	again, err := s.FindOrCreateCalendar(ctx, "Team Hangouts")
	require.NoError(t, err)
	assert.Equal(t, cal, again)

	def, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hangouts", def.Name)

	cals, err := s.Calendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.Equal(t, "Hangouts", cals[0].Name)
	assert.Equal(t, "Team Hangouts", cals[1].Name)
}

func TestStore_SaveGetRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cal, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)

	start := time.Date(2026, 3, 12, 18, 0, 0, 0, time.UTC)
	saved, err := s.Save(ctx, Entry{
		CalendarID: cal.ID,
		Summary:    "Climbing",
		Location:   "The Wall; Bay 3",
		Start:      start,
		End:        start.Add(2 * time.Hour),
		Attendees:  []string{"a@example.com", "b@example.com"},
		AppCreated: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.UID)

	got, err := s.Get(ctx, saved.UID)
	require.NoError(t, err)
	assert.Equal(t, "Climbing", got.Summary)
	assert.Equal(t, "The Wall; Bay 3", got.Location)
	assert.True(t, start.Equal(got.Start))
	assert.True(t, start.Add(2*time.Hour).Equal(got.End))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.Attendees)
	assert.True(t, got.AppCreated)
	assert.Equal(t, cal.ID, got.CalendarID)

	got.Summary = "Bouldering"
	_, err = s.Save(ctx, got)
	require.NoError(t, err)
	updated, err := s.Get(ctx, saved.UID)
	require.NoError(t, err)
	assert.Equal(t, "Bouldering", updated.Summary)

	require.NoError(t, s.Remove(ctx, saved.UID))
	_, err = s.Get(ctx, saved.UID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Remove(ctx, saved.UID), ErrNotFound))
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cal, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, Entry{CalendarID: cal.ID, UID: "same", Summary: "x", Start: testNow, End: testNow.Add(time.Hour)})
		require.NoError(t, err)
	}

	files, err := os.ReadDir(filepath.Join(s.root, cal.ID))
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasPrefix(f.Name(), ".tmp-"), f.Name())
	}
	assert.Len(t, files, 2, "collection.json and same.ics")
}

func TestStore_EventsFiltersByRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cal, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)

	day := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	for _, e := range []Entry{
		{Summary: "late", Start: day.Add(20 * time.Hour), End: day.Add(21 * time.Hour)},
		{Summary: "early", Start: day.Add(8 * time.Hour), End: day.Add(9 * time.Hour)},
		{Summary: "overnight", Start: day.Add(-2 * time.Hour), End: day.Add(1 * time.Hour)},
		{Summary: "tomorrow", Start: day.Add(25 * time.Hour), End: day.Add(26 * time.Hour)},
		{Summary: "all day", Start: day, End: day.AddDate(0, 0, 1), AllDay: true},
	} {
		e.CalendarID = cal.ID
		_, err := s.Save(ctx, e)
		require.NoError(t, err)
	}

	got, err := s.Events(ctx, nil, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	var titles []string
	for _, e := range got {
		titles = append(titles, e.Summary)
	}
	assert.Equal(t, []string{"overnight", "all day", "early", "late"}, titles)
	for _, e := range got {
		if e.Summary == "all day" {
			assert.True(t, e.AllDay)
		}
	}
}

func TestStore_EventsExpandsRecurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cal, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)

	first := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	path := filepath.Join(s.root, cal.ID, "standup.ics")
	writeICS(t, path, "standup", first, "FREQ=DAILY;COUNT=5", "20260311T070000Z")

	got, err := s.Events(ctx, []string{cal.ID}, first, first.AddDate(0, 0, 7))
	require.NoError(t, err)

	var days []int
	for _, e := range got {
		assert.Equal(t, "standup", e.UID)
		assert.Equal(t, time.Hour, e.End.Sub(e.Start))
		assert.True(t, e.Start.Equal(e.RecurrenceID), "occurrences carry their original start")
		days = append(days, e.Start.Day())
	}
	assert.Equal(t, []int{9, 10, 12, 13}, days, "the EXDATE occurrence is skipped")

	one, err := s.Events(ctx, []string{cal.ID}, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 12, one[0].Start.Day())
}

func TestStore_SaveKeepsExceptionDates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cal, err := s.DefaultCalendar(ctx)
	require.NoError(t, err)

	first := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	writeICS(t, filepath.Join(s.root, cal.ID, "standup.ics"), "standup", first, "FREQ=DAILY;COUNT=5", "20260311T070000Z")

	e, err := s.Get(ctx, "standup")
	require.NoError(t, err)
	assert.True(t, e.RecurrenceID.IsZero(), "the stored master is not an occurrence")
	e.ExDates = append(e.ExDates, first.AddDate(0, 0, 3))
	_, err = s.Save(ctx, e)
	require.NoError(t, err)

	got, err := s.Events(ctx, []string{cal.ID}, first, first.AddDate(0, 0, 7))
	require.NoError(t, err)
	var days []int
	for _, occ := range got {
		days = append(days, occ.Start.Day())
	}
	assert.Equal(t, []int{9, 10, 13}, days)
}

func TestStore_EventsHonoursCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Events(ctx, nil, testNow, testNow.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

// writeICS writes a recurring event the way another calendar app would.
func writeICS(t *testing.T, path, uid string, start time.Time, rule, exdate string) {
	t.Helper()
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//other app//EN")
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetText(ical.PropSummary, "Standup")
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, testNow)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Hour))
	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = rule
	vevent.Props.Set(rrule)
	ex := ical.NewProp(ical.PropExceptionDates)
	ex.Value = exdate
	vevent.Props.Set(ex)
	cal.Children = append(cal.Children, vevent)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, ical.NewEncoder(f).Encode(cal))
}
