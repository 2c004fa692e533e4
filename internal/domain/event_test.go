package domain

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{"", "", false},
		{"auto", "", false},
		{"local", SourceLocal, false},
		{"Remote", SourceRemote, false},
		{"google", SourceRemote, false},
		{"outlook", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSource(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDay_UsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:30 UTC on the 15th is still the 14th in New York.
	r := Day(time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC), loc)

	assert.Equal(t, "2026-03-14", r.Key())
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, loc), r.Start)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, loc), r.End)
	assert.True(t, r.Contains(r.Start))
	assert.False(t, r.Contains(r.End))
}

func TestCompareEvents_TiesLocalFirst(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "remote:b", Source: SourceRemote, Start: at},
		{ID: "local:c", Source: SourceLocal, Start: at.Add(time.Hour)},
		{ID: "local:a", Source: SourceLocal, Start: at},
	}

	slices.SortStableFunc(events, CompareEvents)

	ids := []string{events[0].ID, events[1].ID, events[2].ID}
	assert.Equal(t, []string{"local:a", "remote:b", "local:c"}, ids)
}

func TestNewEvent_Validate(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	ok := NewEvent{Activity: "Coffee", Start: start, Duration: 2 * time.Hour}
	require.NoError(t, ok.Validate())
	assert.Equal(t, start.Add(7200*time.Second), ok.End())

	for name, ev := range map[string]NewEvent{
		"missing activity": {Start: start, Duration: time.Hour},
		"missing start":    {Activity: "Coffee", Duration: time.Hour},
		"zero duration":    {Activity: "Coffee", Start: start},
	} {
		t.Run(name, func(t *testing.T) {
			err := ev.Validate()
			assert.True(t, errors.Is(err, ErrEventCreationFailed))
		})
	}
}

func TestEventUpdate_IsEmpty(t *testing.T) {
	assert.True(t, EventUpdate{}.IsEmpty())
	title := "Dinner"
	assert.False(t, EventUpdate{Title: &title}.IsEmpty())
}

func TestParseEventID(t *testing.T) {
	src, id, err := ParseEventID(EventID(SourceRemote, "abc:def"))
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, src)
	assert.Equal(t, "abc:def", id)

	for _, bad := range []string{"", "local", "local:", "carrier:x"} {
		_, _, err := ParseEventID(bad)
		assert.True(t, errors.Is(err, ErrEventNotFound), bad)
	}
}

func TestDaysSpanning(t *testing.T) {
	start := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)

	one := DaysSpanning(start, start.Add(time.Hour), time.UTC)
	require.Len(t, one, 1)
	assert.Equal(t, "2026-05-01", one[0].Key())

	two := DaysSpanning(start, start.Add(3*time.Hour), time.UTC)
	require.Len(t, two, 2)
	assert.Equal(t, "2026-05-02", two[1].Key())

	// Ending exactly at midnight stays on one day.
	edge := DaysSpanning(start, start.Add(2*time.Hour), time.UTC)
	assert.Len(t, edge, 1)
}
