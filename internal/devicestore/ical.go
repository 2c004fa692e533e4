package devicestore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	productID = "-//hangoutcal//device store//EN"

	// propAppMarker marks events written by this app.
	propAppMarker = "X-HANGOUTCAL-APP"

	// maxOccurrences caps recurrence expansion per event.
	maxOccurrences = 5000
)

// entryToICal converts an Entry to a single-event iCalendar object.
func entryToICal(e Entry, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewComponent(ical.CompEvent)
	cal.Children = append(cal.Children, vevent)

	vevent.Props.SetText(ical.PropUID, e.UID)
	if e.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Location != "" {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Notes != "" {
		vevent.Props.SetText(ical.PropDescription, e.Notes)
	}

	if e.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(e.Start)
		vevent.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(e.End)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}

	if e.RecurrenceRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = e.RecurrenceRule
		vevent.Props.Set(rule)
	}

	for _, ex := range e.ExDates {
		exdate := ical.NewProp(ical.PropExceptionDates)
		if e.AllDay {
			exdate.SetDate(ex)
		} else {
			exdate.SetDateTime(ex.UTC())
		}
		vevent.Props[ical.PropExceptionDates] = append(vevent.Props[ical.PropExceptionDates], *exdate)
	}

	for _, email := range e.Attendees {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.Value = "mailto:" + email
		vevent.Props[ical.PropAttendee] = append(vevent.Props[ical.PropAttendee], *attendee)
	}

	if e.AppCreated {
		vevent.Props.SetText(propAppMarker, "1")
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	vevent.Props.SetDateTime(ical.PropLastModified, now.UTC())

	return cal
}

// icalToEntry converts the first VEVENT of an iCalendar object to an Entry.
func icalToEntry(cal *ical.Calendar, calendarID string, loc *time.Location) (Entry, error) {
	var vevent *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			vevent = comp
			break
		}
	}
	if vevent == nil {
		return Entry{}, errors.New("no VEVENT found in calendar")
	}

	e := Entry{CalendarID: calendarID}
	e.UID = textProp(vevent, ical.PropUID)
	if e.UID == "" {
		return Entry{}, errors.New("event has no UID")
	}
	e.Summary = textProp(vevent, ical.PropSummary)
	e.Location = textProp(vevent, ical.PropLocation)
	e.Notes = textProp(vevent, ical.PropDescription)
	e.RecurrenceRule = textProp(vevent, ical.PropRecurrenceRule)
	e.AppCreated = textProp(vevent, propAppMarker) == "1"

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return Entry{}, fmt.Errorf("event %s has no DTSTART", e.UID)
	}
	start, err := dtstart.DateTime(loc)
	if err != nil {
		return Entry{}, fmt.Errorf("event %s: invalid DTSTART: %w", e.UID, err)
	}
	e.Start = start
	e.AllDay = dtstart.Params.Get(ical.ParamValue) == string(ical.ValueDate)

	switch dtend := vevent.Props.Get(ical.PropDateTimeEnd); {
	case dtend != nil:
		end, err := dtend.DateTime(loc)
		if err != nil {
			return Entry{}, fmt.Errorf("event %s: invalid DTEND: %w", e.UID, err)
		}
		e.End = end
	case vevent.Props.Get(ical.PropDuration) != nil:
		d, err := vevent.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return Entry{}, fmt.Errorf("event %s: invalid DURATION: %w", e.UID, err)
		}
		e.End = start.Add(d)
	case e.AllDay:
		e.End = start.AddDate(0, 0, 1)
	default:
		e.End = start
	}

	for _, attendee := range vevent.Props.Values(ical.PropAttendee) {
		email := strings.TrimPrefix(strings.TrimPrefix(attendee.Value, "mailto:"), "MAILTO:")
		if email != "" {
			e.Attendees = append(e.Attendees, email)
		}
	}

	for _, exdate := range vevent.Props.Values(ical.PropExceptionDates) {
		dates, err := parseDateList(exdate, loc)
		if err != nil {
			return Entry{}, fmt.Errorf("event %s: invalid EXDATE: %w", e.UID, err)
		}
		e.ExDates = append(e.ExDates, dates...)
	}

	return e, nil
}

// parseDateList parses a possibly comma-separated date or date-time list.
func parseDateList(prop ical.Prop, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, v := range strings.Split(prop.Value, ",") {
		single := prop
		single.Value = strings.TrimSpace(v)
		t, err := single.DateTime(loc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// expand returns the occurrences of e that overlap [start, end).
// Non-recurring events yield themselves when they overlap.
func expand(e Entry, start, end time.Time) ([]Entry, error) {
	if e.RecurrenceRule == "" {
		if overlaps(e.Start, e.End, start, end) {
			return []Entry{e}, nil
		}
		return nil, nil
	}

	opt, err := rrule.StrToROption(e.RecurrenceRule)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid RRULE: %w", e.UID, err)
	}
	opt.Dtstart = e.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid RRULE: %w", e.UID, err)
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range e.ExDates {
		set.ExDate(ex.In(e.Start.Location()))
	}

	duration := e.End.Sub(e.Start)
	// Occurrences that started before the window may still overlap it.
	times := set.Between(start.Add(-duration), end, true)
	if len(times) > maxOccurrences {
		times = times[:maxOccurrences]
	}

	out := make([]Entry, 0, len(times))
	for _, at := range times {
		occ := e
		occ.Start = at
		occ.End = at.Add(duration)
		occ.RecurrenceID = at
		if overlaps(occ.Start, occ.End, start, end) {
			out = append(out, occ)
		}
	}
	return out, nil
}

// overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
// Zero-length events overlap when they start inside the window.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
