package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/hangoutcal/internal/domain"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

var eventsCmd = &cobra.Command{
	Use:   "events [date]",
	Short: "List the merged events of a day (default today)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDate(args)
		if err != nil {
			return err
		}
		day, err := current.coord.GetEventsForDate(cmd.Context(), date)
		if err != nil {
			return err
		}
		printDay(cmd.OutOrStdout(), day.Events, current.cfg.Location)
		for src, ferr := range day.Failures {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s calendar unavailable: %v\n", src, ferr)
		}
		return nil
	},
}

var createFlags struct {
	at       string
	duration time.Duration
	location string
	invite   []string
}

var createCmd = &cobra.Command{
	Use:   "create <activity>",
	Short: "Create a hangout event",
	Long: `Create a hangout event on the preferred backend.

Google Calendar is used when signed in, since it can invite attendees;
otherwise the event goes to the local calendar. Set a preference with
'hangoutcal backend set'.

Example:
  hangoutcal create "Climbing" --at "2026-05-14 18:00" --duration 2h --invite sam@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := time.ParseInLocation(dateTimeLayout, createFlags.at, current.cfg.Location)
		if err != nil {
			return fmt.Errorf("invalid --at value (expected %q): %w", dateTimeLayout, err)
		}
		res, err := current.coord.CreateHangoutEvent(cmd.Context(), domain.NewEvent{
			Activity:  args[0],
			Location:  createFlags.location,
			Start:     start,
			Duration:  createFlags.duration,
			Attendees: createFlags.invite,
		})
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), "Created", res)
		return nil
	},
}

var updateFlags struct {
	title    string
	at       string
	duration time.Duration
	location string
	invite   []string
}

var updateCmd = &cobra.Command{
	Use:   "update <event-id>",
	Short: "Change an existing event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var update domain.EventUpdate
		flags := cmd.Flags()
		if flags.Changed("title") {
			update.Title = &updateFlags.title
		}
		if flags.Changed("location") {
			update.Location = &updateFlags.location
		}
		if flags.Changed("at") {
			start, err := time.ParseInLocation(dateTimeLayout, updateFlags.at, current.cfg.Location)
			if err != nil {
				return fmt.Errorf("invalid --at value (expected %q): %w", dateTimeLayout, err)
			}
			update.Start = &start
		}
		if flags.Changed("duration") {
			update.Duration = &updateFlags.duration
		}
		if flags.Changed("invite") {
			update.Attendees = updateFlags.invite
		}
		if update.IsEmpty() {
			return fmt.Errorf("nothing to update: set at least one of --title, --location, --at, --duration or --invite")
		}

		res, err := current.coord.UpdateHangoutEvent(cmd.Context(), args[0], update)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), "Updated", res)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <event-id>",
	Short: "Delete an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.coord.DeleteHangoutEvent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List the calendars of every signed-in backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BACKEND\tID\tNAME\tENABLED")
		for _, c := range current.coord.ConnectedCalendars() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", c.Backend, c.ID, c.Name, c.Enabled)
		}
		return w.Flush()
	},
}

var freeBusyDays int

var freeBusyCmd = &cobra.Command{
	Use:   "freebusy [date]",
	Short: "Show busy periods on Google Calendar",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDate(args)
		if err != nil {
			return err
		}
		if freeBusyDays < 1 {
			return fmt.Errorf("--days must be at least 1")
		}
		start := domain.Day(date, current.cfg.Location).Start
		end := start.AddDate(0, 0, freeBusyDays)

		periods, err := current.coord.FreeBusy(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(periods) == 0 {
			fmt.Fprintln(out, "No busy periods.")
			return nil
		}
		for _, p := range periods {
			fmt.Fprintf(out, "%s - %s  %s\n",
				p.Start.In(current.cfg.Location).Format(dateTimeLayout),
				p.End.In(current.cfg.Location).Format("15:04"),
				p.CalendarID)
		}
		return nil
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createFlags.at, "at", "", "start time as YYYY-MM-DD HH:MM")
	f.DurationVar(&createFlags.duration, "duration", time.Hour, "length of the hangout")
	f.StringVar(&createFlags.location, "location", "", "where to meet")
	f.StringSliceVar(&createFlags.invite, "invite", nil, "attendee email address (repeatable)")
	_ = createCmd.MarkFlagRequired("at")

	f = updateCmd.Flags()
	f.StringVar(&updateFlags.title, "title", "", "new title")
	f.StringVar(&updateFlags.at, "at", "", "new start time as YYYY-MM-DD HH:MM")
	f.DurationVar(&updateFlags.duration, "duration", 0, "new length")
	f.StringVar(&updateFlags.location, "location", "", "new location")
	f.StringSliceVar(&updateFlags.invite, "invite", nil, "replace the attendees (repeatable)")

	freeBusyCmd.Flags().IntVar(&freeBusyDays, "days", 1, "number of days to query")
}

func parseDate(args []string) (time.Time, error) {
	if len(args) == 0 {
		return time.Now().In(current.cfg.Location), nil
	}
	date, err := time.ParseInLocation(dateLayout, args[0], current.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected %s): %w", args[0], dateLayout, err)
	}
	return date, nil
}

func printDay(w io.Writer, events []domain.Event, loc *time.Location) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ev := range events {
		when := "all day"
		if !ev.AllDay {
			when = ev.Start.In(loc).Format("15:04") + "-" + ev.End.In(loc).Format("15:04")
		}
		var tags []string
		if ev.IsAppEvent {
			tags = append(tags, "hangout")
		}
		if ev.Location != "" {
			tags = append(tags, "@ "+ev.Location)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", when, ev.Title, strings.Join(tags, " "), ev.ID)
	}
	_ = tw.Flush()
}

func printResult(w io.Writer, verb string, res domain.EventResult) {
	backends := make([]string, 0, len(res.Backends))
	for _, b := range res.Backends {
		backends = append(backends, string(b))
	}
	id := res.ProviderID
	if len(res.Backends) > 0 {
		id = domain.EventID(res.Backends[0], res.ProviderID)
	}
	fmt.Fprintf(w, "%s %s on %s\n", verb, id, strings.Join(backends, ", "))
	if res.Link != "" {
		fmt.Fprintf(w, "Link: %s\n", res.Link)
	}
	if res.MirrorErr != nil {
		fmt.Fprintf(w, "warning: mirror write failed: %v\n", res.MirrorErr)
	}
}
