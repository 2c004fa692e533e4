package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/hangoutcal/internal/calendar"
	"github.com/beekhof/hangoutcal/internal/coordinator"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow Google Calendar changes and reprint today's events",
	Long: `Poll Google Calendar for changes until interrupted. Each batch of changes
drops the affected days from the cache and reprints today's merged events.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !current.cfg.Monitor.Enabled {
			return fmt.Errorf("change monitoring is disabled (monitor.enabled=false)")
		}
		printer := &changePrinter{coord: current.coord, out: cmd.OutOrStdout(), loc: current.cfg.Location, log: current.log}
		monitor, err := current.monitor(printer)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		states, cancel := current.coord.Subscribe()
		defer cancel()
		go printer.follow(ctx, states)

		monitor.Start(ctx)
		defer monitor.Stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Watching for changes every %s. Press Ctrl+C to stop.\n", current.cfg.Monitor.Interval)
		<-ctx.Done()
		return nil
	},
}

// changePrinter forwards change sets to the coordinator and reprints today.
type changePrinter struct {
	coord *coordinator.Coordinator
	out   io.Writer
	loc   *time.Location
	log   *slog.Logger
}

func (p *changePrinter) OnChanges(ctx context.Context, cs calendar.ChangeSet) {
	p.coord.OnChanges(ctx, cs)

	day, err := p.coord.GetEventsForDate(ctx, time.Now().In(p.loc))
	if err != nil {
		p.log.Warn("failed to reload today", slog.Any("error", err))
		return
	}
	fmt.Fprintf(p.out, "\n%d change(s) at %s\n", len(cs.Items), time.Now().In(p.loc).Format("15:04:05"))
	printDay(p.out, day.Events, p.loc)
}

// follow reports sign-in changes until ctx is done.
func (p *changePrinter) follow(ctx context.Context, states <-chan coordinator.State) {
	var last *coordinator.State
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			if last != nil && (s.LocalAuthorized != last.LocalAuthorized || s.RemoteAuthorized != last.RemoteAuthorized) {
				fmt.Fprintf(p.out, "authorization changed: local=%t remote=%t\n", s.LocalAuthorized, s.RemoteAuthorized)
			}
			last = &s
		}
	}
}
