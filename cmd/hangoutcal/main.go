// Command hangoutcal reads and writes hangout events across the on-device
// calendar and Google Calendar.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beekhof/hangoutcal/internal/config"
)

var (
	configFile string
	verbose    bool

	// current is built in PersistentPreRunE for every command that needs the engine.
	current *app
)

var rootCmd = &cobra.Command{
	Use:   "hangoutcal",
	Short: "Plan hangouts on your local and Google calendars",
	Long: `hangoutcal merges the on-device calendar and Google Calendar into one
view per day and creates hangout events on whichever backend you prefer.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (HANGOUTCAL_*, e.g. HANGOUTCAL_CACHE_TTL=1m)
    3. Config file (--config, or config.yaml/config.json in the config directory)
    4. Defaults

The Google credentials JSON file should be in the format downloaded from
Google Cloud Console, with either an "installed" or "web" section. Without
it only the local calendar is used.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		log := newLogger(os.Stderr, cfg)
		slog.SetDefault(log)

		current, err = newApp(cmd.Context(), cfg, log)
		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a JSON or YAML config file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.String("credentials", "", "path to the Google OAuth credentials JSON file")
	flags.String("token", "", "path to store the Google OAuth token")
	flags.String("settings", "", "path to the settings file")
	flags.String("store", "", "directory of the on-device calendar store")
	flags.String("timezone", "", "IANA time zone that defines calendar days")
	flags.String("backend", "", "write backend: local, remote or auto")
	flags.Bool("mirror", false, "mirror new events to the other signed-in backend")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	rootCmd.AddCommand(eventsCmd, createCmd, updateCmd, deleteCmd, calendarsCmd, freeBusyCmd)
	rootCmd.AddCommand(signInCmd, signOutCmd, statusCmd, backendCmd, watchCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
