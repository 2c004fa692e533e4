package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/domain"
	"github.com/beekhof/hangoutcal/internal/settings"
)

var signInCmd = &cobra.Command{
	Use:       "signin <local|remote>",
	Short:     "Grant access to the local calendar or sign in to Google",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"local", "remote"},
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseBackend(args[0])
		if err != nil {
			return err
		}
		account, err := current.coord.SignIn(cmd.Context(), src, auth.WriterPresenter{W: cmd.OutOrStdout()})
		if err != nil {
			if src == domain.SourceLocal && errors.Is(err, domain.ErrAuthDenied) {
				return fmt.Errorf("%w (remove %s to allow access again)", err, filepath.Join(current.cfg.Local.StorePath, ".denied"))
			}
			return err
		}
		if account != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s\n", src, account)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s\n", src)
		}
		return nil
	},
}

var signOutRevoke bool

var signOutCmd = &cobra.Command{
	Use:       "signout <local|remote>",
	Short:     "Sign out of one backend, leaving the other signed in",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"local", "remote"},
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseBackend(args[0])
		if err != nil {
			return err
		}
		if err := current.coord.SignOut(cmd.Context(), src); err != nil {
			return err
		}
		// The local grant is otherwise only dropped for this process.
		if src == domain.SourceLocal && signOutRevoke {
			if err := current.store.Revoke(); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed out of %s\n", src)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which backends are signed in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		state := current.coord.State()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "local:   %s\n", signedInLabel(state.LocalAuthorized))
		if current.remote == nil {
			fmt.Fprintln(out, "remote:  not configured")
		} else {
			label := signedInLabel(state.RemoteAuthorized)
			if account := current.session.Account(); account != "" && state.RemoteAuthorized {
				label += " as " + account
			}
			fmt.Fprintf(out, "remote:  %s (%s)\n", label, current.session.State())
		}
		fmt.Fprintf(out, "backend: %s\n", backendLabel(current.coord.Preference()))
		fmt.Fprintf(out, "mirror:  %t\n", current.coord.MirrorWrites())
		fmt.Fprintf(out, "calendars: %d\n", len(state.Calendars))
		return nil
	},
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show or change the default write backend",
}

var backendGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the default write backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), backendLabel(current.coord.Preference()))
		return nil
	},
}

var backendSetCmd = &cobra.Command{
	Use:       "set <local|remote|auto>",
	Short:     "Persist the default write backend",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"local", "remote", "auto"},
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := domain.ParseSource(args[0])
		if err != nil {
			return err
		}
		if err := settings.SetDefaultBackend(current.settings, src); err != nil {
			return err
		}
		current.coord.SetPreference(src)
		fmt.Fprintf(cmd.OutOrStdout(), "Default backend set to %s\n", backendLabel(src))
		return nil
	},
}

func init() {
	signOutCmd.Flags().BoolVar(&signOutRevoke, "revoke", false, "also deny local calendar access for future runs")
	backendCmd.AddCommand(backendGetCmd, backendSetCmd)
}

// parseBackend parses a backend name, rejecting auto.
func parseBackend(name string) (domain.Source, error) {
	src, err := domain.ParseSource(name)
	if err != nil {
		return "", err
	}
	if src == "" {
		return "", fmt.Errorf("a backend is required: local or remote")
	}
	return src, nil
}

func signedInLabel(ok bool) string {
	if ok {
		return "signed in"
	}
	return "signed out"
}

func backendLabel(src domain.Source) string {
	if src == "" {
		return "auto"
	}
	return string(src)
}
