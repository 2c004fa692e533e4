package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/cache"
	"github.com/beekhof/hangoutcal/internal/calendar"
	"github.com/beekhof/hangoutcal/internal/config"
	"github.com/beekhof/hangoutcal/internal/coordinator"
	"github.com/beekhof/hangoutcal/internal/devicestore"
	"github.com/beekhof/hangoutcal/internal/domain"
	"github.com/beekhof/hangoutcal/internal/settings"
	"github.com/beekhof/hangoutcal/internal/sync"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *devicestore.Store
	settings *settings.FileStore
	remote   *calendar.Remote
	session  *auth.RemoteSession
	coord    *coordinator.Coordinator
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", "hangoutcal"))
}

// newApp wires the device store, both sessions and backends, and the
// coordinator. The remote backend is only built when Google credentials are
// configured.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		settings: settings.NewFileStore(cfg.SettingsPath),
	}

	a.store = devicestore.Open(cfg.Local.StorePath, devicestore.Options{
		DefaultCalendar: cfg.Local.CalendarName,
		Location:        cfg.Location,
		Logger:          log,
	})
	local := calendar.NewLocal(auth.NewLocalSession(a.store, log), a.store, cfg.Location, log)

	var remote calendar.Backend
	if cfg.RemoteEnabled() {
		clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
		if err != nil {
			return nil, err
		}
		oauthConfig := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     auth.GoogleEndpoint,
			Scopes:       auth.GoogleScopes,
		}
		provider := auth.NewOAuthProvider(oauthConfig, auth.NewFileTokenStore(cfg.TokenPath), auth.OAuthProviderOptions{
			AccountLookup: lookupAccount,
			Logger:        log,
		})
		a.session = auth.NewRemoteSession(provider, auth.RemoteSessionOptions{
			RefreshBuffer: cfg.RefreshBuffer,
			Logger:        log,
		})
		a.remote, err = calendar.NewRemote(ctx, a.session, calendar.RemoteConfig{
			CalendarName:    cfg.Remote.CalendarName,
			ColorID:         cfg.Remote.ColorID,
			UseAppCalendar:  cfg.Remote.UseAppCalendar,
			WatchCalendarID: cfg.Remote.WatchCalendarID,
			Location:        cfg.Location,
			RateLimit: calendar.RateLimitConfig{
				RequestsPerSecond: cfg.Remote.RequestsPerSecond,
				BurstSize:         cfg.Remote.Burst,
			},
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		remote = a.remote
	} else {
		log.Debug("no google credentials configured, remote backend disabled")
	}

	preference, err := settings.ResolveDefaultBackend(a.settings, cfg.DefaultBackend)
	if err != nil {
		return nil, err
	}

	a.coord = coordinator.New(local, remote, coordinator.Options{
		Location:     cfg.Location,
		Preference:   preference,
		MirrorWrites: cfg.MirrorWrites,
		Cache:        cache.New(cfg.CacheTTL, nil),
		Logger:       log,
	})

	// Restores a stored token and a previous local grant. Failures leave the
	// backend signed out.
	if _, err := a.coord.RefreshAuthorizationStatus(ctx); err != nil {
		log.Warn("failed to restore authorization", slog.Any("error", err))
	}
	return a, nil
}

// monitor builds the remote change monitor.
func (a *app) monitor(handler sync.ChangeHandler) (*sync.Monitor, error) {
	if a.remote == nil {
		return nil, fmt.Errorf("%w: %s (set %s)", domain.ErrNoBackend, domain.SourceRemote, config.KeyGoogleCredentialsPath)
	}
	return sync.New(a.remote, a.session, handler, sync.Options{
		Interval: a.cfg.Monitor.Interval,
		Cooldown: a.cfg.Monitor.Cooldown,
		Logger:   a.log,
	}), nil
}

// lookupAccount resolves the signed-in account from the primary calendar,
// whose id is the account's email address.
func lookupAccount(ctx context.Context, token *oauth2.Token) (string, error) {
	service, err := gcal.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return "", fmt.Errorf("failed to create calendar service: %w", err)
	}
	entry, err := service.CalendarList.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to look up primary calendar: %w", err)
	}
	return entry.Id, nil
}
