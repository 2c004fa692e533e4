// Package sync polls the remote calendar for changes and tells the
// coordinator which cached days went stale.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beekhof/hangoutcal/internal/auth"
	"github.com/beekhof/hangoutcal/internal/calendar"
	"github.com/beekhof/hangoutcal/internal/domain"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultCooldown = 30 * time.Second
	// DefaultLookback is how far back the first scan looks for updated events.
	DefaultLookback = 24 * time.Hour
)

// ChangeHandler receives non-empty change sets.
type ChangeHandler interface {
	OnChanges(ctx context.Context, cs calendar.ChangeSet)
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	// Cooldown is the wait before retrying a failed poll.
	Cooldown time.Duration
	Lookback time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Monitor polls a change feed on a fixed interval.
type Monitor struct {
	source   calendar.ChangeSource
	session  auth.Session
	handler  ChangeHandler
	interval time.Duration
	cooldown time.Duration
	lookback time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Monitor.
func New(source calendar.ChangeSource, session auth.Session, handler ChangeHandler, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		source:   source,
		session:  session,
		handler:  handler,
		interval: opts.Interval,
		cooldown: opts.Cooldown,
		lookback: opts.Lookback,
		now:      opts.Now,
		log:      opts.Logger.With(slog.String("component", "monitor")),
	}
}

// Start begins polling in the background. It polls once right away.
// Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, done)
	m.log.Info("change monitor started", slog.Duration("interval", m.interval))
}

// Stop cancels polling and waits for the loop to exit. No notification is
// delivered once Stop returns. Stopping a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("change monitor stopped")
}

// Running reports whether the polling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Token returns the stored sync token.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Monitor) setToken(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := m.interval
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				m.log.Debug("remote not authorized, skipping poll")
			} else {
				m.log.Warn("poll failed, retrying", slog.Duration("cooldown", m.cooldown), slog.Any("error", err))
				wait = m.cooldown
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll runs one tick: refresh the session, fetch changes since the stored
// token and notify the handler when anything changed. An expired token is
// dropped and the feed reseeded from the lookback window in the same tick.
func (m *Monitor) Poll(ctx context.Context) error {
	if err := m.session.RefreshIfNeeded(ctx); err != nil {
		return fmt.Errorf("failed to refresh before polling: %w", err)
	}

	since := m.now().Add(-m.lookback)
	token := m.Token()
	cs, err := m.source.Changes(ctx, token, since)
	if token != "" && errors.Is(err, domain.ErrSyncTokenExpired) {
		m.log.Info("sync token expired, reseeding")
		m.setToken("")
		cs, err = m.source.Changes(ctx, "", since)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch changes: %w", err)
	}
	if cs.NextToken != "" {
		m.setToken(cs.NextToken)
	}

	if cs.Empty() {
		m.log.Debug("no remote changes")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.handler.OnChanges(ctx, cs)
	return nil
}
