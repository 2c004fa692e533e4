package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// refreshTimeout bounds a single token exchange.
const refreshTimeout = 30 * time.Second

// refreshKey is the singleflight key of the token exchange.
const refreshKey = "refresh"

// Credential is a signed-in identity and its OAuth token.
type Credential struct {
	Token   *oauth2.Token
	Account string
}

// IdentityProvider is the OAuth/identity provider boundary.
type IdentityProvider interface {
	// Restore returns the previous sign-in, or nil if there is none. It never prompts.
	Restore(ctx context.Context) (*Credential, error)
	// SignIn runs the interactive consent flow on the given presentation surface.
	SignIn(ctx context.Context, presenter Presenter) (*Credential, error)
	// Refresh exchanges the refresh material of cred for a new access token.
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
	// SignOut forgets the stored sign-in.
	SignOut(ctx context.Context) error
}

// Presenter is the UI surface an interactive consent flow is bound to.
type Presenter interface {
	Present(ctx context.Context, authURL string) error
}

// RemoteSessionOptions configures a RemoteSession.
type RemoteSessionOptions struct {
	// RefreshBuffer defaults to DefaultRefreshBuffer.
	RefreshBuffer time.Duration
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// RemoteSession holds the OAuth credential of the cloud calendar backend.
type RemoteSession struct {
	provider IdentityProvider
	buffer   time.Duration
	now      func() time.Time
	log      *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cred  *Credential
	state State
	// epoch changes on sign-in and sign-out so a refresh that started before
	// either one does not overwrite the newer credential.
	epoch uint64
}

// NewRemoteSession creates an unauthenticated session over the identity provider.
func NewRemoteSession(provider IdentityProvider, opts RemoteSessionOptions) *RemoteSession {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RemoteSession{
		provider: provider,
		buffer:   opts.RefreshBuffer,
		now:      opts.Now,
		log:      opts.Logger.With(slog.String("session", string(domain.SourceRemote))),
		state:    StateUnauthenticated,
	}
}

// fresh reports whether the token is usable for new calls: it exists and
// expires more than the refresh buffer from now. A zero expiry never expires.
func (s *RemoteSession) fresh(cred *Credential) bool {
	if cred == nil || cred.Token == nil || cred.Token.AccessToken == "" {
		return false
	}
	if cred.Token.Expiry.IsZero() {
		return true
	}
	return cred.Token.Expiry.Sub(s.now()) > s.buffer
}

// Authorize silently restores a previous sign-in. It returns false without
// prompting when there is none.
func (s *RemoteSession) Authorize(ctx context.Context) (bool, error) {
	if s.IsAuthorized() {
		return true, nil
	}

	s.mu.Lock()
	if s.cred == nil {
		s.state = StateAuthorizing
	}
	s.mu.Unlock()

	cred, err := s.provider.Restore(ctx)
	if err != nil {
		s.setState(StateUnauthenticated)
		return false, fmt.Errorf("restore previous sign-in: %w", err)
	}
	if cred == nil {
		s.setState(StateUnauthenticated)
		return false, nil
	}

	s.mu.Lock()
	s.cred = cred
	s.state = StateAuthorized
	s.mu.Unlock()

	if err := s.RefreshIfNeeded(ctx); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return s.IsAuthorized(), nil
}

// RequestInteractiveAuthorization runs the consent flow and returns the signed-in account.
func (s *RemoteSession) RequestInteractiveAuthorization(ctx context.Context, presenter Presenter) (string, error) {
	s.setState(StateAuthorizing)

	cred, err := s.provider.SignIn(ctx, presenter)
	if err != nil {
		s.mu.Lock()
		if s.fresh(s.cred) {
			s.state = StateAuthorized
		} else {
			s.state = StateUnauthenticated
		}
		s.mu.Unlock()
		if errors.Is(err, domain.ErrAuthDenied) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrAuthDenied, err)
	}

	s.mu.Lock()
	s.cred = cred
	s.state = StateAuthorized
	s.epoch++
	s.mu.Unlock()

	s.log.Info("signed in", slog.String("account", cred.Account))
	return cred.Account, nil
}

// IsAuthorized reports whether a token exists outside the refresh buffer.
func (s *RemoteSession) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateRevoked && s.fresh(s.cred)
}

// Account returns the signed-in account, if any.
func (s *RemoteSession) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return ""
	}
	return s.cred.Account
}

// RefreshIfNeeded exchanges the refresh material when the token is inside the
// buffer. Concurrent callers share one exchange. When the exchange fails the
// session falls back to a single silent restore; if that also fails the
// session is revoked and every waiter gets domain.ErrUnauthorized.
func (s *RemoteSession) RefreshIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	if s.cred == nil || s.state == StateRevoked {
		s.mu.Unlock()
		return fmt.Errorf("%w: not signed in", domain.ErrUnauthorized)
	}
	if s.fresh(s.cred) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The exchange is detached from ctx so one cancelled caller cannot fail the others.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return nil, s.refresh(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh runs one exchange. A caller that lost the race to a finished
// exchange finds a fresh token and returns without another one.
func (s *RemoteSession) refresh(parent context.Context) error {
	s.mu.Lock()
	if s.cred == nil || s.state == StateRevoked {
		s.mu.Unlock()
		return fmt.Errorf("%w: not signed in", domain.ErrUnauthorized)
	}
	if s.fresh(s.cred) {
		s.mu.Unlock()
		return nil
	}
	s.state = StateRefreshing
	cred, epoch := s.cred, s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	next, err := s.provider.Refresh(ctx, cred)
	if err == nil && !s.fresh(next) {
		err = fmt.Errorf("%w: refreshed token is already inside the refresh buffer", domain.ErrInvalidResponse)
	}
	if err != nil {
		s.log.Warn("token refresh failed, trying silent restore", slog.Any("err", err))
		restored, rerr := s.provider.Restore(ctx)
		switch {
		case rerr != nil:
			err = fmt.Errorf("%w: refresh: %v; restore: %v", domain.ErrUnauthorized, err, rerr)
		case !s.fresh(restored):
			err = fmt.Errorf("%w: refresh: %v; no usable previous sign-in", domain.ErrUnauthorized, err)
		default:
			next, err = restored, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case epoch != s.epoch:
		if err == nil {
			err = fmt.Errorf("%w: session changed during refresh", domain.ErrUnauthorized)
		}
	case err != nil:
		s.cred = nil
		s.state = StateRevoked
		s.log.Warn("session revoked", slog.Any("err", err))
	default:
		s.cred = next
		s.state = StateAuthorized
	}
	return err
}

// Token implements oauth2.TokenSource for HTTP transports. It never refreshes;
// callers run RefreshIfNeeded first.
func (s *RemoteSession) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil || s.cred.Token == nil || s.state == StateRevoked {
		return nil, fmt.Errorf("%w: no access token", domain.ErrUnauthorized)
	}
	tok := *s.cred.Token
	return &tok, nil
}

// SignOut clears the in-memory token and asks the provider to forget the sign-in.
func (s *RemoteSession) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.cred = nil
	s.state = StateUnauthenticated
	s.epoch++
	s.mu.Unlock()

	if err := s.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Generation changes on every sign-in and sign-out. Callers caching
// per-account state compare it to detect a different identity.
func (s *RemoteSession) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// State returns the current lifecycle state, deriving expiring-soon from the clock.
func (s *RemoteSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorized && !s.fresh(s.cred) {
		return StateExpiringSoon
	}
	return s.state
}

func (s *RemoteSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
