package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// Access is the OS-level permission status of the on-device calendar store.
type Access int

const (
	AccessNotDetermined Access = iota
	AccessGranted
	AccessDenied
)

// PermissionRequester is the permission surface of the on-device calendar store.
type PermissionRequester interface {
	// AccessStatus reports the current permission without prompting.
	AccessStatus(ctx context.Context) (Access, error)
	// RequestAccess prompts the user once and reports the outcome.
	RequestAccess(ctx context.Context) (bool, error)
}

// LocalSession gates the on-device calendar behind a one-time permission grant.
type LocalSession struct {
	mu        sync.Mutex
	requester PermissionRequester
	decided   bool
	granted   bool
	state     State
	log       *slog.Logger
}

// NewLocalSession creates a session over the given permission surface.
func NewLocalSession(requester PermissionRequester, log *slog.Logger) *LocalSession {
	if log == nil {
		log = slog.Default()
	}
	return &LocalSession{
		requester: requester,
		state:     StateUnauthenticated,
		log:       log.With(slog.String("session", string(domain.SourceLocal))),
	}
}

// Authorize requests the permission grant. Once the user has decided, the
// prompt is never shown again: a grant is returned from memory and a denial
// is only re-checked against the non-prompting status, so a change made in
// system settings is picked up.
func (s *LocalSession) Authorize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decided && s.granted {
		return true, nil
	}

	status, err := s.requester.AccessStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("local calendar access status: %w", err)
	}

	switch status {
	case AccessGranted:
		s.setDecision(true)
		return true, nil
	case AccessDenied:
		s.setDecision(false)
		return false, nil
	}

	if s.decided {
		// Already prompted in this process; never prompt twice.
		return s.granted, nil
	}

	s.state = StateAuthorizing
	granted, err := s.requester.RequestAccess(ctx)
	if err != nil {
		s.state = StateUnauthenticated
		return false, fmt.Errorf("local calendar access request: %w", err)
	}
	s.setDecision(granted)
	s.log.Info("local calendar permission decided", slog.Bool("granted", granted))
	return granted, nil
}

func (s *LocalSession) setDecision(granted bool) {
	s.decided = true
	s.granted = granted
	if granted {
		s.state = StateAuthorized
	} else {
		s.state = StateRevoked
	}
}

// IsAuthorized reports whether access was granted.
func (s *LocalSession) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decided && s.granted
}

// RefreshIfNeeded has nothing to refresh; it only reports whether access is granted.
func (s *LocalSession) RefreshIfNeeded(_ context.Context) error {
	if !s.IsAuthorized() {
		return fmt.Errorf("%w: local calendar access not granted", domain.ErrUnauthorized)
	}
	return nil
}

// SignOut forgets the cached grant.
func (s *LocalSession) SignOut(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decided = false
	s.granted = false
	s.state = StateUnauthenticated
	return nil
}

// State returns the current lifecycle state.
func (s *LocalSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
