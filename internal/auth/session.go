package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshBuffer is how long before expiry a token stops gating new calls.
const DefaultRefreshBuffer = 5 * time.Minute

// State is the lifecycle state of a credential session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthorizing
	StateAuthorized
	StateExpiringSoon
	StateRefreshing
	// StateRevoked is terminal until the user authorizes again.
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateExpiringSoon:
		return "expiring-soon"
	case StateRefreshing:
		return "refreshing"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session owns the credential of a single calendar backend.
// No backend call may be made while IsAuthorized is false.
type Session interface {
	// Authorize restores or requests authorization without an interactive OAuth prompt.
	Authorize(ctx context.Context) (bool, error)
	// IsAuthorized reports whether new calls may proceed right now.
	IsAuthorized() bool
	// RefreshIfNeeded refreshes the credential if it is inside the refresh buffer.
	// It returns domain.ErrUnauthorized when the session cannot be made usable.
	RefreshIfNeeded(ctx context.Context) error
	// SignOut drops the in-memory credential of this session only.
	SignOut(ctx context.Context) error
	// State returns the current lifecycle state.
	State() State
}

// TokenSession is a Session that hands out bearer tokens for HTTP calls.
type TokenSession interface {
	Session
	oauth2.TokenSource
	// Generation changes whenever the signed-in identity may have changed.
	Generation() uint64
}
