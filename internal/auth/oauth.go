package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// Google OAuth endpoints and the scopes the engine needs.
var (
	GoogleEndpoint = oauth2.Endpoint{
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	}
	GoogleScopes = []string{
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/calendar.events",
	}
)

const (
	defaultCallbackAddr = "127.0.0.1:8080"
	defaultConsentWait  = 5 * time.Minute
)

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	// Check if the token was refreshed by comparing access tokens
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// OAuthProviderOptions configures an OAuthProvider.
type OAuthProviderOptions struct {
	// CallbackAddr is where the consent redirect is received. A random port
	// is used when it is unavailable. Defaults to 127.0.0.1:8080.
	CallbackAddr string
	// ConsentTimeout bounds the wait for the user. Defaults to 5 minutes.
	ConsentTimeout time.Duration
	// AccountLookup resolves the signed-in account after a consent flow.
	AccountLookup func(ctx context.Context, token *oauth2.Token) (string, error)
	Logger        *slog.Logger
}

// OAuthProvider implements IdentityProvider with an OAuth 2.0 authorization
// code flow and a persistent token store.
type OAuthProvider struct {
	config *oauth2.Config
	store  TokenStore
	opts   OAuthProviderOptions
	log    *slog.Logger
}

// NewOAuthProvider creates an identity provider for the given client configuration.
func NewOAuthProvider(config *oauth2.Config, store TokenStore, opts OAuthProviderOptions) *OAuthProvider {
	if opts.CallbackAddr == "" {
		opts.CallbackAddr = defaultCallbackAddr
	}
	if opts.ConsentTimeout <= 0 {
		opts.ConsentTimeout = defaultConsentWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OAuthProvider{config: config, store: store, opts: opts, log: opts.Logger}
}

// Restore loads the stored token. Returns nil, nil when nobody has signed in.
func (p *OAuthProvider) Restore(_ context.Context) (*Credential, error) {
	token, err := p.store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, nil
	}
	return &Credential{Token: token}, nil
}

// SignIn runs the consent flow: it starts a local callback server, presents
// the consent URL and exchanges the returned code for a token.
func (p *OAuthProvider) SignIn(ctx context.Context, presenter Presenter) (*Credential, error) {
	state := uuid.NewString()

	redirectURL, codeChan, errorChan, shutdown, err := startLocalServer(p.opts.CallbackAddr, state)
	if err != nil {
		return nil, fmt.Errorf("failed to start local server: %w", err)
	}
	defer shutdown()

	cfg := *p.config
	cfg.RedirectURL = redirectURL

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if redirectURL != "http://"+p.opts.CallbackAddr {
		p.log.Warn("callback address unavailable, using a random port; add it to the authorized redirect URIs",
			slog.String("redirect_url", redirectURL))
	}
	if err := presenter.Present(ctx, authURL); err != nil {
		return nil, fmt.Errorf("failed to present consent URL: %w", err)
	}

	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, err
	case <-time.After(p.opts.ConsentTimeout):
		return nil, fmt.Errorf("%w: no response received within %s", domain.ErrAuthDenied, p.opts.ConsentTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := p.store.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	cred := &Credential{Token: token}
	if p.opts.AccountLookup != nil {
		account, err := p.opts.AccountLookup(ctx, token)
		if err != nil {
			p.log.Warn("account lookup failed", slog.Any("err", err))
		}
		cred.Account = account
	}
	return cred, nil
}

// Refresh forces a refresh-token exchange, saving the new token.
func (p *OAuthProvider) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred == nil || cred.Token == nil {
		return nil, errors.New("no credential to refresh")
	}
	if cred.Token.RefreshToken == "" {
		return nil, errors.New("token has no refresh token")
	}

	// The token may still be technically valid; mark it expired so the
	// oauth2 refresher performs the exchange now.
	expired := *cred.Token
	expired.Expiry = time.Now().Add(-time.Minute)

	source := &autoSaveTokenSource{
		source:     p.config.TokenSource(ctx, &expired),
		tokenStore: p.store,
		lastToken:  cred.Token,
	}
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = cred.Token.RefreshToken
	}
	return &Credential{Token: token, Account: cred.Account}, nil
}

// SignOut removes the stored token.
func (p *OAuthProvider) SignOut(_ context.Context) error {
	return p.store.ClearToken()
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Returns the redirect URL, a channel for the authorization code, a channel
// for errors and a shutdown function. Falls back to a random port if addr is unavailable.
func startLocalServer(addr, state string) (string, <-chan string, <-chan error, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if code := q.Get("code"); code != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			select {
			case codeChan <- code:
			default:
			}
			return
		}

		errMsg := q.Get("error")
		if errMsg == "" {
			errMsg = "no authorization code received"
		}
		fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
		select {
		case errorChan <- fmt.Errorf("%w: %s", domain.ErrAuthDenied, errMsg):
		default:
		}
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case errorChan <- fmt.Errorf("server error: %w", err):
			default:
			}
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	return redirectURL, codeChan, errorChan, shutdown, nil
}

// WriterPresenter presents the consent URL by printing it, for terminal use.
type WriterPresenter struct {
	W io.Writer
}

// Present prints the consent URL.
func (p WriterPresenter) Present(_ context.Context, authURL string) error {
	_, err := fmt.Fprintf(p.W, "\nPlease visit the following URL to authorize the application:\n%s\n\nWaiting for authorization...\n", authURL)
	return err
}
