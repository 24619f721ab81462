package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/opsmanual/sopsync/internal/store"
)

// driveFileScope grants access only to files this application creates.
const driveFileScope = "https://www.googleapis.com/auth/drive.file"

// defaultRevokeURL is the identity provider's token revocation endpoint.
const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// defaultAuthTimeout bounds every non-interactive auth round trip (silent
// refresh, revocation). Interactive sign-in is bounded separately by
// loginTimeout. Callers must get a clear error, never an indefinite hang.
const defaultAuthTimeout = 30 * time.Second

// State is the lifecycle position of the managed session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

// Lifecycle errors. Both unwrap to store.ErrAuthFailure so adapters and the
// orchestrator classify them without importing this package's details.
var (
	ErrNotLoggedIn    = fmt.Errorf("auth: not signed in (run 'sopsync login'): %w", store.ErrAuthFailure)
	ErrSessionExpired = fmt.Errorf("auth: session expired and cannot be refreshed (run 'sopsync login'): %w", store.ErrAuthFailure)
)

// Manager owns the session lifecycle for the folder-store backend:
// Unauthenticated → Authenticating → Authenticated → Expired → Unauthenticated.
// A valid cached session short-circuits interactive sign-in; an expired one
// is refreshed silently when a refresh token exists, otherwise discarded.
// Implements httpx.TokenSource.
type Manager struct {
	cfg         *oauth2.Config
	sessions    SessionStore
	logger      *slog.Logger
	revokeURL   string
	authTimeout time.Duration
	httpClient  *http.Client

	mu     sync.Mutex
	state  State
	tok    *oauth2.Token
	loaded bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint overrides the identity provider endpoints (tests).
func WithEndpoint(ep oauth2.Endpoint, revokeURL string) Option {
	return func(m *Manager) {
		m.cfg.Endpoint = ep
		m.revokeURL = revokeURL
	}
}

// WithHTTPClient sets the HTTP client used for token exchange and revocation.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithAuthTimeout overrides the bound on non-interactive auth round trips.
func WithAuthTimeout(d time.Duration) Option {
	return func(m *Manager) { m.authTimeout = d }
}

// NewManager creates a session lifecycle manager. sessions persistence is
// injected so the lifecycle is testable without touching disk or Redis.
func NewManager(clientID string, sessions SessionStore, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Scopes:   []string{driveFileScope},
			Endpoint: google.Endpoint,
		},
		sessions:    sessions,
		logger:      logger,
		revokeURL:   defaultRevokeURL,
		authTimeout: defaultAuthTimeout,
		state:       StateUnauthenticated,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current lifecycle state without touching the session.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// SessionExpiry returns the cached session's expiry instant, or zero when no
// session is cached. Diagnostic only (status command).
func (m *Manager) SessionExpiry(ctx context.Context) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(ctx); err != nil || m.tok == nil {
		return time.Time{}
	}

	return m.tok.Expiry
}

// Token returns a valid access token, refreshing silently when the cached
// session is expired but refreshable. A session past its expiry is never
// reused. Returns ErrNotLoggedIn when no session exists and
// ErrSessionExpired when the session cannot be refreshed — interactive
// sign-in (Login) is required in both cases.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(ctx); err != nil {
		return "", err
	}

	if m.tok == nil {
		m.state = StateUnauthenticated
		return "", ErrNotLoggedIn
	}

	if m.tok.Valid() {
		m.state = StateAuthenticated
		return m.tok.AccessToken, nil
	}

	// Past expiry: the cached access token is dead. Discard or refresh.
	m.state = StateExpired
	m.logger.Info("session expired", slog.Time("expiry", m.tok.Expiry))

	if m.tok.RefreshToken == "" {
		m.discardSession(ctx)
		return "", ErrSessionExpired
	}

	return m.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token for a new session. Called with
// m.mu held.
func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	m.state = StateAuthenticating

	refreshCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	if m.httpClient != nil {
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, m.httpClient)
	}

	newTok, err := m.cfg.TokenSource(refreshCtx, m.tok).Token()
	if err != nil {
		m.state = StateExpired
		return "", fmt.Errorf("auth: refreshing session: %w: %w", store.ErrAuthFailure, err)
	}

	// The provider may omit the refresh token on renewal; keep the old one.
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = m.tok.RefreshToken
	}

	m.tok = newTok
	m.state = StateAuthenticated

	if saveErr := m.sessions.Save(ctx, newTok); saveErr != nil {
		// A failed persist costs one extra refresh next run, nothing more.
		m.logger.Warn("failed to persist refreshed session", slog.String("error", saveErr.Error()))
	} else {
		m.logger.Info("session refreshed", slog.Time("expiry", newTok.Expiry))
	}

	return newTok.AccessToken, nil
}

// ensureLoaded populates the in-memory session from the SessionStore once.
// Called with m.mu held.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	tok, err := m.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("auth: loading session: %w: %w", store.ErrAuthFailure, err)
	}

	m.tok = tok
	m.loaded = true

	if tok != nil {
		m.logger.Debug("loaded saved session",
			slog.Time("expiry", tok.Expiry),
			slog.Bool("expired", !tok.Valid()),
		)
	}

	return nil
}

// discardSession drops the cached session locally and from the store.
// Called with m.mu held.
func (m *Manager) discardSession(ctx context.Context) {
	m.tok = nil
	m.state = StateUnauthenticated

	if err := m.sessions.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear stored session", slog.String("error", err.Error()))
	}
}

// Logout forcibly clears the session regardless of state and revokes it with
// the identity provider when reachable. Revocation is best-effort — a revoke
// failure never blocks local clearing.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(ctx); err == nil && m.tok != nil {
		m.revoke(ctx, m.tok)
	}

	m.tok = nil
	m.loaded = true
	m.state = StateUnauthenticated

	if err := m.sessions.Clear(ctx); err != nil {
		return err
	}

	m.logger.Info("signed out, session cleared")

	return nil
}

// revoke notifies the identity provider that the session's tokens are dead.
func (m *Manager) revoke(ctx context.Context, tok *oauth2.Token) {
	revokeCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	target := tok.RefreshToken
	if target == "" {
		target = tok.AccessToken
	}

	form := url.Values{"token": {target}}

	req, err := http.NewRequestWithContext(revokeCtx, http.MethodPost, m.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Warn("building revoke request failed", slog.String("error", err.Error()))
		return
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		m.logger.Warn("session revocation unreachable, clearing locally anyway",
			slog.String("error", err.Error()))
		return
	}

	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.logger.Warn("session revocation rejected",
			slog.Int("status", resp.StatusCode))
		return
	}

	m.logger.Info("session revoked with identity provider")
}
