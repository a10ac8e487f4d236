// Package session owns the client-side authenticated identity: the
// access/refresh token pair, the user decoded from the access token, periodic
// token refresh, and the login/logout/register operations. Everything else in
// the client reads the current identity through this package.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"madrasa/pkg/api"
	"madrasa/pkg/pendingaction"
	"madrasa/pkg/storage"
)

// StorageKey is the key the manager owns inside the durable client storage.
const StorageKey = "authTokens"

// DefaultRefreshInterval is how often the background loop refreshes the token
// pair while a session exists.
const DefaultRefreshInterval = 4 * time.Minute

const sessionExpiredMessage = "Your session has expired. Please sign in again."

const enrichTimeout = 5 * time.Second

// Session is the authenticated identity. It is either fully absent or carries
// both tokens and the decoded user; consumers never observe a partial update.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         User
}

// Manager maintains the session, keeps the access token fresh, and exposes
// the auth operations. All methods are safe for concurrent use.
type Manager struct {
	api     *api.Client
	store   *storage.Store
	pending *pendingaction.Store
	log     zerolog.Logger

	refreshInterval time.Duration
	now             func() time.Time
	observeRefresh  func(error)

	mu          sync.Mutex
	session     *Session
	message     string
	refreshing  bool
	initialized bool
	stopRefresh chan struct{}
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRefreshInterval overrides the background refresh cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshObserver registers a callback invoked after every refresh network
// attempt with its outcome. Used for metrics.
func WithRefreshObserver(fn func(error)) Option {
	return func(m *Manager) { m.observeRefresh = fn }
}

// NewManager returns a Manager backed by the given API client and durable
// storage. pending may be nil when pending-action resumption is not wanted.
func NewManager(client *api.Client, store *storage.Store, pending *pendingaction.Store, opts ...Option) *Manager {
	m := &Manager{
		api:             client,
		store:           store,
		pending:         pending,
		log:             zerolog.Nop(),
		refreshInterval: DefaultRefreshInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize restores a persisted session on startup. An unexpired access
// token is adopted as-is; an expired one gets exactly one refresh attempt; on
// any failure the persisted state is cleared and the session stays empty.
// Initialize runs at most once per Manager; later calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	var stored api.TokenPair
	ok, err := m.store.Get(StorageKey, &stored)
	if err != nil {
		m.log.Warn().Err(err).Msg("read persisted tokens")
		_ = m.store.Delete(StorageKey)
		return nil
	}
	if !ok || stored.Access == "" || stored.Refresh == "" {
		return nil
	}

	user, expiry, err := decodeAccessToken(stored.Access)
	if err != nil {
		m.log.Warn().Err(err).Msg("persisted access token is malformed")
		_ = m.store.Delete(StorageKey)
		return nil
	}

	if m.now().Before(expiry) {
		m.install(stored, user)
		go m.enrich(stored.Access, user.ID)
		return nil
	}

	if _, err := m.refresh(ctx, stored.Refresh, true); err != nil {
		// Startup refresh failures are silent; the user simply starts
		// logged out.
		m.log.Info().Err(err).Msg("startup refresh failed, clearing session")
		_ = m.store.Delete(StorageKey)
		m.mu.Lock()
		m.stopRefreshLoopLocked()
		m.session = nil
		m.mu.Unlock()
	}
	return nil
}

// Login authenticates with the backend and returns the destination the caller
// should navigate to: the resumed pending action if one is fresh, otherwise
// the role default. On failure the extracted message is retained for display.
func (m *Manager) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	pair, err := m.api.Login(ctx, email, password)
	if err != nil {
		m.setMessage(api.ErrorMessage(err))
		return "", fmt.Errorf("login: %w", err)
	}

	user, err := m.adopt(pair)
	if err != nil {
		m.setMessage(api.ErrorMessage(err))
		return "", fmt.Errorf("login: %w", err)
	}
	m.setMessage("")

	if m.pending != nil {
		if action, ok, err := m.pending.Get(); err == nil && ok && action.Type.Known() {
			if err := m.pending.Clear(); err != nil {
				m.log.Warn().Err(err).Msg("clear pending action")
			}
			return action.Destination(), nil
		}
	}
	return user.Role.Destination(), nil
}

// Logout clears the persisted tokens and the in-memory session. It is safe to
// call with no session and always returns the home destination.
func (m *Manager) Logout() string {
	m.mu.Lock()
	m.stopRefreshLoopLocked()
	m.session = nil
	m.message = ""
	m.mu.Unlock()

	if err := m.store.Delete(StorageKey); err != nil {
		m.log.Warn().Err(err).Msg("clear persisted tokens")
	}
	return "/"
}

// Register creates an account and returns the login destination. It does not
// log the user in, and it leaves any pending action in place so the intent
// survives through the subsequent login.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) (string, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if err := m.api.Register(ctx, req); err != nil {
		m.setMessage(api.ErrorMessage(err))
		return "", fmt.Errorf("register: %w", err)
	}
	m.setMessage("")
	return "/login", nil
}

// Refresh rotates the token pair. Only one refresh may be in flight; a call
// that finds one outstanding reports performed == false without touching the
// network. A refresh with no available refresh token forces a logout.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	return m.refresh(ctx, "", false)
}

// Current returns a snapshot of the session, reporting false when logged out.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// AccessToken returns the current access token for consumers that
// authenticate their own connections, such as the notification channel.
func (m *Manager) AccessToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	return m.session.AccessToken, true
}

// Message returns the current user-facing message, empty when there is none.
func (m *Manager) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// Close stops the background refresh loop without touching persisted state.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRefreshLoopLocked()
}

func (m *Manager) refresh(ctx context.Context, override string, startup bool) (bool, error) {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return false, nil
	}
	m.refreshing = true
	token := override
	if token == "" && m.session != nil {
		token = m.session.RefreshToken
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	if token == "" {
		m.forceLogout("")
		return false, errors.New("session: no refresh token available")
	}

	pair, err := m.api.Refresh(ctx, token)
	if m.observeRefresh != nil {
		m.observeRefresh(err)
	}
	if err != nil {
		if startup {
			return true, fmt.Errorf("refresh: %w", err)
		}
		m.forceLogout(sessionExpiredMessage)
		return true, fmt.Errorf("refresh: %w", err)
	}

	if _, err := m.adopt(pair); err != nil {
		if !startup {
			m.forceLogout(sessionExpiredMessage)
		}
		return true, fmt.Errorf("refresh: %w", err)
	}
	return true, nil
}

// adopt decodes, persists, and installs a token pair. The in-memory session is
// replaced as a whole, never field by field.
func (m *Manager) adopt(pair api.TokenPair) (User, error) {
	user, _, err := decodeAccessToken(pair.Access)
	if err != nil {
		return User{}, err
	}
	if err := m.store.Put(StorageKey, pair); err != nil {
		return User{}, fmt.Errorf("persist tokens: %w", err)
	}
	m.install(pair, user)
	go m.enrich(pair.Access, user.ID)
	return user, nil
}

func (m *Manager) install(pair api.TokenPair, user User) {
	m.mu.Lock()
	m.session = &Session{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		User:         user,
	}
	m.startRefreshLoopLocked()
	m.mu.Unlock()
}

// enrich augments the decoded user with profile fields. Best effort: a
// failure never disturbs the session.
func (m *Manager) enrich(accessToken string, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	profile, err := m.api.User(ctx, accessToken, userID)
	if err != nil {
		m.log.Debug().Err(err).Int64("user_id", userID).Msg("profile enrichment skipped")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.AccessToken != accessToken {
		return
	}
	updated := *m.session
	updated.User.AvatarURL = profile.Detail.ProfileImage
	if updated.User.FirstName == "" {
		updated.User.FirstName = profile.FirstName
	}
	if updated.User.LastName == "" {
		updated.User.LastName = profile.LastName
	}
	m.session = &updated
}

func (m *Manager) forceLogout(message string) {
	m.mu.Lock()
	m.stopRefreshLoopLocked()
	m.session = nil
	m.message = message
	m.mu.Unlock()

	if err := m.store.Delete(StorageKey); err != nil {
		m.log.Warn().Err(err).Msg("clear persisted tokens")
	}
}

func (m *Manager) setMessage(message string) {
	m.mu.Lock()
	m.message = message
	m.mu.Unlock()
}

// startRefreshLoopLocked arms the periodic refresh, replacing any loop that is
// already running so a session swap never leaves two tickers behind.
func (m *Manager) startRefreshLoopLocked() {
	m.stopRefreshLoopLocked()
	stop := make(chan struct{})
	m.stopRefresh = stop

	go func() {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := m.Refresh(context.Background()); err != nil {
					m.log.Debug().Err(err).Msg("background refresh failed")
				}
			}
		}
	}()
}

func (m *Manager) stopRefreshLoopLocked() {
	if m.stopRefresh != nil {
		close(m.stopRefresh)
		m.stopRefresh = nil
	}
}
