// Package session owns the access and refresh tokens and serializes token
// refreshes so that at most one is in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/breatheroute/netlayer/internal/events"
	"github.com/breatheroute/netlayer/internal/storage"
	"github.com/breatheroute/netlayer/internal/transport"
)

// Storage keys for persisted credentials.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Tokens is a credential pair returned by a refresh.
type Tokens struct {
	AccessToken string
	// RefreshToken is empty when the server did not rotate it.
	RefreshToken string
}

// Refresher exchanges a refresh token for new credentials. It must return
// transport.ErrSessionExpired when the refresh token is rejected.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// OfflineChecker reports the current connectivity belief.
type OfflineChecker interface {
	IsOffline() bool
}

// Config holds session manager configuration.
type Config struct {
	// Store persists the credentials; use a storage.SecureStore.
	Store storage.Store

	Refresher Refresher

	// Monitor short-circuits refreshes while offline. Optional.
	Monitor OfflineChecker

	// Bus receives SessionExpired events. Optional.
	Bus *events.Bus

	Logger zerolog.Logger
}

// Manager holds the session credentials. Tokens are hydrated from the store on
// first use and served from memory afterwards.
type Manager struct {
	config Config
	flight singleflight.Group

	mu           sync.Mutex
	initialized  bool
	accessToken  string
	refreshToken string
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	return &Manager{config: cfg}
}

// hydrate must be called with m.mu held.
func (m *Manager) hydrate(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	access, err := m.read(ctx, AccessTokenKey)
	if err != nil {
		return err
	}
	refresh, err := m.read(ctx, RefreshTokenKey)
	if err != nil {
		return err
	}

	m.accessToken = access
	m.refreshToken = refresh
	m.initialized = true
	return nil
}

func (m *Manager) read(ctx context.Context, key string) (string, error) {
	v, err := m.config.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return string(v), nil
}

func (m *Manager) write(ctx context.Context, key, value string) error {
	if value == "" {
		return m.config.Store.Remove(ctx, key)
	}
	return m.config.Store.Set(ctx, key, []byte(value))
}

// AccessToken returns the current access token, or "" when there is none.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hydrate(ctx); err != nil {
		return "", err
	}
	return m.accessToken, nil
}

// RefreshToken returns the current refresh token, or "" when there is none.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hydrate(ctx); err != nil {
		return "", err
	}
	return m.refreshToken, nil
}

// HasSession reports whether an access token is held.
func (m *Manager) HasSession(ctx context.Context) bool {
	token, err := m.AccessToken(ctx)
	return err == nil && token != ""
}

// SetTokens stores new credentials. A nil pointer leaves that token untouched;
// an empty string deletes it.
func (m *Manager) SetTokens(ctx context.Context, access, refresh *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hydrate(ctx); err != nil {
		return err
	}

	if access != nil {
		if err := m.write(ctx, AccessTokenKey, *access); err != nil {
			return fmt.Errorf("store access token: %w", err)
		}
		m.accessToken = *access
	}
	if refresh != nil {
		if err := m.write(ctx, RefreshTokenKey, *refresh); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
		m.refreshToken = *refresh
	}
	return nil
}

// RefreshAccessToken obtains a new access token. Concurrent callers share one
// refresh call. It fails immediately with a NetworkError wrapping
// transport.ErrOffline while the monitor believes the device is offline.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	if m.config.Monitor != nil && m.config.Monitor.IsOffline() {
		return "", &transport.NetworkError{Op: "refresh", Err: transport.ErrOffline}
	}

	v, err, shared := m.flight.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if shared {
		m.config.Logger.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	refreshToken, err := m.RefreshToken(ctx)
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		return "", transport.ErrSessionExpired
	}
	if m.config.Refresher == nil {
		return "", errors.New("session: no refresher configured")
	}

	tokens, err := m.config.Refresher.Refresh(ctx, refreshToken)
	if err != nil {
		m.config.Logger.Warn().Err(err).Msg("token refresh failed")
		return "", err
	}

	var rotated *string
	if tokens.RefreshToken != "" {
		rotated = &tokens.RefreshToken
	}
	if err := m.SetTokens(ctx, &tokens.AccessToken, rotated); err != nil {
		return "", err
	}

	m.config.Logger.Info().Bool("rotated", rotated != nil).Msg("access token refreshed")
	return tokens.AccessToken, nil
}

// HandleSessionExpired clears the credentials and publishes SessionExpired.
func (m *Manager) HandleSessionExpired(ctx context.Context) error {
	err := m.clear(ctx)
	m.config.Logger.Warn().Msg("session expired")
	if m.config.Bus != nil {
		m.config.Bus.SessionExpired.Publish(struct{}{})
	}
	return err
}

// Logout clears the credentials without publishing SessionExpired.
func (m *Manager) Logout(ctx context.Context) error {
	return m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessToken = ""
	m.refreshToken = ""
	m.initialized = true

	return errors.Join(
		m.config.Store.Remove(ctx, AccessTokenKey),
		m.config.Store.Remove(ctx, RefreshTokenKey),
	)
}

// AccessTokenExpiry returns the exp claim of the current access token. The
// signature is not verified; ok is false when the token is not a JWT or has no
// expiry.
func (m *Manager) AccessTokenExpiry(ctx context.Context) (time.Time, bool) {
	token, err := m.AccessToken(ctx)
	if err != nil || token == "" {
		return time.Time{}, false
	}
	return TokenExpiry(token)
}

// TokenExpiry reads the exp claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ValidAccessToken returns an access token that does not expire within skew,
// refreshing proactively when possible. If the refresh fails for any reason
// other than an expired session, the current token is returned.
func (m *Manager) ValidAccessToken(ctx context.Context, skew time.Duration) (string, error) {
	token, err := m.AccessToken(ctx)
	if err != nil || token == "" {
		return token, err
	}

	exp, ok := TokenExpiry(token)
	if !ok || time.Until(exp) > skew {
		return token, nil
	}
	if m.config.Monitor != nil && m.config.Monitor.IsOffline() {
		return token, nil
	}

	fresh, err := m.RefreshAccessToken(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrSessionExpired) {
			return "", err
		}
		m.config.Logger.Debug().Err(err).Msg("proactive refresh failed, using current token")
		return token, nil
	}
	return fresh, nil
}
