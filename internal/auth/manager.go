package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/synthlabs/pepo/internal/errors"
	"github.com/synthlabs/pepo/internal/metrics"
	"github.com/synthlabs/pepo/internal/platform/correlation"
)

const (
	// manageTick is the cadence of the background management loop.
	manageTick = 30 * time.Second
	// validateEvery is the sparser sub-tick at which the token is validated
	// against the platform.
	validateEvery = 300 * time.Second
	// refreshMargin is the remaining lifetime below which a refresh is due.
	refreshMargin = 600 * time.Second
)

// Observer is notified with a copy of the credential after every change.
// Observers must not call back into the Manager.
type Observer func(Token)

// PromptFunc surfaces the device flow verification URL and user code to the
// user, e.g. by displaying them in the UI shell.
type PromptFunc func(verificationURI, userCode string)

// Manager is the credential engine. It is the sole mutator of the token;
// everything else reads snapshots.
type Manager struct {
	id     *IDClient
	clock  clockwork.Clock
	prompt PromptFunc

	mu        sync.Mutex
	token     *Token
	observers []Observer

	fatal chan error
}

// NewManager creates a Manager. prompt may be nil if the caller has no way to
// display the verification URL (tests).
func NewManager(id *IDClient, clock clockwork.Clock, prompt PromptFunc) *Manager {
	return &Manager{
		id:     id,
		clock:  clock,
		prompt: prompt,
		fatal:  make(chan error, 1),
	}
}

// Token returns a snapshot of the current credential.
func (m *Manager) Token() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return Token{}, false
	}
	return *m.token, true
}

// SetToken installs a previously persisted credential, e.g. at startup from
// the token store. Observers are not notified; they learn about this token
// when it is first refreshed.
func (m *Manager) SetToken(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = &tok
}

// Subscribe registers an observer for credential changes. Observers are
// invoked in registration order.
func (m *Manager) Subscribe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Fatal delivers the authorization error that ended the management loop.
// The receiver is expected to restart the authorization flow from scratch.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

func (m *Manager) setAndNotify(tok Token) {
	m.mu.Lock()
	m.token = &tok
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(tok)
	}
}

// Acquire runs the device-authorization flow: it surfaces the verification
// URL through the prompt callback and polls until the user completes sign-in
// or the code expires. Expired codes and denied requests are fatal to this
// call and returned, never retried.
func (m *Manager) Acquire(ctx context.Context) (Token, error) {
	authz, err := m.id.StartDeviceAuth(ctx, DefaultScopes)
	if err != nil {
		return Token{}, fmt.Errorf("failed to start device flow: %w", err)
	}

	slog.InfoContext(ctx, "device flow started", "verification_uri", authz.VerificationURI, "expires_in", authz.ExpiresIn)
	if m.prompt != nil {
		m.prompt(authz.VerificationURI, authz.UserCode)
	}

	grant, err := m.id.PollDeviceToken(ctx, m.clock, authz)
	if err != nil {
		return Token{}, err
	}

	// The grant carries no identity; validation fills in who the token is for.
	info, err := m.id.Validate(ctx, grant.AccessToken)
	if err != nil {
		return Token{}, fmt.Errorf("freshly granted token failed validation: %w", err)
	}

	tok := Token{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		UserID:       info.UserID,
		Login:        info.Login,
		Scopes:       grant.Scopes,
		Lifetime:     grant.ExpiresIn,
		ObservedAt:   m.clock.Now(),
	}
	m.setAndNotify(tok)

	slog.InfoContext(ctx, "device flow completed", "login", tok.Login, "user_id", tok.UserID)
	return tok, nil
}

// Validate asks the platform whether the current credential is still
// accepted and recomputes its remaining lifetime from the answer.
func (m *Manager) Validate(ctx context.Context) error {
	tok, ok := m.Token()
	if !ok {
		return apperrors.AuthorizationError("no credential to validate", nil)
	}

	info, err := m.id.Validate(ctx, tok.AccessToken)
	if err != nil {
		metrics.TokenValidationsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.TokenValidationsTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	if m.token != nil && m.token.AccessToken == tok.AccessToken {
		m.token.UserID = info.UserID
		m.token.Login = info.Login
		m.token.Lifetime = info.ExpiresIn
		m.token.ObservedAt = m.clock.Now()
	}
	m.mu.Unlock()

	return nil
}

// Refresh exchanges the refresh token for a new access token and notifies
// observers. A failed refresh means the credential is dead; the caller must
// fall back to Acquire.
func (m *Manager) Refresh(ctx context.Context) error {
	tok, ok := m.Token()
	if !ok {
		return apperrors.AuthorizationError("no credential to refresh", nil)
	}

	grant, err := m.id.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()

	next := Token{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		UserID:       tok.UserID,
		Login:        tok.Login,
		Scopes:       grant.Scopes,
		Lifetime:     grant.ExpiresIn,
		ObservedAt:   m.clock.Now(),
	}
	m.setAndNotify(next)

	slog.InfoContext(ctx, "token refreshed", "expires_in", next.Lifetime)
	return nil
}

// Manage is the background credential loop. It blocks until ctx is cancelled
// or an authorization failure ends the authenticated session, in which case
// the error is delivered on Fatal before returning.
func (m *Manager) Manage(ctx context.Context) {
	ticker := m.clock.NewTicker(manageTick)
	defer ticker.Stop()

	lastValidation := m.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		tickCtx := correlation.WithNewID(ctx)

		if m.clock.Now().Sub(lastValidation) >= validateEvery {
			slog.DebugContext(tickCtx, "validating token")
			if err := m.Validate(tickCtx); err != nil {
				m.failAuth(tickCtx, fmt.Errorf("scheduled validation failed: %w", err))
				return
			}
			lastValidation = m.clock.Now()
		}

		tok, ok := m.Token()
		if !ok {
			continue
		}

		expiresIn := tok.ExpiresIn(m.clock.Now())
		metrics.TokenExpirySeconds.Set(expiresIn.Seconds())

		if expiresIn < refreshMargin {
			slog.InfoContext(tickCtx, "refreshing token", "expires_in", expiresIn)
			if err := m.Refresh(tickCtx); err != nil {
				m.failAuth(tickCtx, fmt.Errorf("scheduled refresh failed: %w", err))
				return
			}
		}
	}
}

func (m *Manager) failAuth(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "credential engine stopping, re-authorization required", "error", err)
	select {
	case m.fatal <- err:
	default:
	}
}
