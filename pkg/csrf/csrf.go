// Package csrf manages the session-scoped set of anti-forgery tokens
// attached to form submissions.
package csrf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/infra/cache"
)

// Manager issues and validates CSRF tokens. A session may hold several
// live tokens at once (multiple open tabs); each expires independently.
// Validation is non-consuming: the same in-flight token may be checked
// repeatedly until it expires or is rotated away.
type Manager struct {
	svc    backend.Service
	logger *logrus.Logger
	tokens *cache.TTLMap
}

// NewManager builds a manager over the given token store. svc may be nil,
// in which case tokens are minted and checked locally only.
func NewManager(svc backend.Service, logger *logrus.Logger, tokens *cache.TTLMap) *Manager {
	return &Manager{svc: svc, logger: logger, tokens: tokens}
}

// Issue mints a token for the session. The backend-issued token is
// preferred so server-rendered forms agree with us; on backend failure a
// locally generated token is used instead.
func (m *Manager) Issue(ctx context.Context, sessionID string) (string, error) {
	token, err := m.fetchOrMint(ctx, sessionID)
	if err != nil {
		return "", err
	}
	m.tokens.Set(tokenKey(sessionID, token), struct{}{})
	return token, nil
}

// Validate reports whether the token is currently live for the session.
// A token unknown locally is checked against the backend before rejecting,
// so a token issued to another replica of this process still validates.
func (m *Manager) Validate(ctx context.Context, sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	if _, ok := m.tokens.Get(tokenKey(sessionID, token)); ok {
		return true
	}
	if m.svc == nil {
		return false
	}
	valid, err := m.svc.ValidateCSRFToken(ctx, sessionID, token)
	if err != nil {
		m.logger.WithError(err).WithField("sessionId", sessionID).Warn("remote csrf validation failed")
		return false
	}
	if valid {
		m.tokens.Set(tokenKey(sessionID, token), struct{}{})
	}
	return valid
}

// Rotate retires the used token and issues a replacement for the next
// submission.
func (m *Manager) Rotate(ctx context.Context, sessionID, usedToken string) (string, error) {
	m.tokens.Delete(tokenKey(sessionID, usedToken))
	return m.Issue(ctx, sessionID)
}

func (m *Manager) fetchOrMint(ctx context.Context, sessionID string) (string, error) {
	if m.svc != nil {
		token, err := m.svc.FetchCSRFToken(ctx, sessionID)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil {
			m.logger.WithError(err).WithField("sessionId", sessionID).Warn("falling back to locally minted csrf token")
		}
	}
	return mintToken()
}

func mintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to mint csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func tokenKey(sessionID, token string) string {
	return sessionID + ":" + token
}
