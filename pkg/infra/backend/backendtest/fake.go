// Package backendtest provides a configurable in-memory backend.Service for
// component tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/loanpilot/formgate/pkg/infra/backend"
)

// Fake implements backend.Service. Zero value behaves like a healthy,
// permissive backend; override the Fn fields to script responses. All
// remedial calls are recorded for assertions.
type Fake struct {
	CheckRateLimitFn     func(ctx context.Context, req backend.RateLimitRequest) (*backend.RateLimitDecision, error)
	VerifySessionFn      func(ctx context.Context, req backend.VerifySessionRequest) (*backend.VerificationResult, error)
	ElevateAccessFn      func(ctx context.Context, req backend.ElevateAccessRequest) (*backend.ElevationResult, error)
	InvalidateSessionsFn func(ctx context.Context, targetIdentity, reason string) (int, error)
	CreateAlertFn        func(ctx context.Context, alert backend.Alert) (string, error)
	IssueEncryptionKeyFn func(ctx context.Context, sessionToken string) ([]byte, error)
	FetchCSRFTokenFn     func(ctx context.Context, sessionID string) (string, error)
	ValidateCSRFTokenFn  func(ctx context.Context, sessionID, token string) (bool, error)

	mu              sync.Mutex
	rateLimitCalls  int
	verifyCalls     int
	invalidations   []Invalidation
	alerts          []backend.Alert
	elevationCalls  int
	issuedKeyCalls  int
	csrfTokenCalls  int
	csrfChecksCalls int
}

type Invalidation struct {
	TargetIdentity string
	Reason         string
}

func (f *Fake) CheckRateLimit(ctx context.Context, req backend.RateLimitRequest) (*backend.RateLimitDecision, error) {
	f.mu.Lock()
	f.rateLimitCalls++
	f.mu.Unlock()
	if f.CheckRateLimitFn != nil {
		return f.CheckRateLimitFn(ctx, req)
	}
	return &backend.RateLimitDecision{Allowed: true}, nil
}

func (f *Fake) VerifySession(ctx context.Context, req backend.VerifySessionRequest) (*backend.VerificationResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	if f.VerifySessionFn != nil {
		return f.VerifySessionFn(ctx, req)
	}
	return &backend.VerificationResult{TrustScore: 100, SessionValid: true}, nil
}

func (f *Fake) ElevateAccess(ctx context.Context, req backend.ElevateAccessRequest) (*backend.ElevationResult, error) {
	f.mu.Lock()
	f.elevationCalls++
	f.mu.Unlock()
	if f.ElevateAccessFn != nil {
		return f.ElevateAccessFn(ctx, req)
	}
	return &backend.ElevationResult{Success: false}, nil
}

func (f *Fake) InvalidateSessions(ctx context.Context, targetIdentity, reason string) (int, error) {
	f.mu.Lock()
	f.invalidations = append(f.invalidations, Invalidation{TargetIdentity: targetIdentity, Reason: reason})
	f.mu.Unlock()
	if f.InvalidateSessionsFn != nil {
		return f.InvalidateSessionsFn(ctx, targetIdentity, reason)
	}
	return 1, nil
}

func (f *Fake) CreateAlert(ctx context.Context, alert backend.Alert) (string, error) {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert)
	f.mu.Unlock()
	if f.CreateAlertFn != nil {
		return f.CreateAlertFn(ctx, alert)
	}
	return "alert-1", nil
}

func (f *Fake) IssueEncryptionKey(ctx context.Context, sessionToken string) ([]byte, error) {
	f.mu.Lock()
	f.issuedKeyCalls++
	f.mu.Unlock()
	if f.IssueEncryptionKeyFn != nil {
		return f.IssueEncryptionKeyFn(ctx, sessionToken)
	}
	key := make([]byte, 32)
	return key, nil
}

func (f *Fake) FetchCSRFToken(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	f.csrfTokenCalls++
	f.mu.Unlock()
	if f.FetchCSRFTokenFn != nil {
		return f.FetchCSRFTokenFn(ctx, sessionID)
	}
	return "csrf-token", nil
}

func (f *Fake) ValidateCSRFToken(ctx context.Context, sessionID, token string) (bool, error) {
	f.mu.Lock()
	f.csrfChecksCalls++
	f.mu.Unlock()
	if f.ValidateCSRFTokenFn != nil {
		return f.ValidateCSRFTokenFn(ctx, sessionID, token)
	}
	return true, nil
}

func (f *Fake) RateLimitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimitCalls
}

func (f *Fake) VerifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

func (f *Fake) Invalidations() []Invalidation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invalidation(nil), f.invalidations...)
}

func (f *Fake) Alerts() []backend.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Alert(nil), f.alerts...)
}
