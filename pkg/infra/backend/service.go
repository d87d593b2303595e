package backend

import "context"

//go:generate mockery --name=Service --dir=. --output=../../../mocks --filename=backend_service_mock.go --case=underscore --with-expecter

// Service is the opaque hosted backend the security kit calls. Every method
// returns a *domain.TransportError on network or backend failure so callers
// can apply their own fail-open or fail-closed policy.
type Service interface {
	CheckRateLimit(ctx context.Context, req RateLimitRequest) (*RateLimitDecision, error)
	VerifySession(ctx context.Context, req VerifySessionRequest) (*VerificationResult, error)
	ElevateAccess(ctx context.Context, req ElevateAccessRequest) (*ElevationResult, error)
	InvalidateSessions(ctx context.Context, targetIdentity, reason string) (int, error)
	CreateAlert(ctx context.Context, alert Alert) (string, error)
	IssueEncryptionKey(ctx context.Context, sessionToken string) ([]byte, error)
	FetchCSRFToken(ctx context.Context, sessionID string) (string, error)
	ValidateCSRFToken(ctx context.Context, sessionID, token string) (bool, error)
}
