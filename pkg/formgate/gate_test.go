package formgate_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/formgate/pkg/challenge"
	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/csrf"
	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/formgate"
	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/infra/backend/backendtest"
	"github.com/loanpilot/formgate/pkg/infra/cache"
	"github.com/loanpilot/formgate/pkg/infra/fieldcrypt"
	"github.com/loanpilot/formgate/pkg/infra/logger"
	"github.com/loanpilot/formgate/pkg/quota"
	"github.com/loanpilot/formgate/pkg/ratelimit"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type gateEnv struct {
	gate  *formgate.Gate
	csrf  *csrf.Manager
	clock *fakeClock
}

func newGateEnv(t *testing.T, svc backend.Service, limits config.RateLimitConfig) *gateEnv {
	t.Helper()
	log := logger.NewTestLogger()
	clock := &fakeClock{now: time.Unix(1740730536, 0)}

	store, err := ratelimit.NewFileStore(filepath.Join(t.TempDir(), "ratelimit.json"))
	require.NoError(t, err)
	limiter := ratelimit.NewSlidingWindowLimiter(store, log, &ratelimit.LimiterOpts{TimeProvider: clock.Now})

	manager := csrf.NewManager(nil, log, cache.NewTTLMap(time.Hour))

	gate := formgate.NewGate(formgate.Deps{
		Quota:     quota.NewClient(svc, log, &quota.ClientOpts{TimeProvider: clock.Now}),
		Limiter:   limiter,
		Verifier:  challenge.NewVerifier(log, &challenge.VerifierOpts{Seed: 42, GraceDelay: time.Millisecond}),
		CSRF:      manager,
		Crypt:     fieldcrypt.NewProvider(svc, "placeholder", log),
		Logger:    log,
		Limits:    limits,
		Sensitive: []string{"ssn", "tax_id", "account_number", "routing_number"},
		Pending:   cache.NewTTLMap(10 * time.Minute),
	})
	return &gateEnv{gate: gate, csrf: manager, clock: clock}
}

func defaultLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxRequests:   5,
		Window:        time.Minute,
		BlockDuration: 30 * time.Minute,
	}
}

func (e *gateEnv) token(t *testing.T) string {
	t.Helper()
	token, err := e.csrf.Issue(context.Background(), "sess-1")
	require.NoError(t, err)
	return token
}

func (e *gateEnv) submit(t *testing.T, token string, fields map[string]string) formgate.Result {
	t.Helper()
	return e.gate.Submit(context.Background(), formgate.Submission{
		Endpoint:     "/contact",
		Identity:     "user-1",
		SessionID:    "sess-1",
		SessionToken: "tok-1",
		CSRFToken:    token,
		Fields:       fields,
	})
}

// solve parses "a <op> b" and answers it.
func solve(t *testing.T, question string) string {
	t.Helper()
	parts := strings.Fields(question)
	require.Len(t, parts, 3)
	a, err := strconv.Atoi(parts[0])
	require.NoError(t, err)
	b, err := strconv.Atoi(parts[2])
	require.NoError(t, err)
	switch parts[1] {
	case "+":
		return strconv.Itoa(a + b)
	case "-":
		return strconv.Itoa(a - b)
	default:
		return strconv.Itoa(a * b)
	}
}

func TestSubmit_AllowedSealsSensitiveFields(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{
		"name": "Ada",
		"ssn":  "123-45-6789",
	})
	require.True(t, result.Allowed, "errors: %v", result.Errors)
	assert.Equal(t, "Ada", result.Fields["name"])
	assert.NotEqual(t, "123-45-6789", result.Fields["ssn"], "ssn must be sealed")
	assert.NotEmpty(t, result.Fields["ssn"])
	assert.False(t, result.Degraded)

	require.NotEmpty(t, result.NextCSRFToken)
	assert.True(t, env.csrf.Validate(context.Background(), "sess-1", result.NextCSRFToken))
}

func TestSubmit_RotationRetiresUsedToken(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	token := env.token(t)
	result := env.submit(t, token, map[string]string{"name": "Ada"})
	require.True(t, result.Allowed)

	assert.False(t, env.csrf.Validate(context.Background(), "sess-1", token))
}

func TestSubmit_RemoteQuotaDenies(t *testing.T) {
	svc := &backendtest.Fake{
		CheckRateLimitFn: func(context.Context, backend.RateLimitRequest) (*backend.RateLimitDecision, error) {
			return &backend.RateLimitDecision{Allowed: false, BlockDuration: 120, Message: "slow down"}, nil
		},
	}
	env := newGateEnv(t, svc, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{"name": "Ada"})
	assert.False(t, result.Allowed)
	assert.Equal(t, 120, result.BlockSeconds)
	assert.Equal(t, "slow down", result.Message)
}

func TestSubmit_InvalidCSRFRejected(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	result := env.submit(t, "forged-token", map[string]string{"name": "Ada"})
	assert.False(t, result.Allowed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "csrf")
}

func TestSubmit_ResidualXSSRejected(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{
		"comment": "javascript:alert(document.cookie)",
	})
	assert.False(t, result.Allowed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "comment")
}

func TestSubmit_StrippedMarkupStillAllowed(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{
		"comment": "<b>hello</b> world",
	})
	require.True(t, result.Allowed)
	assert.Equal(t, "hello world", result.Fields["comment"])
}

func TestSubmit_TypedValidation(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{
		"email": "not-an-address",
		"phone": "call me",
	})
	assert.False(t, result.Allowed)
	assert.Len(t, result.Errors, 2)
}

func TestSubmit_DegradedSealingWhenKeyUnavailable(t *testing.T) {
	svc := &backendtest.Fake{
		IssueEncryptionKeyFn: func(context.Context, string) ([]byte, error) {
			return nil, errors.New("key service down")
		},
	}
	env := newGateEnv(t, svc, defaultLimits())

	result := env.submit(t, env.token(t), map[string]string{"ssn": "123-45-6789"})
	require.True(t, result.Allowed)
	assert.True(t, result.Degraded, "placeholder sealing is an explicit, visible degradation")
	assert.NotEqual(t, "123-45-6789", result.Fields["ssn"])
}

// Backend unreachable: remote quota is inconclusive, the local limiter takes
// over, escalates to a challenge, and a solved challenge unblocks the user.
func TestSubmit_LimiterFallbackWithChallengeRecovery(t *testing.T) {
	svc := &backendtest.Fake{
		CheckRateLimitFn: func(context.Context, backend.RateLimitRequest) (*backend.RateLimitDecision, error) {
			return nil, errors.New("backend unreachable")
		},
	}
	env := newGateEnv(t, svc, config.RateLimitConfig{
		MaxRequests:   2,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})

	token := env.token(t)
	for i := 0; i < 2; i++ {
		result := env.submit(t, token, map[string]string{"name": "Ada"})
		require.True(t, result.Allowed, "submission %d should pass", i+1)
		token = result.NextCSRFToken
	}

	// First violation: denied with the base block, no challenge yet.
	result := env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	assert.Equal(t, 60, result.BlockSeconds)
	assert.Empty(t, result.ChallengeID)

	// Wait out the block and the window, refill, then trip a second
	// violation: the challenge appears.
	env.clock.Advance(61 * time.Second)
	for i := 0; i < 2; i++ {
		result = env.submit(t, token, map[string]string{"name": "Ada"})
		require.True(t, result.Allowed)
		token = result.NextCSRFToken
	}
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	require.NotEmpty(t, result.ChallengeID, "second violation must offer a challenge")
	require.NotEmpty(t, result.ChallengeQuestion)

	// Solve it: violations are forgiven and the block lifts.
	solved, err := env.gate.SolveChallenge(context.Background(), "user-1", "/contact", result.ChallengeID, solve(t, result.ChallengeQuestion))
	require.NoError(t, err)
	require.True(t, solved.Correct)

	// The window still holds the recent submissions until it slides.
	env.clock.Advance(61 * time.Second)
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	assert.True(t, result.Allowed, "post-solve submission must not wait out the original block")
}

func TestSolveChallenge_WrongAnswerServesFreshProblem(t *testing.T) {
	svc := &backendtest.Fake{
		CheckRateLimitFn: func(context.Context, backend.RateLimitRequest) (*backend.RateLimitDecision, error) {
			return nil, errors.New("backend unreachable")
		},
	}
	env := newGateEnv(t, svc, config.RateLimitConfig{
		MaxRequests:   1,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})

	token := env.token(t)
	result := env.submit(t, token, map[string]string{"name": "Ada"})
	require.True(t, result.Allowed)
	token = result.NextCSRFToken

	// Two quick violations to surface the challenge.
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	env.clock.Advance(61 * time.Second)
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.True(t, result.Allowed)
	token = result.NextCSRFToken
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	require.NotEmpty(t, result.ChallengeID)

	graded, err := env.gate.SolveChallenge(context.Background(), "user-1", "/contact", result.ChallengeID, "999999")
	require.NoError(t, err)
	assert.False(t, graded.Correct)
	assert.Equal(t, 2, graded.AttemptsRemaining)
	assert.NotEmpty(t, graded.Question, "wrong answer must serve a fresh problem")
}

func TestSolveChallenge_ExhaustionIsTerminal(t *testing.T) {
	svc := &backendtest.Fake{
		CheckRateLimitFn: func(context.Context, backend.RateLimitRequest) (*backend.RateLimitDecision, error) {
			return nil, errors.New("backend unreachable")
		},
	}
	env := newGateEnv(t, svc, config.RateLimitConfig{
		MaxRequests:   1,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})

	token := env.token(t)
	result := env.submit(t, token, map[string]string{"name": "Ada"})
	require.True(t, result.Allowed)
	token = result.NextCSRFToken

	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	env.clock.Advance(61 * time.Second)
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.True(t, result.Allowed)
	token = result.NextCSRFToken
	result = env.submit(t, token, map[string]string{"name": "Ada"})
	require.False(t, result.Allowed)
	require.NotEmpty(t, result.ChallengeID)

	for i := 0; i < 2; i++ {
		graded, err := env.gate.SolveChallenge(context.Background(), "user-1", "/contact", result.ChallengeID, "999999")
		require.NoError(t, err)
		require.False(t, graded.Correct)
	}

	graded, err := env.gate.SolveChallenge(context.Background(), "user-1", "/contact", result.ChallengeID, "999999")
	require.Error(t, err)
	var exhausted *domain.ExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, result.ChallengeID, exhausted.ChallengeID)
	assert.True(t, graded.Exhausted)
	assert.Zero(t, graded.AttemptsRemaining)
}

func TestSolveChallenge_NoPending(t *testing.T) {
	env := newGateEnv(t, &backendtest.Fake{}, defaultLimits())
	_, err := env.gate.SolveChallenge(context.Background(), "user-1", "/contact", "nope", "4")
	assert.Error(t, err)
}
