package csrf_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/formgate/pkg/csrf"
	"github.com/loanpilot/formgate/pkg/infra/backend/backendtest"
	"github.com/loanpilot/formgate/pkg/infra/cache"
	"github.com/loanpilot/formgate/pkg/infra/logger"
)

func TestIssueThenValidate(t *testing.T) {
	manager := csrf.NewManager(nil, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	token, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, manager.Validate(context.Background(), "sess-1", token))
	assert.True(t, manager.Validate(context.Background(), "sess-1", token), "validation must not consume the token")
}

func TestValidate_WrongSessionOrToken(t *testing.T) {
	manager := csrf.NewManager(nil, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	token, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.False(t, manager.Validate(context.Background(), "sess-2", token))
	assert.False(t, manager.Validate(context.Background(), "sess-1", "forged"))
	assert.False(t, manager.Validate(context.Background(), "", token))
	assert.False(t, manager.Validate(context.Background(), "sess-1", ""))
}

func TestValidate_ExpiredTokenFails(t *testing.T) {
	manager := csrf.NewManager(nil, logger.NewTestLogger(), cache.NewTTLMap(30*time.Millisecond))

	token, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, manager.Validate(context.Background(), "sess-1", token))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, manager.Validate(context.Background(), "sess-1", token))
}

func TestRotate_RetiresUsedToken(t *testing.T) {
	manager := csrf.NewManager(nil, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	first, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)

	second, err := manager.Rotate(context.Background(), "sess-1", first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.False(t, manager.Validate(context.Background(), "sess-1", first))
	assert.True(t, manager.Validate(context.Background(), "sess-1", second))
}

func TestIssue_PrefersBackendToken(t *testing.T) {
	svc := &backendtest.Fake{
		FetchCSRFTokenFn: func(context.Context, string) (string, error) {
			return "backend-token", nil
		},
	}
	manager := csrf.NewManager(svc, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	token, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "backend-token", token)
	assert.True(t, manager.Validate(context.Background(), "sess-1", token))
}

func TestIssue_FallsBackToLocalMint(t *testing.T) {
	svc := &backendtest.Fake{
		FetchCSRFTokenFn: func(context.Context, string) (string, error) {
			return "", errors.New("backend unreachable")
		},
	}
	manager := csrf.NewManager(svc, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	token, err := manager.Issue(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, manager.Validate(context.Background(), "sess-1", token))
}

func TestValidate_UnknownTokenChecksBackend(t *testing.T) {
	checked := false
	svc := &backendtest.Fake{
		ValidateCSRFTokenFn: func(_ context.Context, sessionID, token string) (bool, error) {
			checked = true
			return sessionID == "sess-1" && token == "replica-token", nil
		},
	}
	manager := csrf.NewManager(svc, logger.NewTestLogger(), cache.NewTTLMap(time.Hour))

	assert.True(t, manager.Validate(context.Background(), "sess-1", "replica-token"))
	require.True(t, checked)

	// Now cached locally, a second validation needs no round trip.
	checked = false
	assert.True(t, manager.Validate(context.Background(), "sess-1", "replica-token"))
	assert.False(t, checked)
}
