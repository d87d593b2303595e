package ratelimit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/formgate/pkg/infra/logger"
	"github.com/loanpilot/formgate/pkg/ratelimit"
)

var contactConfig = ratelimit.Config{
	MaxRequests:   5,
	Window:        time.Minute,
	BlockDuration: 30 * time.Minute,
}

func newTestLimiter(t *testing.T, clock *fakeClock) *ratelimit.SlidingWindowLimiter {
	t.Helper()
	store, err := ratelimit.NewFileStore(filepath.Join(t.TempDir(), "ratelimit.json"))
	require.NoError(t, err)
	return ratelimit.NewSlidingWindowLimiter(store, logger.NewTestLogger(), &ratelimit.LimiterOpts{
		TimeProvider: clock.Now,
	})
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestCheckLimit_AllowsUpToMaxRequests(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	for i := 0; i < 5; i++ {
		result := limiter.CheckLimit(context.Background(), "user-1", "/contact", contactConfig)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		clock.Advance(time.Second)
	}

	result := limiter.CheckLimit(context.Background(), "user-1", "/contact", contactConfig)
	assert.False(t, result.Allowed)
	assert.Equal(t, 1800, result.BlockSeconds)
	assert.False(t, result.ShowChallenge)
}

func TestCheckLimit_BlockPersistsUntilExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	for i := 0; i < 6; i++ {
		limiter.CheckLimit(context.Background(), "user-1", "/contact", contactConfig)
	}

	clock.Advance(10 * time.Minute)
	result := limiter.CheckLimit(context.Background(), "user-1", "/contact", contactConfig)
	assert.False(t, result.Allowed)
	assert.Equal(t, 1200, result.BlockSeconds)

	clock.Advance(21 * time.Minute)
	result = limiter.CheckLimit(context.Background(), "user-1", "/contact", contactConfig)
	assert.True(t, result.Allowed, "block and window both expired")
}

func TestCheckLimit_EscalationIsMonotonicAndCapped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Hour, BlockDuration: time.Minute}

	result := limiter.CheckLimit(context.Background(), "user-2", "/apply", cfg)
	require.True(t, result.Allowed)

	expected := []int{60, 120, 240, 480, 480, 480}
	var previous int
	for i, want := range expected {
		result = limiter.CheckLimit(context.Background(), "user-2", "/apply", cfg)
		require.False(t, result.Allowed)
		assert.Equal(t, want, result.BlockSeconds, "violation %d", i+1)
		assert.GreaterOrEqual(t, result.BlockSeconds, previous)
		previous = result.BlockSeconds

		// Wait out the block (window still holds the original request).
		clock.Advance(time.Duration(result.BlockSeconds)*time.Second + time.Millisecond)
	}
}

func TestCheckLimit_ChallengeFlagsEscalate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Hour, BlockDuration: time.Second}
	limiter.CheckLimit(context.Background(), "user-3", "/contact", cfg)

	// First violation: no challenge yet.
	result := limiter.CheckLimit(context.Background(), "user-3", "/contact", cfg)
	assert.False(t, result.ShowChallenge)
	assert.False(t, result.ChallengeRequired)

	clock.Advance(2 * time.Second)
	result = limiter.CheckLimit(context.Background(), "user-3", "/contact", cfg)
	assert.True(t, result.ShowChallenge)
	assert.False(t, result.ChallengeRequired)

	clock.Advance(5 * time.Second)
	result = limiter.CheckLimit(context.Background(), "user-3", "/contact", cfg)
	assert.True(t, result.ShowChallenge)
	assert.True(t, result.ChallengeRequired)
}

func TestResolveChallenge_ForgivesViolationsNotOccupancy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig).Allowed)
	}
	// Two violations to trigger the challenge flag.
	limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig)
	clock.Advance(31 * time.Minute)
	// Window slid but a fresh burst re-blocks with violation 2.
	for i := 0; i < 5; i++ {
		require.True(t, limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig).Allowed)
	}
	result := limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig)
	require.False(t, result.Allowed)
	require.True(t, result.ShowChallenge)

	limiter.ResolveChallenge(context.Background(), "user-4", "/contact")

	// Still inside the request window: occupancy is not forgiven, so the
	// next call is denied again, but from a clean violation count.
	result = limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig)
	assert.False(t, result.Allowed)
	assert.False(t, result.ShowChallenge)

	limiter.ResolveChallenge(context.Background(), "user-4", "/contact")
	clock.Advance(61 * time.Second)
	result = limiter.CheckLimit(context.Background(), "user-4", "/contact", contactConfig)
	assert.True(t, result.Allowed, "allowed without waiting out the 30m block")
}

func TestCheckLimit_CorruptStorageFailsOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store, err := ratelimit.NewFileStore(path)
	require.NoError(t, err)
	limiter := ratelimit.NewSlidingWindowLimiter(store, logger.NewTestLogger(), nil)

	result := limiter.CheckLimit(context.Background(), "user-5", "/contact", contactConfig)
	assert.True(t, result.Allowed)
}

func TestCheckLimit_SeparateKeysDoNotInterfere(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1740730536, 0)}
	limiter := newTestLimiter(t, clock)

	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Minute}
	require.True(t, limiter.CheckLimit(context.Background(), "user-6", "/contact", cfg).Allowed)
	require.False(t, limiter.CheckLimit(context.Background(), "user-6", "/contact", cfg).Allowed)

	assert.True(t, limiter.CheckLimit(context.Background(), "user-6", "/apply", cfg).Allowed)
	assert.True(t, limiter.CheckLimit(context.Background(), "user-7", "/contact", cfg).Allowed)
}
