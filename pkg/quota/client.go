package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/ratelimit"
)

// Decision is the quota client's answer for one action.
type Decision struct {
	Allowed bool

	// Conclusive is false when the backend could not be reached and the
	// allow is only a fail-open default. Callers fall back to the local
	// limiter in that case; a conclusive allow needs no fallback.
	Conclusive bool

	// BlockSeconds is the remaining wait when denied.
	BlockSeconds int

	Message string
}

type blockState struct {
	until   time.Time
	message string
}

// Client asks the backend rate-limit decision endpoint and caches deny
// state per identity and endpoint so repeated submissions during a block
// do not re-query. A cached block clears itself once its wall-clock expiry
// passes, and never leaks across identities or endpoints.
//
// Policy: fail open. This is a defense-in-depth layer in front of the local
// limiter, and availability wins over strict enforcement here.
type Client struct {
	svc          backend.Service
	logger       *logrus.Logger
	timeProvider func() time.Time

	mu     sync.Mutex
	blocks map[string]blockState
}

type ClientOpts struct {
	TimeProvider func() time.Time
}

func NewClient(svc backend.Service, logger *logrus.Logger, opts *ClientOpts) *Client {
	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	return &Client{
		svc:          svc,
		logger:       logger,
		timeProvider: timeProvider,
		blocks:       make(map[string]blockState),
	}
}

// Check consults the backend for one action. A cached, still-active block
// for the same identity and endpoint answers locally without a round trip.
func (c *Client) Check(ctx context.Context, endpoint, identity, action string) Decision {
	now := c.timeProvider()
	key := ratelimit.RecordKey(identity, endpoint)

	c.mu.Lock()
	if block, ok := c.blocks[key]; ok {
		if block.until.After(now) {
			c.mu.Unlock()
			return Decision{
				Allowed:      false,
				Conclusive:   true,
				BlockSeconds: ceilSeconds(block.until.Sub(now)),
				Message:      block.message,
			}
		}
		// Countdown elapsed: drop the stale block before asking again.
		delete(c.blocks, key)
	}
	c.mu.Unlock()

	decision, err := c.svc.CheckRateLimit(ctx, backend.RateLimitRequest{
		Endpoint:   endpoint,
		Identifier: identity,
		Action:     action,
	})
	if err != nil {
		c.logger.WithError(err).WithField("endpoint", endpoint).Warn("remote rate limit check failed, allowing request")
		return Decision{Allowed: true, Conclusive: false}
	}

	if decision.Allowed {
		return Decision{Allowed: true, Conclusive: true, Message: decision.Message}
	}

	blockDuration := time.Duration(decision.BlockDuration) * time.Second
	if blockDuration <= 0 && decision.ResetTime > 0 {
		blockDuration = time.Unix(decision.ResetTime, 0).Sub(now)
	}
	if blockDuration > 0 {
		c.mu.Lock()
		c.blocks[key] = blockState{
			until:   now.Add(blockDuration),
			message: decision.Message,
		}
		c.mu.Unlock()
	}

	return Decision{
		Allowed:      false,
		Conclusive:   true,
		BlockSeconds: ceilSeconds(blockDuration),
		Message:      decision.Message,
	}
}

// BlockRemainingSeconds exposes the live countdown for one identity and
// endpoint, for the UI. Zero when no block is active.
func (c *Client) BlockRemainingSeconds(identity, endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.blocks[ratelimit.RecordKey(identity, endpoint)]
	if !ok {
		return 0
	}
	remaining := block.until.Sub(c.timeProvider())
	if remaining <= 0 {
		return 0
	}
	return ceilSeconds(remaining)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
