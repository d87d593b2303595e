package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/loanpilot/formgate/pkg/domain/errors"
)

// maxEscalationFactor caps progressive backoff at 8x the base duration.
const maxEscalationFactor = 8

// Config is the active policy for one endpoint.
type Config struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

// CheckResult is the limiter's decision for one request.
type CheckResult struct {
	Allowed bool

	// BlockSeconds is the remaining wait, rounded up, when denied.
	BlockSeconds int

	// ShowChallenge is set from the second violation on; the caller should
	// offer a challenge instead of a bare wait.
	ShowChallenge bool

	// ChallengeRequired is set from the third violation on; the caller must
	// not retry without a solved challenge.
	ChallengeRequired bool

	Remaining int
}

// SlidingWindowLimiter enforces per-(identity, endpoint) request quotas with
// progressive block escalation. Concurrent checks for the same key are
// serialized through a per-key mutex so overlapping read-modify-write cycles
// cannot under-count violations.
type SlidingWindowLimiter struct {
	store        RecordStore
	logger       *logrus.Logger
	timeProvider func() time.Time

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

type LimiterOpts struct {
	TimeProvider func() time.Time
}

func NewSlidingWindowLimiter(store RecordStore, logger *logrus.Logger, opts *LimiterOpts) *SlidingWindowLimiter {
	timeProvider := time.Now
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	return &SlidingWindowLimiter{
		store:        store,
		logger:       logger,
		timeProvider: timeProvider,
		keys:         make(map[string]*sync.Mutex),
	}
}

// CheckLimit decides whether this request may proceed and updates the
// record. Storage failures are logged and treated as an empty record: the
// limiter is a defense-in-depth layer and fails open.
func (l *SlidingWindowLimiter) CheckLimit(ctx context.Context, identity, endpoint string, cfg Config) CheckResult {
	key := RecordKey(identity, endpoint)

	keyMu := l.lockFor(key)
	keyMu.Lock()
	defer keyMu.Unlock()

	record, err := l.store.Load(ctx, key)
	if err != nil {
		var se *domain.StorageError
		if errors.As(err, &se) {
			l.logger.WithError(err).WithField("key", key).Warn("rate limit storage unreadable, starting from empty record")
		}
		record = &Record{}
	}

	now := l.timeProvider().UnixMilli()

	if now < record.BlockUntil {
		return CheckResult{
			Allowed:           false,
			BlockSeconds:      ceilSeconds(record.BlockUntil - now),
			ShowChallenge:     record.Violations >= 2,
			ChallengeRequired: record.Violations >= 3,
		}
	}

	record.prune(now - cfg.Window.Milliseconds())

	if len(record.Requests) >= cfg.MaxRequests {
		record.Violations++
		delay := escalatedBlock(cfg.BlockDuration, record.Violations)
		record.BlockUntil = now + delay.Milliseconds()
		l.persist(ctx, key, record)

		return CheckResult{
			Allowed:           false,
			BlockSeconds:      ceilSeconds(delay.Milliseconds()),
			ShowChallenge:     record.Violations >= 2,
			ChallengeRequired: record.Violations >= 3,
		}
	}

	record.Requests = append(record.Requests, now)
	l.persist(ctx, key, record)

	return CheckResult{
		Allowed:   true,
		Remaining: cfg.MaxRequests - len(record.Requests),
	}
}

// ResolveChallenge forgives accumulated violations and lifts the active
// block after a successful challenge. The request window is deliberately
// kept: forgiving violations is not the same as forgetting occupancy, so a
// still-full window denies the next request (without re-blocking) until it
// slides.
func (l *SlidingWindowLimiter) ResolveChallenge(ctx context.Context, identity, endpoint string) {
	key := RecordKey(identity, endpoint)

	keyMu := l.lockFor(key)
	keyMu.Lock()
	defer keyMu.Unlock()

	record, err := l.store.Load(ctx, key)
	if err != nil {
		record = &Record{}
	}
	record.Violations = 0
	record.BlockUntil = 0
	l.persist(ctx, key, record)
}

func (l *SlidingWindowLimiter) persist(ctx context.Context, key string, record *Record) {
	if err := l.store.Save(ctx, key, record); err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("failed to persist rate limit record")
	}
}

func (l *SlidingWindowLimiter) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.keys[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.keys[key] = m
	return m
}

// escalatedBlock doubles the base duration per prior violation, capped at
// 8x: base, 2x, 4x, 8x, 8x, ...
func escalatedBlock(base time.Duration, violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	factor := math.Min(math.Pow(2, float64(violations-1)), maxEscalationFactor)
	return time.Duration(float64(base) * factor)
}

func ceilSeconds(ms int64) int {
	return int(math.Ceil(float64(ms) / 1000.0))
}
