package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/config"
	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
)

// elevationThresholds maps an access level to the minimum trust score that
// satisfies it without a backend round trip.
var elevationThresholds = map[string]int{
	"normal":   70,
	"elevated": 85,
	"critical": 95,
}

// Engine owns the trust state for one authenticated session. It verifies the
// session against the backend on a fixed cadence and derives a risk level
// from the returned score and anomaly count.
//
// Policy: fail closed. A verification that cannot complete leaves the session
// unverified with score zero; sensitive operations stay locked until a
// verification succeeds.
type Engine struct {
	svc       backend.Service
	logger    *logrus.Logger
	identity  string
	device    string
	collector *BehaviorCollector
	cfg       config.TrustConfig

	timeProvider    func() time.Time
	onForcedSignOut func(reason string)

	mu   sync.Mutex
	snap Snapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type EngineOpts struct {
	TimeProvider func() time.Time
	// OnForcedSignOut runs whenever the engine transitions to the invalid
	// state, including on a backend terminate-sessions directive.
	OnForcedSignOut func(reason string)
	Collector       *BehaviorCollector
}

func NewEngine(svc backend.Service, logger *logrus.Logger, identity, deviceFingerprint string, cfg config.TrustConfig, opts *EngineOpts) *Engine {
	e := &Engine{
		svc:          svc,
		logger:       logger,
		identity:     identity,
		device:       deviceFingerprint,
		collector:    NewBehaviorCollector(),
		cfg:          cfg,
		timeProvider: time.Now,
		snap: Snapshot{
			State:             StateUnverified,
			RiskLevel:         RiskCritical,
			DeviceFingerprint: deviceFingerprint,
		},
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			e.timeProvider = opts.TimeProvider
		}
		if opts.Collector != nil {
			e.collector = opts.Collector
		}
		e.onForcedSignOut = opts.OnForcedSignOut
	}
	return e
}

// Collector exposes the behavioral counters fed into each verification.
func (e *Engine) Collector() *BehaviorCollector {
	return e.collector
}

// Snapshot returns a copy of the current trust state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// IsVerified reports whether the session currently clears the minimum trust
// score. Any non-verified state, including a failed verification, answers
// false.
func (e *Engine) IsVerified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.State == StateVerified && e.snap.TrustScore >= e.cfg.MinTrustScore
}

// Verify runs one verification round trip against the backend. The invalid
// state is terminal: once a session is invalidated only re-authentication
// (a new engine) recovers it.
func (e *Engine) Verify(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	if e.snap.State == StateInvalid {
		snap := e.snap
		e.mu.Unlock()
		return snap, fmt.Errorf("session for %s: %w", e.identity, domain.ErrStaleState)
	}
	e.snap.State = StateVerifying
	e.mu.Unlock()

	result, err := e.svc.VerifySession(ctx, backend.VerifySessionRequest{
		Identity:    e.identity,
		Fingerprint: e.device,
		Metrics:     e.collector.Snapshot(),
		Timestamp:   e.timeProvider().Unix(),
	})
	if err != nil {
		e.logger.WithError(err).WithField("identity", e.identity).Warn("session verification failed, treating session as unverified")
		e.mu.Lock()
		e.snap.State = StateUnverified
		e.snap.TrustScore = 0
		e.snap.RiskLevel = RiskCritical
		e.snap.Anomalies = nil
		snap := e.snap
		e.mu.Unlock()
		e.publishMetrics(snap)
		return snap, err
	}

	if !result.SessionValid {
		snap := e.invalidate("session reported invalid by backend")
		return snap, nil
	}

	e.mu.Lock()
	e.snap.State = StateVerified
	e.snap.TrustScore = result.TrustScore
	e.snap.RiskLevel = deriveRiskLevel(result.TrustScore, len(result.Anomalies))
	e.snap.Anomalies = result.Anomalies
	e.snap.SessionValid = true
	e.snap.LastVerifiedAt = e.timeProvider()
	snap := e.snap
	e.mu.Unlock()
	e.publishMetrics(snap)

	if result.Action == backend.ActionTerminateSessions {
		snap = e.invalidate("backend requested session termination")
	}
	return snap, nil
}

// ElevateAccess requests the given access level. A current score at or above
// the level's threshold succeeds locally; otherwise the backend decides
// whether step-up verification grants it.
func (e *Engine) ElevateAccess(ctx context.Context, level string) (bool, error) {
	threshold, ok := elevationThresholds[level]
	if !ok {
		return false, fmt.Errorf("unknown access level %q", level)
	}

	e.mu.Lock()
	current := e.snap.TrustScore
	state := e.snap.State
	e.mu.Unlock()

	if state == StateInvalid {
		return false, fmt.Errorf("session for %s: %w", e.identity, domain.ErrStaleState)
	}
	if state == StateVerified && current >= threshold {
		return true, nil
	}

	result, err := e.svc.ElevateAccess(ctx, backend.ElevateAccessRequest{
		CurrentScore:  current,
		RequiredLevel: level,
		Fingerprint:   e.device,
	})
	if err != nil {
		e.logger.WithError(err).WithField("level", level).Warn("access elevation failed")
		return false, err
	}
	if !result.Success {
		return false, nil
	}

	e.mu.Lock()
	e.snap.TrustScore = result.NewTrustScore
	e.snap.RiskLevel = deriveRiskLevel(result.NewTrustScore, len(e.snap.Anomalies))
	snap := e.snap
	e.mu.Unlock()
	e.publishMetrics(snap)

	e.logger.WithFields(logrus.Fields{
		"identity": e.identity,
		"level":    level,
		"method":   result.Method,
	}).Info("access elevated")
	return true, nil
}

// Start launches the verification and session-watchdog loops. It verifies
// once immediately, then re-verifies on the configured interval. The
// watchdog invalidates the session if no verification has succeeded for a
// full session-check interval.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.verifyLoop(ctx)
	go e.watchdogLoop(ctx)
}

// Stop cancels the background loops and waits for them to exit.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

func (e *Engine) verifyLoop(ctx context.Context) {
	defer e.wg.Done()

	if _, err := e.Verify(ctx); err != nil {
		e.logger.WithError(err).Debug("initial verification failed")
	}

	ticker := time.NewTicker(e.cfg.VerifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Snapshot().State == StateInvalid {
				return
			}
			if _, err := e.Verify(ctx); err != nil {
				e.logger.WithError(err).Debug("periodic verification failed")
			}
		}
	}
}

func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SessionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.Snapshot()
			if snap.State == StateInvalid {
				return
			}
			if snap.LastVerifiedAt.IsZero() || e.timeProvider().Sub(snap.LastVerifiedAt) >= e.cfg.SessionCheckInterval {
				e.invalidate("no successful verification within the session check interval")
				return
			}
		}
	}
}

// invalidate moves the engine to its terminal state and notifies the forced
// sign-out hook exactly once.
func (e *Engine) invalidate(reason string) Snapshot {
	e.mu.Lock()
	if e.snap.State == StateInvalid {
		snap := e.snap
		e.mu.Unlock()
		return snap
	}
	e.snap.State = StateInvalid
	e.snap.TrustScore = 0
	e.snap.RiskLevel = RiskCritical
	e.snap.SessionValid = false
	snap := e.snap
	e.mu.Unlock()
	e.publishMetrics(snap)

	e.logger.WithFields(logrus.Fields{
		"identity": e.identity,
		"reason":   reason,
	}).Warn("session invalidated")

	if e.onForcedSignOut != nil {
		e.onForcedSignOut(reason)
	}
	return snap
}

func (e *Engine) publishMetrics(snap Snapshot) {
	prometheus.TrustScore.WithLabelValues(e.identity).Set(float64(snap.TrustScore))
	prometheus.RiskLevel.WithLabelValues(e.identity).Set(float64(snap.RiskLevel))
}
