// Package formgate orchestrates the per-submission security pipeline:
// quota, local rate limiting with challenge escalation, CSRF, sanitization,
// typed validation and sensitive-field sealing.
package formgate

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/challenge"
	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/csrf"
	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/infra/cache"
	"github.com/loanpilot/formgate/pkg/infra/fieldcrypt"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
	"github.com/loanpilot/formgate/pkg/quota"
	"github.com/loanpilot/formgate/pkg/ratelimit"
	"github.com/loanpilot/formgate/pkg/sanitize"
)

// Submission is one gated form submit.
type Submission struct {
	Endpoint     string
	Identity     string
	SessionID    string
	SessionToken string
	CSRFToken    string
	Fields       map[string]string
}

// Result is the gate's decision. When denied, exactly one of BlockSeconds,
// ChallengeQuestion or Errors explains why. Fields carries the sanitized
// (and, for sensitive names, sealed) values only on an allowed submission.
type Result struct {
	Allowed bool
	Errors  []string

	BlockSeconds int
	Message      string

	ChallengeRequired bool
	ChallengeID       string
	ChallengeQuestion string

	Fields        map[string]string
	NextCSRFToken string

	// Degraded is set when sensitive fields were sealed with the placeholder
	// key because the backend could not issue session key material.
	Degraded bool
}

// Gate wires the submission pipeline together. The remote quota check is
// primary; the local limiter is the fallback when the remote answer is
// inconclusive. Layering both is intentional defense in depth.
type Gate struct {
	quota    *quota.Client
	limiter  *ratelimit.SlidingWindowLimiter
	verifier *challenge.Verifier
	csrf     *csrf.Manager
	crypt    *fieldcrypt.Provider
	logger   *logrus.Logger

	limits    config.RateLimitConfig
	sensitive map[string]struct{}

	// pending holds the open challenge per identity+endpoint. TTL-bound so an
	// abandoned challenge does not pin the submission forever.
	pending *cache.TTLMap
}

type Deps struct {
	Quota     *quota.Client
	Limiter   *ratelimit.SlidingWindowLimiter
	Verifier  *challenge.Verifier
	CSRF      *csrf.Manager
	Crypt     *fieldcrypt.Provider
	Logger    *logrus.Logger
	Limits    config.RateLimitConfig
	Sensitive []string
	Pending   *cache.TTLMap
}

func NewGate(deps Deps) *Gate {
	sensitive := make(map[string]struct{}, len(deps.Sensitive))
	for _, name := range deps.Sensitive {
		sensitive[name] = struct{}{}
	}
	return &Gate{
		quota:     deps.Quota,
		limiter:   deps.Limiter,
		verifier:  deps.Verifier,
		csrf:      deps.CSRF,
		crypt:     deps.Crypt,
		logger:    deps.Logger,
		limits:    deps.Limits,
		sensitive: sensitive,
		pending:   deps.Pending,
	}
}

// Submit runs the full pipeline for one form submission.
func (g *Gate) Submit(ctx context.Context, sub Submission) Result {
	// Remote quota first; it is authoritative when it answers.
	decision := g.quota.Check(ctx, sub.Endpoint, sub.Identity, "submit")
	if !decision.Allowed {
		prometheus.SubmissionsDenied.WithLabelValues(sub.Endpoint, "remote_quota").Inc()
		prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "denied").Inc()
		return Result{
			Allowed:      false,
			BlockSeconds: decision.BlockSeconds,
			Message:      decision.Message,
		}
	}

	// Local limiter backs up an inconclusive remote answer.
	if !decision.Conclusive {
		check := g.limiter.CheckLimit(ctx, sub.Identity, sub.Endpoint, g.limitFor(sub.Endpoint))
		if !check.Allowed {
			prometheus.SubmissionsDenied.WithLabelValues(sub.Endpoint, "rate_limit").Inc()
			prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "denied").Inc()
			result := Result{
				Allowed:           false,
				BlockSeconds:      check.BlockSeconds,
				ChallengeRequired: check.ChallengeRequired,
				Message:           "too many submissions, please wait",
			}
			if check.ShowChallenge {
				c := g.challengeFor(sub.Identity, sub.Endpoint, check.ChallengeRequired)
				result.ChallengeID = c.ID
				result.ChallengeQuestion = c.Question()
			}
			return result
		}
	}

	if !g.csrf.Validate(ctx, sub.SessionID, sub.CSRFToken) {
		prometheus.SubmissionsDenied.WithLabelValues(sub.Endpoint, "csrf").Inc()
		prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "denied").Inc()
		return Result{Allowed: false, Errors: []string{"invalid or missing csrf token"}}
	}

	cleaned, errs := g.cleanFields(sub.Fields)
	if len(errs) > 0 {
		prometheus.SubmissionsDenied.WithLabelValues(sub.Endpoint, "validation").Inc()
		prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "denied").Inc()
		return Result{Allowed: false, Errors: errs}
	}

	sealed, degraded, err := g.sealSensitive(ctx, sub.SessionToken, cleaned)
	if err != nil {
		prometheus.SubmissionsDenied.WithLabelValues(sub.Endpoint, "encryption").Inc()
		prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "denied").Inc()
		return Result{Allowed: false, Errors: []string{"unable to protect sensitive fields"}}
	}

	next, err := g.csrf.Rotate(ctx, sub.SessionID, sub.CSRFToken)
	if err != nil {
		g.logger.WithError(err).WithField("sessionId", sub.SessionID).Warn("csrf rotation failed")
	}

	prometheus.SubmissionsTotal.WithLabelValues(sub.Endpoint, "allowed").Inc()
	return Result{
		Allowed:       true,
		Fields:        sealed,
		NextCSRFToken: next,
		Degraded:      degraded,
	}
}

// SolveChallenge grades an answer against the pending challenge for the
// identity+endpoint. A correct answer forgives the limiter's accumulated
// violations and lifts the active block. Running out of attempts returns the
// final result together with a domain.ExhaustionError; the caller must
// cancel or defer the gated action, never retry.
func (g *Gate) SolveChallenge(ctx context.Context, identity, endpoint, challengeID, answer string) (challenge.Result, error) {
	key := ratelimit.RecordKey(identity, endpoint)
	value, ok := g.pending.Get(key)
	if !ok {
		return challenge.Result{}, fmt.Errorf("no pending challenge for %s", endpoint)
	}
	c := value.(*challenge.Challenge)
	if c.ID != challengeID {
		return challenge.Result{}, fmt.Errorf("challenge %s is no longer active", challengeID)
	}

	result := g.verifier.Submit(c, answer, func() {
		g.pending.Delete(key)
	})

	switch {
	case result.Correct:
		prometheus.ChallengeOutcomes.WithLabelValues("correct").Inc()
		g.limiter.ResolveChallenge(ctx, identity, endpoint)
		g.pending.Delete(key)
	case result.Exhausted:
		prometheus.ChallengeOutcomes.WithLabelValues("exhausted").Inc()
		return result, &domain.ExhaustionError{ChallengeID: c.ID}
	default:
		prometheus.ChallengeOutcomes.WithLabelValues("incorrect").Inc()
	}
	return result, nil
}

// PendingChallenge returns the open challenge for the identity+endpoint, if
// any.
func (g *Gate) PendingChallenge(identity, endpoint string) (*challenge.Challenge, bool) {
	value, ok := g.pending.Get(ratelimit.RecordKey(identity, endpoint))
	if !ok {
		return nil, false
	}
	return value.(*challenge.Challenge), true
}

// challengeFor returns the open challenge for the key, generating one if
// none is pending. Difficulty escalates once the challenge becomes
// mandatory.
func (g *Gate) challengeFor(identity, endpoint string, required bool) *challenge.Challenge {
	key := ratelimit.RecordKey(identity, endpoint)
	if value, ok := g.pending.Get(key); ok {
		return value.(*challenge.Challenge)
	}
	difficulty := challenge.Medium
	if required {
		difficulty = challenge.Hard
	}
	c := g.verifier.Generate(difficulty)
	g.pending.Set(key, c)
	return c
}

func (g *Gate) cleanFields(fields map[string]string) (map[string]string, []string) {
	cleaned := make(map[string]string, len(fields))
	var errs []string

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := sanitize.Field(fields[name])
		if sanitize.HasResidualXSS(value) {
			errs = append(errs, fmt.Sprintf("field %q contains disallowed content", name))
			continue
		}
		if err := sanitize.ValidateTyped(name, value); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		cleaned[name] = value
	}
	return cleaned, errs
}

func (g *Gate) sealSensitive(ctx context.Context, sessionToken string, fields map[string]string) (map[string]string, bool, error) {
	needsSealing := false
	for name := range fields {
		if _, ok := g.sensitive[name]; ok {
			needsSealing = true
			break
		}
	}
	if !needsSealing {
		return fields, false, nil
	}

	enc, err := g.crypt.ForSession(ctx, sessionToken)
	if err != nil {
		return nil, false, err
	}
	if enc.Degraded {
		g.logger.WithField("sessionToken", "redacted").Warn("sealing sensitive fields with degraded placeholder key")
	}

	sealed := make(map[string]string, len(fields))
	for name, value := range fields {
		if _, ok := g.sensitive[name]; !ok || value == "" {
			sealed[name] = value
			continue
		}
		ciphertext, err := enc.Encrypt(value)
		if err != nil {
			return nil, enc.Degraded, err
		}
		sealed[name] = ciphertext
	}
	return sealed, enc.Degraded, nil
}

func (g *Gate) limitFor(endpoint string) ratelimit.Config {
	cfg := ratelimit.Config{
		MaxRequests:   g.limits.MaxRequests,
		Window:        g.limits.Window,
		BlockDuration: g.limits.BlockDuration,
	}
	if override, ok := g.limits.Endpoints[endpoint]; ok {
		if override.MaxRequests > 0 {
			cfg.MaxRequests = override.MaxRequests
		}
		if override.Window > 0 {
			cfg.Window = override.Window
		}
		if override.BlockDuration > 0 {
			cfg.BlockDuration = override.BlockDuration
		}
	}
	return cfg
}
