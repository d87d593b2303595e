package events

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/infra/backend"
)

// eventPayload is the subset of event payload fields the rule table reads.
// Payloads are backend-defined and open-ended; unknown keys are ignored.
type eventPayload struct {
	Identity     string  `mapstructure:"identity"`
	Endpoint     string  `mapstructure:"endpoint"`
	Resource     string  `mapstructure:"resource"`
	AnomalyScore float64 `mapstructure:"anomalyScore"`
}

func decodePayload(event backend.SecurityEvent) eventPayload {
	var payload eventPayload
	if event.Payload == nil {
		return payload
	}
	// Best effort: a malformed payload leaves the zero value and the rule
	// decides what to do with missing fields.
	_ = mapstructure.WeakDecode(event.Payload, &payload)
	return payload
}

// Rule pairs a predicate over a security event with a remedial action. Rules
// are evaluated in table order; each may fire at most once per event id.
type Rule struct {
	Name        string
	Description string
	Matches     func(event backend.SecurityEvent) bool
	Apply       func(ctx context.Context, svc backend.Service, logger *logrus.Logger, event backend.SecurityEvent) error
}

// DefaultRules is the canonical response table. Only the anomalous-session
// rule takes a hard remedial action; the rest flag for human attention. No
// rule auto-bans an identifier and no rule auto-approves an escalation.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "terminate_anomalous_session",
			Description: "invalidate sessions for an identity flagged with a high anomaly score",
			Matches: func(event backend.SecurityEvent) bool {
				if event.Type != "anomalous_session" {
					return false
				}
				return backend.SeverityAtLeast(event.Severity, "high")
			},
			Apply: func(ctx context.Context, svc backend.Service, logger *logrus.Logger, event backend.SecurityEvent) error {
				payload := decodePayload(event)
				if payload.Identity == "" {
					return fmt.Errorf("anomalous_session event %s carries no identity", event.ID)
				}
				count, err := svc.InvalidateSessions(ctx, payload.Identity, "automated response to anomalous session activity")
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"identity": payload.Identity,
					"count":    count,
				}).Warn("invalidated sessions for anomalous activity")
				return nil
			},
		},
		{
			Name:        "flag_rate_limit_abuse",
			Description: "log repeated rate-limit violations for an identifier, no automatic ban",
			Matches: func(event backend.SecurityEvent) bool {
				return event.Type == "rate_limit_exceeded"
			},
			Apply: func(_ context.Context, _ backend.Service, logger *logrus.Logger, event backend.SecurityEvent) error {
				payload := decodePayload(event)
				logger.WithFields(logrus.Fields{
					"identity": payload.Identity,
					"endpoint": payload.Endpoint,
					"severity": event.Severity,
				}).Warn("repeated rate limit violations flagged")
				return nil
			},
		},
		{
			Name:        "review_privilege_escalation",
			Description: "queue unauthorized or self-assigned escalation attempts for mandatory human review",
			Matches: func(event backend.SecurityEvent) bool {
				return event.Type == "privilege_escalation"
			},
			Apply: func(ctx context.Context, svc backend.Service, _ *logrus.Logger, event backend.SecurityEvent) error {
				_, err := svc.CreateAlert(ctx, backend.Alert{
					Type:     "privilege_escalation_review",
					Severity: "critical",
					Payload: map[string]interface{}{
						"sourceEventId":  event.ID,
						"identity":       decodePayload(event).Identity,
						"requiresReview": true,
					},
				})
				return err
			},
		},
		{
			Name:        "flag_sensitive_data_access",
			Description: "flag sensitive-data access outside an approved access path as anomalous",
			Matches: func(event backend.SecurityEvent) bool {
				return event.Type == "sensitive_data_access"
			},
			Apply: func(ctx context.Context, svc backend.Service, _ *logrus.Logger, event backend.SecurityEvent) error {
				payload := decodePayload(event)
				_, err := svc.CreateAlert(ctx, backend.Alert{
					Type:     "anomalous_data_access",
					Severity: "high",
					Payload: map[string]interface{}{
						"sourceEventId": event.ID,
						"identity":      payload.Identity,
						"resource":      payload.Resource,
					},
				})
				return err
			},
		},
	}
}
