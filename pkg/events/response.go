package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
)

// ResponseEngine evaluates the rule table in order against each event.
// Actions for one event run sequentially; a failing action never stops
// evaluation of the remaining rules for that event.
type ResponseEngine struct {
	svc    backend.Service
	logger *logrus.Logger
	rules  []Rule
}

func NewResponseEngine(svc backend.Service, logger *logrus.Logger, rules []Rule) *ResponseEngine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &ResponseEngine{svc: svc, logger: logger, rules: rules}
}

// Handle runs every matching rule against the event. Each fired rule also
// emits an automated_security_response alert for the audit trail.
func (e *ResponseEngine) Handle(ctx context.Context, event backend.SecurityEvent) {
	for _, rule := range e.rules {
		if !rule.Matches(event) {
			continue
		}

		entry := e.logger.WithFields(logrus.Fields{
			"rule":     rule.Name,
			"eventId":  event.ID,
			"type":     event.Type,
			"severity": event.Severity,
		})

		if err := e.apply(ctx, rule, event); err != nil {
			entry.WithError(err).Error("response rule action failed")
			prometheus.RulesFired.WithLabelValues(rule.Name, "error").Inc()
			continue
		}
		entry.Info("response rule fired")
		prometheus.RulesFired.WithLabelValues(rule.Name, "ok").Inc()

		e.audit(ctx, rule, event)
	}
}

// apply isolates a rule action, converting a panic into an error so one
// misbehaving rule cannot take down the processing loop.
func (e *ResponseEngine) apply(ctx context.Context, rule Rule, event backend.SecurityEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{rule: rule.Name, value: r}
		}
	}()
	return rule.Apply(ctx, e.svc, e.logger, event)
}

func (e *ResponseEngine) audit(ctx context.Context, rule Rule, event backend.SecurityEvent) {
	_, err := e.svc.CreateAlert(ctx, backend.Alert{
		Type:     "automated_security_response",
		Severity: "info",
		Payload: map[string]interface{}{
			"rule":          rule.Name,
			"description":   rule.Description,
			"sourceEventId": event.ID,
			"sourceType":    event.Type,
		},
	})
	if err != nil {
		e.logger.WithError(err).WithField("rule", rule.Name).Warn("failed to record audit alert")
	}
}

type panicError struct {
	rule  string
	value interface{}
}

func (p *panicError) Error() string {
	return "rule " + p.rule + " panicked"
}
