package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/loanpilot/formgate/pkg/common"
	"github.com/loanpilot/formgate/pkg/identity"
	"github.com/loanpilot/formgate/pkg/infra/fingerprint"
	"github.com/loanpilot/formgate/pkg/trust"
)

// requestContext resolves the caller's identity, session and device
// fingerprint once per request and stashes them in locals. Behavioral
// telemetry riding on the request feeds the identity's trust engine.
func (s *Server) requestContext(c *fiber.Ctx) error {
	userAgent := c.Get(fiber.HeaderUserAgent)

	id := strings.TrimSpace(c.Get(common.IdentityHeader))
	if id == "" {
		id = identity.Resolve(c.Get(fiber.HeaderAuthorization), c.Hostname(), userAgent)
	}

	sessionID := strings.TrimSpace(c.Get(common.SessionHeader))
	if sessionID == "" {
		sessionID = id
	}

	fingerprintID := ""
	if header := c.Get(common.FingerprintHeader); header != "" {
		device, err := fingerprint.NewFromHeader(header)
		if err != nil {
			s.logger.WithError(err).Debug("unparseable fingerprint header")
		} else {
			fingerprintID = device.ID()
			if class := fingerprint.Classify(device.UserAgent); class.IsBot {
				s.logger.WithFields(logrus.Fields{
					"identity": id,
					"browser":  class.Browser,
				}).Info("bot-like user agent observed")
			}
		}
	}

	c.Locals(common.IdentityContextKey, id)
	c.Locals(common.SessionIdContextKey, sessionID)
	c.Locals(common.FingerprintIdContextKey, fingerprintID)

	if header := c.Get(common.TelemetryHeader); header != "" {
		metrics, err := trust.ParseTelemetryHeader(header)
		if err != nil {
			s.logger.WithError(err).Debug("unparseable telemetry header")
		} else if engine, ok := s.trust.Lookup(id); ok {
			engine.Collector().Record(metrics)
		}
	}

	return c.Next()
}

func requestIdentity(c *fiber.Ctx) string {
	id, _ := c.Locals(common.IdentityContextKey).(string)
	return id
}

func requestSessionID(c *fiber.Ctx) string {
	sessionID, _ := c.Locals(common.SessionIdContextKey).(string)
	return sessionID
}

func requestFingerprint(c *fiber.Ctx) string {
	fingerprintID, _ := c.Locals(common.FingerprintIdContextKey).(string)
	return fingerprintID
}
