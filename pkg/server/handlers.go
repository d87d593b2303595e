package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/loanpilot/formgate/pkg/common"
	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/formgate"
)

type submitRequest struct {
	Fields map[string]string `json:"fields"`
}

type challengeRequest struct {
	ChallengeID string `json:"challengeId"`
	Answer      string `json:"answer"`
}

type elevateRequest struct {
	Level string `json:"level"`
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result := s.gate.Submit(c.Context(), formgate.Submission{
		Endpoint:     "/" + c.Params("endpoint"),
		Identity:     requestIdentity(c),
		SessionID:    requestSessionID(c),
		SessionToken: bearerToken(c),
		CSRFToken:    c.Get(common.CSRFTokenHeader),
		Fields:       req.Fields,
	})

	if result.Allowed {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"allowed":       true,
			"fields":        result.Fields,
			"nextCsrfToken": result.NextCSRFToken,
			"degraded":      result.Degraded,
		})
	}

	if result.BlockSeconds > 0 || result.ChallengeID != "" {
		body := fiber.Map{
			"allowed":           false,
			"blockSeconds":      result.BlockSeconds,
			"message":           result.Message,
			"challengeRequired": result.ChallengeRequired,
		}
		if result.ChallengeID != "" {
			body["challengeId"] = result.ChallengeID
			body["challengeQuestion"] = result.ChallengeQuestion
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(body)
	}

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"allowed": false,
		"errors":  result.Errors,
	})
}

func (s *Server) handleGetChallenge(c *fiber.Ctx) error {
	pending, ok := s.gate.PendingChallenge(requestIdentity(c), "/"+c.Params("endpoint"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no pending challenge"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"challengeId":  pending.ID,
		"question":     pending.Question(),
		"attemptsUsed": pending.AttemptsUsed(),
	})
}

func (s *Server) handleSolveChallenge(c *fiber.Ctx) error {
	var req challengeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result, err := s.gate.SolveChallenge(c.Context(), requestIdentity(c), "/"+c.Params("endpoint"), req.ChallengeID, req.Answer)
	if err != nil {
		var exhausted *domain.ExhaustionError
		if errors.As(err, &exhausted) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":     err.Error(),
				"exhausted": true,
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"correct":           result.Correct,
		"attemptsRemaining": result.AttemptsRemaining,
		"exhausted":         result.Exhausted,
		"question":          result.Question,
	})
}

func (s *Server) handleIssueCSRF(c *fiber.Ctx) error {
	token, err := s.csrf.Issue(c.Context(), requestSessionID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to issue token"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"token":            token,
		"expiresInSeconds": int(s.cfg.CSRF.TokenTTL.Seconds()),
	})
}

func (s *Server) handleTrustStatus(c *fiber.Ctx) error {
	engine := s.trust.EngineFor(requestIdentity(c), requestFingerprint(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"trust":    engine.Snapshot(),
		"verified": engine.IsVerified(),
	})
}

func (s *Server) handleTrustVerify(c *fiber.Ctx) error {
	engine := s.trust.EngineFor(requestIdentity(c), requestFingerprint(c))
	snap, err := engine.Verify(c.Context())
	status := fiber.StatusOK
	if errors.Is(err, domain.ErrStaleState) {
		status = fiber.StatusUnauthorized
	} else if err != nil {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"trust":    snap,
		"verified": engine.IsVerified(),
	})
}

func (s *Server) handleElevate(c *fiber.Ctx) error {
	var req elevateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	engine := s.trust.EngineFor(requestIdentity(c), requestFingerprint(c))
	granted, err := engine.ElevateAccess(c.Context(), req.Level)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"granted": granted,
		"trust":   engine.Snapshot(),
	})
}

func (s *Server) handleSignOut(c *fiber.Ctx) error {
	s.trust.SignOut(requestIdentity(c))
	return c.SendStatus(fiber.StatusNoContent)
}

func bearerToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
