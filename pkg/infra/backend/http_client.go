package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loanpilot/formgate/pkg/config"
	domain "github.com/loanpilot/formgate/pkg/domain/errors"
	"github.com/loanpilot/formgate/pkg/infra/httpx"
	"github.com/sirupsen/logrus"
)

type httpService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker httpx.CircuitBreaker
	logger  *logrus.Logger
}

// NewHTTPService builds the production backend client. All calls share one
// http.Client with the configured timeout and run behind a circuit breaker
// so a dead backend degrades in one place instead of per call site.
func NewHTTPService(cfg config.BackendConfig, logger *logrus.Logger) Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpService{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: httpx.NewCircuitBreaker("backend", cfg.BreakerTimeout, cfg.BreakerFailures),
		logger:  logger,
	}
}

func (s *httpService) CheckRateLimit(ctx context.Context, req RateLimitRequest) (*RateLimitDecision, error) {
	var decision RateLimitDecision
	if err := s.post(ctx, "/functions/check-rate-limit", req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (s *httpService) VerifySession(ctx context.Context, req VerifySessionRequest) (*VerificationResult, error) {
	var result VerificationResult
	if err := s.post(ctx, "/functions/verify-session", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *httpService) ElevateAccess(ctx context.Context, req ElevateAccessRequest) (*ElevationResult, error) {
	var result ElevationResult
	if err := s.post(ctx, "/functions/elevate-access", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *httpService) InvalidateSessions(ctx context.Context, targetIdentity, reason string) (int, error) {
	payload := map[string]string{
		"targetIdentity": targetIdentity,
		"reason":         reason,
	}
	var result struct {
		Invalidated int `json:"invalidated"`
	}
	if err := s.post(ctx, "/functions/invalidate-sessions", payload, &result); err != nil {
		return 0, err
	}
	return result.Invalidated, nil
}

func (s *httpService) CreateAlert(ctx context.Context, alert Alert) (string, error) {
	var result struct {
		AlertID string `json:"alertId"`
	}
	if err := s.post(ctx, "/functions/create-alert", alert, &result); err != nil {
		return "", err
	}
	return result.AlertID, nil
}

func (s *httpService) IssueEncryptionKey(ctx context.Context, sessionToken string) ([]byte, error) {
	payload := map[string]string{"sessionToken": sessionToken}
	var result struct {
		Key string `json:"key"`
	}
	if err := s.post(ctx, "/functions/issue-encryption-key", payload, &result); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return nil, domain.NewTransportError("issue-encryption-key", fmt.Errorf("malformed key material: %w", err))
	}
	return key, nil
}

func (s *httpService) FetchCSRFToken(ctx context.Context, sessionID string) (string, error) {
	payload := map[string]string{"sessionId": sessionID}
	var result struct {
		Token string `json:"token"`
	}
	if err := s.post(ctx, "/functions/csrf-token", payload, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (s *httpService) ValidateCSRFToken(ctx context.Context, sessionID, token string) (bool, error) {
	payload := map[string]string{"sessionId": sessionID, "token": token}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := s.post(ctx, "/functions/csrf-validate", payload, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

func (s *httpService) post(ctx context.Context, path string, payload, out interface{}) error {
	err := s.breaker.Execute(func() error {
		return s.doPost(ctx, path, payload, out)
	})
	if err == nil {
		return nil
	}
	if httpx.IsOpen(err) {
		s.logger.WithField("path", path).Warn("backend breaker open, skipping call")
	}
	return domain.NewTransportError(path, err)
}

func (s *httpService) doPost(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
