package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/formgate/pkg/challenge"
	"github.com/loanpilot/formgate/pkg/common"
	"github.com/loanpilot/formgate/pkg/config"
	"github.com/loanpilot/formgate/pkg/csrf"
	"github.com/loanpilot/formgate/pkg/formgate"
	"github.com/loanpilot/formgate/pkg/infra/backend/backendtest"
	"github.com/loanpilot/formgate/pkg/infra/cache"
	"github.com/loanpilot/formgate/pkg/infra/fieldcrypt"
	"github.com/loanpilot/formgate/pkg/infra/logger"
	"github.com/loanpilot/formgate/pkg/quota"
	"github.com/loanpilot/formgate/pkg/ratelimit"
	"github.com/loanpilot/formgate/pkg/server"
	"github.com/loanpilot/formgate/pkg/trust"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	log := logger.NewTestLogger()
	svc := &backendtest.Fake{}

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.CSRF.TokenTTL = time.Hour
	cfg.RateLimit.MaxRequests = 5
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.BlockDuration = 30 * time.Minute
	cfg.Trust.VerifyInterval = 30 * time.Second
	cfg.Trust.SessionCheckInterval = 5 * time.Minute
	cfg.Trust.MinTrustScore = 70

	store, err := ratelimit.NewFileStore(filepath.Join(t.TempDir(), "ratelimit.json"))
	require.NoError(t, err)

	manager := csrf.NewManager(nil, log, cache.NewTTLMap(cfg.CSRF.TokenTTL))
	gate := formgate.NewGate(formgate.Deps{
		Quota:     quota.NewClient(svc, log, nil),
		Limiter:   ratelimit.NewSlidingWindowLimiter(store, log, nil),
		Verifier:  challenge.NewVerifier(log, nil),
		CSRF:      manager,
		Crypt:     fieldcrypt.NewProvider(svc, "placeholder", log),
		Logger:    log,
		Limits:    cfg.RateLimit,
		Sensitive: []string{"ssn"},
		Pending:   cache.NewTTLMap(10 * time.Minute),
	})

	registry := trust.NewRegistry(svc, log, cfg.Trust)
	t.Cleanup(registry.StopAll)

	return server.NewServer(server.ServerDI{
		Config: cfg,
		Logger: log,
		Gate:   gate,
		Trust:  registry,
		CSRF:   manager,
	})
}

func doJSON(t *testing.T, s *server.Server, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestSubmitFlow(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{
		common.IdentityHeader: "user-1",
		common.SessionHeader:  "sess-1",
	}

	resp, body := doJSON(t, s, http.MethodGet, "/v1/csrf", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	headers[common.CSRFTokenHeader] = token
	resp, body = doJSON(t, s, http.MethodPost, "/v1/forms/contact/submit", map[string]interface{}{
		"fields": map[string]string{"name": "Ada", "ssn": "123-45-6789"},
	}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])

	fields, ok := body["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Ada", fields["name"])
	assert.NotEqual(t, "123-45-6789", fields["ssn"])
	assert.NotEmpty(t, body["nextCsrfToken"])
}

func TestSubmit_MissingCSRF(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodPost, "/v1/forms/contact/submit", map[string]interface{}{
		"fields": map[string]string{"name": "Ada"},
	}, map[string]string{common.IdentityHeader: "user-1"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])
}

func TestChallenge_NonePending(t *testing.T) {
	s := newTestServer(t)
	resp, _ := doJSON(t, s, http.MethodGet, "/v1/forms/contact/challenge", nil, map[string]string{
		common.IdentityHeader: "user-1",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrustStatusAndVerify(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{common.IdentityHeader: "user-1"}

	resp, body := doJSON(t, s, http.MethodPost, "/v1/trust/verify", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["verified"])

	resp, body = doJSON(t, s, http.MethodGet, "/v1/trust", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot, ok := body["trust"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "verified", snapshot["state"])
}

func TestSignOut(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{common.IdentityHeader: "user-1"}

	resp, _ := doJSON(t, s, http.MethodPost, "/v1/trust/verify", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodPost, "/v1/signout", nil, headers)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
