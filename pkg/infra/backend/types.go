package backend

import "time"

// RateLimitRequest identifies one gated action for the backend decision
// endpoint.
type RateLimitRequest struct {
	Endpoint   string `json:"endpoint"`
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
}

// RateLimitDecision is the backend's authoritative answer. BlockDuration is
// in seconds; ResetTime is a unix timestamp.
type RateLimitDecision struct {
	Allowed       bool   `json:"allowed"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"maxAttempts"`
	ResetTime     int64  `json:"resetTime"`
	BlockDuration int    `json:"blockDuration"`
	Message       string `json:"message"`
}

// BehavioralMetrics are lightweight activity counters gathered since session
// start. They are telemetry, not a security boundary.
type BehavioralMetrics struct {
	MouseEvents    int `json:"mouseEvents"`
	KeyboardEvents int `json:"keyboardEvents"`
	ScrollEvents   int `json:"scrollEvents"`
	ClickEvents    int `json:"clickEvents"`
}

type VerifySessionRequest struct {
	Identity    string            `json:"identity"`
	Fingerprint string            `json:"fingerprint"`
	Metrics     BehavioralMetrics `json:"behavioralMetrics"`
	Timestamp   int64             `json:"timestamp"`
}

// ActionTerminateSessions is the one backend action the client must obey
// with a privileged side effect: force sign-out and reset trust state.
const ActionTerminateSessions = "terminate_all_sessions"

type VerificationResult struct {
	TrustScore   int      `json:"trustScore"`
	Anomalies    []string `json:"anomalies"`
	SessionValid bool     `json:"sessionValid"`
	Action       string   `json:"action,omitempty"`
}

type ElevateAccessRequest struct {
	CurrentScore  int    `json:"currentScore"`
	RequiredLevel string `json:"requiredLevel"`
	Fingerprint   string `json:"fingerprint"`
}

type ElevationResult struct {
	Success       bool   `json:"success"`
	NewTrustScore int    `json:"newTrustScore"`
	Method        string `json:"method"`
}

type Alert struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Payload  map[string]interface{} `json:"payload"`
}

// SecurityEvent is a backend-originated record. The client only reacts to
// it; resolution happens through separate remote calls.
type SecurityEvent struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	Payload    map[string]interface{} `json:"payload"`
	CreatedAt  time.Time              `json:"createdAt"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
	ResolvedBy string                 `json:"resolvedBy,omitempty"`
}

// Severity ordering: info < low < medium < warning < high < critical.
var severityRank = map[string]int{
	"info":     0,
	"low":      1,
	"medium":   2,
	"warning":  3,
	"high":     4,
	"critical": 5,
}

// SeverityAtLeast reports whether severity ranks at or above min. Unknown
// severities rank below info.
func SeverityAtLeast(severity, min string) bool {
	s, ok := severityRank[severity]
	if !ok {
		return false
	}
	m, ok := severityRank[min]
	if !ok {
		return false
	}
	return s >= m
}
