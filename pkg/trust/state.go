package trust

import "time"

// State is the engine's lifecycle position. Invalid is terminal until the
// user re-authenticates and a new engine is started.
type State string

const (
	StateUnverified State = "unverified"
	StateVerifying  State = "verifying"
	StateVerified   State = "verified"
	StateInvalid    State = "invalid"
)

// RiskLevel is ordinal: Low < Medium < High < Critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "critical"
	}
}

// Snapshot is the externally visible trust state for one session.
type Snapshot struct {
	State             State     `json:"state"`
	TrustScore        int       `json:"trustScore"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	LastVerifiedAt    time.Time `json:"lastVerifiedAt"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	SessionValid      bool      `json:"sessionValid"`
	Anomalies         []string  `json:"anomalies,omitempty"`
}

// deriveRiskLevel maps a trust score and anomaly count to a risk level.
// Deterministic and monotonic: a higher score with fewer anomalies never
// yields a higher risk.
func deriveRiskLevel(score, anomalies int) RiskLevel {
	switch {
	case score >= 90 && anomalies == 0:
		return RiskLow
	case score >= 75 && anomalies <= 1:
		return RiskMedium
	case score >= 50 && anomalies <= 3:
		return RiskHigh
	default:
		return RiskCritical
	}
}
