package common

import "time"

const (
	CSRFTokenTTL        = 1 * time.Hour
	ChallengeTTL        = 10 * time.Minute
	EncryptionKeyTTL    = 30 * time.Minute
	ProcessedEventLimit = 1000

	IdentityHeader    = "X-Form-Identity"
	SessionHeader     = "X-Session-Id"
	FingerprintHeader = "X-Device-Fingerprint"
	TelemetryHeader   = "X-Behavior-Data"
	CSRFTokenHeader   = "X-CSRF-Token"
)
