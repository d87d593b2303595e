package common

type contextKey string

const (
	IdentityContextKey      contextKey = "identity"
	SessionIdContextKey     contextKey = "session_id"
	FingerprintIdContextKey contextKey = "fingerprint_id"
)
