package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Resolve derives the rate-limit partition key for a request. Authenticated
// sessions partition by the token's subject; anonymous traffic partitions by
// a host/user-agent derived string so reloads map to the same bucket.
//
// The token is parsed without signature verification: the backend is the
// authority on token validity, this is only a partition key.
func Resolve(authHeader, host, userAgent string) string {
	if sub := subjectFromBearer(authHeader); sub != "" {
		return sub
	}
	return anonymousIdentity(host, userAgent)
}

func subjectFromBearer(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return ""
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return ""
	}
	return sub
}

func anonymousIdentity(host, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(host) + "|" + userAgent))
	return "anon-" + hex.EncodeToString(sum[:8])
}
