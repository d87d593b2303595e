package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Device captures the browser/device attributes a session reports. The
// derived ID is a stable heuristic signal, not a security boundary: every
// field is client-controlled and spoofable.
type Device struct {
	UserAgent  string `json:"userAgent"`
	Locale     string `json:"locale"`
	Timezone   string `json:"timezone"`
	Screen     string `json:"screen"`
	CanvasHash string `json:"canvasHash"`
}

// NewFromHeader parses the pipe-joined header value the form frontend sends
// ("ua|locale|tz|screen|canvasHash").
func NewFromHeader(value string) (*Device, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 5 {
		return nil, errors.New("invalid fingerprint header format")
	}
	return &Device{
		UserAgent:  strings.TrimSpace(parts[0]),
		Locale:     strings.ToLower(strings.TrimSpace(parts[1])),
		Timezone:   strings.TrimSpace(parts[2]),
		Screen:     strings.TrimSpace(parts[3]),
		CanvasHash: strings.TrimSpace(parts[4]),
	}, nil
}

// ID returns the stable fingerprint for this device. Same inputs always hash
// to the same ID, so it survives reloads on the same browser/device pair.
func (d Device) ID() string {
	raw := strings.Join([]string{
		strings.ToLower(d.UserAgent),
		d.Locale,
		d.Timezone,
		d.Screen,
		d.CanvasHash,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
