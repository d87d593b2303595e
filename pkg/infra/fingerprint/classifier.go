package fingerprint

import (
	"strings"

	"github.com/avct/uasurfer"
)

// Classification is the parsed view of a device's user agent, attached to
// verification telemetry so the backend can weigh browser/OS consistency.
type Classification struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"deviceType"`
	IsBot      bool   `json:"isBot"`
}

// Classify parses the user agent. An empty or unparseable agent is reported
// as a bot signal; that only feeds the heuristic score, never a hard block.
func Classify(userAgent string) Classification {
	if strings.TrimSpace(userAgent) == "" {
		return Classification{Browser: "unknown", OS: "unknown", DeviceType: "unknown", IsBot: true}
	}

	ua := uasurfer.Parse(userAgent)
	return Classification{
		Browser:    strings.TrimPrefix(ua.Browser.Name.String(), "Browser"),
		OS:         strings.TrimPrefix(ua.OS.Name.String(), "OS"),
		DeviceType: strings.TrimPrefix(ua.DeviceType.String(), "Device"),
		IsBot:      ua.IsBot(),
	}
}
