package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanpilot/formgate/pkg/infra/fingerprint"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestNewFromHeader(t *testing.T) {
	device, err := fingerprint.NewFromHeader(chromeUA + "|en-US|America/New_York|1920x1080|abc123")
	require.NoError(t, err)
	assert.Equal(t, "en-us", device.Locale)
	assert.Equal(t, "1920x1080", device.Screen)

	_, err = fingerprint.NewFromHeader("too|few|parts")
	assert.Error(t, err)
}

func TestID_StableAcrossReloads(t *testing.T) {
	a, err := fingerprint.NewFromHeader(chromeUA + "|en-US|America/New_York|1920x1080|abc123")
	require.NoError(t, err)
	b, err := fingerprint.NewFromHeader(chromeUA + "|en-US|America/New_York|1920x1080|abc123")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
}

func TestID_ChangesWithDevice(t *testing.T) {
	a, err := fingerprint.NewFromHeader(chromeUA + "|en-US|America/New_York|1920x1080|abc123")
	require.NoError(t, err)
	b, err := fingerprint.NewFromHeader(chromeUA + "|en-US|America/New_York|1366x768|abc123")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestClassify(t *testing.T) {
	class := fingerprint.Classify(chromeUA)
	assert.Equal(t, "Chrome", class.Browser)
	assert.False(t, class.IsBot)

	bot := fingerprint.Classify("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.True(t, bot.IsBot)

	empty := fingerprint.Classify("")
	assert.True(t, empty.IsBot)
}
