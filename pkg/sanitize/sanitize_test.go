package sanitize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loanpilot/formgate/pkg/sanitize"
)

func TestField_StripsScriptTags(t *testing.T) {
	assert.Equal(t, "hello", sanitize.Field(`<script>alert(1)</script>hello`))
	assert.Equal(t, "hello", sanitize.Field(`hello<script src="x.js"/>`))
}

func TestField_StripsNestedPayloads(t *testing.T) {
	// Removing the inner tag must not reassemble an outer one.
	assert.Equal(t, "alert(1)", sanitize.Field(`<scr<script>ipt>alert(1)</scr</script>ipt>`))
}

func TestField_StripsEventHandlersAndProtocols(t *testing.T) {
	assert.Equal(t, "", sanitize.Field(`<img src=x onerror=alert(1)>`))
	assert.Equal(t, "link", sanitize.Field(`javascript:link`))
}

func TestField_KeepsPlainText(t *testing.T) {
	assert.Equal(t, "John O'Neil & Sons", sanitize.Field("John O'Neil & Sons"))
	assert.Equal(t, "hello world", sanitize.Field("<b>hello</b> world"))
}

func TestHasResidualXSS(t *testing.T) {
	assert.True(t, sanitize.HasResidualXSS("alert(document.cookie)"))
	assert.True(t, sanitize.HasResidualXSS("data:text/javascript,1"))
	assert.True(t, sanitize.HasResidualXSS("eval (x)"))
	assert.False(t, sanitize.HasResidualXSS("a perfectly normal comment"))
	assert.False(t, sanitize.HasResidualXSS("script writing is fun"))
}

func TestValidateTyped(t *testing.T) {
	assert.NoError(t, sanitize.ValidateTyped("email", "ada@example.com"))
	assert.Error(t, sanitize.ValidateTyped("email", "not-an-address"))
	assert.Error(t, sanitize.ValidateTyped("contact_email", "still@bad"))

	assert.NoError(t, sanitize.ValidateTyped("phone", "+1 (555) 123-4567"))
	assert.Error(t, sanitize.ValidateTyped("mobile", "call me"))

	// Unknown field names pass, empty values pass.
	assert.NoError(t, sanitize.ValidateTyped("comment", "anything"))
	assert.NoError(t, sanitize.ValidateTyped("email", ""))
}
