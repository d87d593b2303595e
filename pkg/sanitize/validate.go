package sanitize

import (
	"regexp"
	"strings"

	domain "github.com/loanpilot/formgate/pkg/domain/errors"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s().\-]{6,19}$`)
)

// ValidateTyped applies format checks chosen by field-name heuristics:
// fields whose name mentions "email" must look like an address, "phone" or
// "mobile" like a dialable number. Unknown field names pass.
func ValidateTyped(fieldName, value string) error {
	if value == "" {
		return nil
	}

	name := strings.ToLower(fieldName)
	switch {
	case strings.Contains(name, "email"):
		if !emailPattern.MatchString(value) {
			return domain.NewValidationError(fieldName, "invalid email address")
		}
	case strings.Contains(name, "phone"), strings.Contains(name, "mobile"):
		if !phonePattern.MatchString(value) {
			return domain.NewValidationError(fieldName, "invalid phone number")
		}
	}
	return nil
}
