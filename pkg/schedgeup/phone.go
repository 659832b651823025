package schedgeup

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^+0-9]`)

// SanitizePhone strips everything but digits and '+' from raw. Norwegian
// numbers typed with the country code but without '+' get one. It returns
// nil when raw holds no number.
func SanitizePhone(raw string) *string {
	n := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if n == "" {
		return nil
	}
	if len(n) == 10 && strings.HasPrefix(n, "47") {
		n = "+" + n
	}
	return &n
}
