package textutil

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanText strips markup from user-supplied free text such as order notes
// and cancellation reasons, returning plain trimmed text.
func CleanText(value string) string {
	sanitized := strictPolicy.Sanitize(value)
	return strings.TrimSpace(html.UnescapeString(sanitized))
}

// NormalizeCurrency validates an ISO 4217 currency code and returns its
// canonical upper-case form.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", fmt.Errorf("currency code is required")
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid currency code %q", trimmed)
	}
	return unit.String(), nil
}
