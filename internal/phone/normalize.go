package phone

import (
	"regexp"
	"strings"
)

// Placeholder is the demo number listing sites render instead of a real contact.
const Placeholder = "380123456789"

var nonDigits = regexp.MustCompile(`\D`)

// textPatterns are tried in order against visible page text.
var textPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\+38[\s-]*\(?0[\s-]*\d{2}\)?[\s-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}`),
	regexp.MustCompile(`\(?0\d{2}\)?[\s-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}`),
}

// Normalize converts a raw Ukrainian phone string to the canonical +380XXXXXXXXX form.
// The second return value is false when the input cannot be normalized.
func Normalize(raw string) (string, bool) {
	if raw == "" || strings.Contains(raw, Placeholder) {
		return "", false
	}

	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" || strings.Contains(digits, Placeholder) {
		return "", false
	}

	switch {
	case strings.HasPrefix(digits, "38") && len(digits) == 11:
		digits = "380" + digits[2:]
	case strings.HasPrefix(digits, "380") && len(digits) == 12:
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = "380" + digits[1:]
	case len(digits) == 9 && strings.ContainsRune("356789", rune(digits[0])):
		digits = "380" + digits
	default:
		return "", false
	}

	if len(digits) != 12 || !allDigits(digits) || digits == Placeholder {
		return "", false
	}

	return "+" + digits, true
}

// FromTelHref normalizes the target of a tel: link.
func FromTelHref(href string) (string, bool) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(href), "tel:"))
	return Normalize(raw)
}

// FindInText returns the first phone-shaped fragment of text that normalizes.
func FindInText(text string) (string, bool) {
	for _, pattern := range textPatterns {
		for _, match := range pattern.FindAllString(text, -1) {
			if canonical, ok := Normalize(match); ok {
				return canonical, true
			}
		}
	}
	return "", false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
