package textutil

import (
	"errors"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPhone indicates the phone number is not 7-15 digits with an optional leading plus.
var ErrInvalidPhone = errors.New("textutil: invalid phone number")

var strictPolicy = bluemonday.StrictPolicy()

// textEntities undoes the escaping the policy applies to plain text. Angle brackets stay
// escaped so that sanitized output never carries markup.
var textEntities = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", `"`)

// SanitizeText strips markup and control characters, NFKC-normalises, collapses
// whitespace runs, and truncates to limit runes when limit is positive. Entities are
// decoded before stripping, so entity-encoded tags are removed like literal ones.
func SanitizeText(value string, limit int) string {
	value = html.UnescapeString(norm.NFKC.String(value))
	value = textEntities.Replace(strictPolicy.Sanitize(value))

	var b strings.Builder
	b.Grow(len(value))
	space := false
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if limit > 0 {
		if runes := []rune(out); len(runes) > limit {
			out = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return out
}

// NormalizePhone folds full-width digits, drops separators, and validates length.
func NormalizePhone(value string) (string, error) {
	value = strings.TrimSpace(norm.NFKC.String(value))
	if value == "" {
		return "", ErrInvalidPhone
	}
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}
	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	if digits < 7 || digits > 15 {
		return "", ErrInvalidPhone
	}
	return out, nil
}
