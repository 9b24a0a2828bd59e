package observability

import (
	"strings"
	"unicode"
)

// Limits for request attributes copied into log fields and span names.
const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxIDLen     = 64
)

// logValue drops control characters, which would let a client forge log lines, and clips
// the result to limit runes.
func logValue(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func logRoute(route string) string {
	if route = logValue(route, maxRouteLen); route == "" {
		return "/"
	}
	return route
}
