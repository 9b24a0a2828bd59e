package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	// ErrInvalidPageSize indicates the page_size query parameter is malformed.
	ErrInvalidPageSize = errors.New("pagination: invalid page size")
	// ErrInvalidPageToken indicates the page token could not be decoded.
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// Cursor is the opaque position payload carried inside page tokens.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// Params bundles the pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// ParseQuery extracts page_size and page_token from query values.
func ParseQuery(values url.Values) (Params, error) {
	params := Params{PageSize: DefaultPageSize}
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		params.PageSize = NormalizePageSize(size)
	}
	token := strings.TrimSpace(values.Get("page_token"))
	if token != "" {
		if _, err := DecodeToken(token); err != nil {
			return Params{}, err
		}
	}
	params.PageToken = token
	return params, nil
}

// NormalizePageSize clamps size into (0, DefaultMaxPageSize], falling back to DefaultPageSize.
func NormalizePageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > DefaultMaxPageSize:
		return DefaultMaxPageSize
	default:
		return size
	}
}
