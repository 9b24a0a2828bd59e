package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// maxTokenLen bounds page tokens accepted from clients.
const maxTokenLen = 1024

// EncodeToken returns the URL-safe page token for cursor. An empty cursor means there is
// no next page and yields "".
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken reverses EncodeToken. Numbers are kept as json.Number so that nanosecond
// timestamps survive without float rounding.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return Cursor{}, nil
	case len(token) > maxTokenLen:
		return Cursor{}, fmt.Errorf("%w: token too long", ErrInvalidPageToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var cursor Cursor
	if err := dec.Decode(&cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if len(cursor.StartAfter) == 0 {
		return Cursor{}, fmt.Errorf("%w: empty cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}

// Int64At reads position index of the cursor as an integer.
func (c Cursor) Int64At(index int) (int64, bool) {
	if index < 0 || index >= len(c.StartAfter) {
		return 0, false
	}
	switch v := c.StartAfter[index].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

// StringAt reads position index of the cursor as a string.
func (c Cursor) StringAt(index int) (string, bool) {
	if index < 0 || index >= len(c.StartAfter) {
		return "", false
	}
	s, ok := c.StartAfter[index].(string)
	return s, ok
}
