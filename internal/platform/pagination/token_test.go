package pagination

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTripPreservesIntegers(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{int64(1714550400123456789), "ord_01"}})
	require.NoError(t, err)

	cursor, err := DecodeToken(token)
	require.NoError(t, err)

	n, ok := cursor.Int64At(0)
	require.True(t, ok)
	require.Equal(t, int64(1714550400123456789), n)
	id, ok := cursor.StringAt(1)
	require.True(t, ok)
	require.Equal(t, "ord_01", id)
}

func TestEncodeEmptyCursorYieldsEmptyToken(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestParseQuery(t *testing.T) {
	params, err := ParseQuery(url.Values{"page_size": {"500"}})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxPageSize, params.PageSize)

	_, err = ParseQuery(url.Values{"page_size": {"abc"}})
	require.True(t, errors.Is(err, ErrInvalidPageSize))

	_, err = ParseQuery(url.Values{"page_token": {"!!!"}})
	require.True(t, errors.Is(err, ErrInvalidPageToken))
}

func TestDecodeTokenRejectsMalformedCursors(t *testing.T) {
	for name, token := range map[string]string{
		"unknown field": "eyJvZmZzZXQiOjF9",
		"empty cursor":  "eyJzdGFydEFmdGVyIjpbXX0",
		"oversized":     strings.Repeat("A", maxTokenLen+1),
	} {
		_, err := DecodeToken(token)
		require.ErrorIsf(t, err, ErrInvalidPageToken, name)
	}
}

func TestCursorAccessorsRejectWrongTypes(t *testing.T) {
	cursor := Cursor{StartAfter: []any{"ord_01", 1.5}}
	_, ok := cursor.Int64At(0)
	require.False(t, ok)
	_, ok = cursor.Int64At(1)
	require.False(t, ok)
	_, ok = cursor.StringAt(2)
	require.False(t, ok)
}
