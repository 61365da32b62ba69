package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI(t *testing.T) {
	err := New(ErrCodeQueryEmpty, "query is empty", nil).WithSuggestion("pass a search phrase")

	out := FormatForCLI(err)

	assert.Contains(t, out, "Error: query is empty")
	assert.Contains(t, out, "Hint: pass a search phrase")
	assert.Contains(t, out, "Code: ERR_403_QUERY_EMPTY")
	assert.Equal(t, "", FormatForCLI(nil))
}

func TestFormatForCLI_PlainError(t *testing.T) {
	out := FormatForCLI(errors.New("disk on fire"))
	assert.Contains(t, out, "Code: ERR_501_INTERNAL")
}

func TestFormatJSON(t *testing.T) {
	err := New(ErrCodeModelTimeout, "timed out", errors.New("deadline")).WithDetail("stage", "caption")

	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ErrCodeModelTimeout, got["code"])
	assert.Equal(t, "deadline", got["cause"])
	assert.Equal(t, true, got["retryable"])
}

func TestLogAttrs(t *testing.T) {
	assert.Nil(t, LogAttrs(nil))

	attrs := LogAttrs(New(ErrCodeDecodeFailed, "bad jpeg", nil).WithDetail("media_id", "m1"))
	keys := make([]string, 0, len(attrs))
	for _, a := range attrs {
		keys = append(keys, a.Key)
	}
	assert.Contains(t, keys, "error_code")
	assert.Contains(t, keys, "detail_media_id")
}
