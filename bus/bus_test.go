package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeObjectWithContentKey(t *testing.T) {
	resp, err := Normalize([]byte(`{"content": "hello", "model": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "x", resp.Field("model"))
}

func TestNormalizeContentKeyPriority(t *testing.T) {
	// "content" wins over later keys even when both are present.
	resp, err := Normalize([]byte(`{"output": "second", "content": "first"}`))
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)
}

func TestNormalizeObjectWithoutContentKey(t *testing.T) {
	resp, err := Normalize([]byte(`{"saved_path": "/tmp/a.png"}`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.png", resp.Field("saved_path"))
	// Content falls back to the raw object so callers always have something.
	assert.Contains(t, resp.Content, "saved_path")
}

func TestNormalizeQuotedString(t *testing.T) {
	resp, err := Normalize([]byte(`"plain answer"`))
	require.NoError(t, err)
	assert.Equal(t, "plain answer", resp.Content)
	assert.Nil(t, resp.Fields)
}

func TestNormalizeRawString(t *testing.T) {
	resp, err := Normalize([]byte("  just text\n"))
	require.NoError(t, err)
	assert.Equal(t, "just text", resp.Content)
}

func TestNormalizeEmptyBody(t *testing.T) {
	_, err := Normalize([]byte("  \n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNormalizeInvalidObject(t *testing.T) {
	_, err := Normalize([]byte(`{"broken": `))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeField(t *testing.T) {
	resp, err := Normalize([]byte(`{"results": [{"title": "a"}, {"title": "b"}]}`))
	require.NoError(t, err)

	var results []struct {
		Title string `json:"title"`
	}
	require.NoError(t, resp.DecodeField("results", &results))
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[1].Title)
}

func TestDecodeFieldMissing(t *testing.T) {
	resp, err := Normalize([]byte(`{"other": 1}`))
	require.NoError(t, err)

	var out []string
	assert.ErrorIs(t, resp.DecodeField("results", &out), ErrMalformed)
}
