package diff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONScalarChange(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf,
		[]byte(`{"severity": "high", "enabled": true}`),
		[]byte(`{"severity": "low", "enabled": true}`))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "---")
	assert.Contains(t, out, "severity")
	assert.Contains(t, out, "=>")
	// Unchanged fields stay silent.
	assert.NotContains(t, out, "enabled")
}

func TestWriteJSONAddedAndRemovedFields(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf,
		[]byte(`{"new_field": 1}`),
		[]byte(`{"old_field": 2}`))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "new_field")
	assert.Contains(t, out, "old_field")
}

func TestWriteJSONNestedPath(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf,
		[]byte(`{"parameters": {"threshold": 5}}`),
		[]byte(`{"parameters": {"threshold": 10}}`))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "parameters.threshold")
}

func TestWriteJSONMultilineStrings(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf,
		[]byte(`{"query": "index=main\n| stats count by host\n| where count > 10"}`),
		[]byte(`{"query": "index=main\n| stats count by host\n| where count > 5"}`))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "query")
	assert.Contains(t, out, "- ")
	assert.Contains(t, out, "+ ")
	assert.Contains(t, out, "where count > 10")
	assert.Contains(t, out, "where count > 5")
}

func TestWriteJSONFormattingOnlyMultilineIsSilent(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf,
		[]byte(`{"query": "index=main\n  | stats count\n"}`),
		[]byte(`{"query": "index=main\n| stats count"}`))
	require.NoError(t, err)

	// Lines equal after trimming; only the fences print.
	assert.Equal(t, "---\n---\n", buf.String())
}

func TestWriteJSONRejectsNonJSON(t *testing.T) {
	var buf bytes.Buffer
	err := DefaultConfig().WriteJSON(&buf, []byte(`not json`), []byte(`{}`))
	require.Error(t, err)
}
