package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

func TestPluginNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "splunk.wasm"), []byte{0}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sentinel.wasm"), []byte{0}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte{0}, 0644))

	h, err := NewHost(context.Background(), dir, Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(context.Background()) //nolint:errcheck

	names, err := h.PluginNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"splunk", "sentinel"}, names)
}

func TestPluginNamesMissingDirectory(t *testing.T) {
	h, err := NewHost(context.Background(), filepath.Join(t.TempDir(), "missing"), Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(context.Background()) //nolint:errcheck

	names, err := h.PluginNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstanceMissingPlugin(t *testing.T) {
	h, err := NewHost(context.Background(), t.TempDir(), Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(context.Background()) //nolint:errcheck

	_, err = h.Instance(context.Background(), "splunk")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindPluginLoad))
}

func TestInstanceRejectsInvalidModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.wasm"), []byte("not wasm"), 0644))

	h, err := NewHost(context.Background(), dir, Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer h.Close(context.Background()) //nolint:errcheck

	_, err = h.Instance(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindPluginLoad))
}

func TestCallTimeoutFromSettings(t *testing.T) {
	assert.Equal(t, 15*time.Second, callTimeout([]byte(`{"timeout": 15}`), time.Minute))
	assert.Equal(t, time.Minute, callTimeout([]byte(`{"url": "x"}`), time.Minute))
	assert.Equal(t, time.Minute, callTimeout(nil, time.Minute))
}

func TestEnvelopeEncoding(t *testing.T) {
	// Byte payloads cross the sandbox boundary base64-encoded.
	req := callRequest{Settings: []byte(`{"url":"x"}`), Detection: []byte("raw\x00bytes")}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var wire map[string]string
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.NotContains(t, wire["detection"], "raw")

	var decoded callRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.Settings, decoded.Settings)
	assert.Equal(t, req.Detection, decoded.Detection)
}

func TestEnvelopeReadNullDetection(t *testing.T) {
	var resp callResponse
	require.NoError(t, json.Unmarshal([]byte(`{"detection": null}`), &resp))
	assert.Nil(t, resp.Detection)

	require.NoError(t, json.Unmarshal([]byte(`{"detection": "eyJhIjoxfQ=="}`), &resp))
	require.NotNil(t, resp.Detection)
	assert.Equal(t, `{"a":1}`, string(*resp.Detection))
}

func TestCapabilityPerform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	cap := newCapability(5*time.Second, zerolog.Nop())
	resp := cap.perform(context.Background(), &httpRequest{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
		Body:    []byte(`{"q":1}`),
	})

	assert.Empty(t, resp.Error)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "abc", resp.Headers["X-Request-Id"])
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestCapabilityPerformUnreachable(t *testing.T) {
	cap := newCapability(time.Second, zerolog.Nop())
	resp := cap.perform(context.Background(), &httpRequest{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/unreachable",
	})
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, resp.Status)
}
