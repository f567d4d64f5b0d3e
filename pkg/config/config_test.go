package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultFile), []byte(content), 0644))
	return root
}

func TestLoadDefaults(t *testing.T) {
	root := writeConfig(t, `
[services.siem-prod]
plugin = "splunk"

[services.siem-prod.settings]
url = "https://splunk.example.com"
timeout = 30
`)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "rules", cfg.Core.Workspace)
	assert.Equal(t, "local", cfg.State.Type)
	assert.Equal(t, ".logcraft/state.json", cfg.State.Path)

	svc, ok := cfg.Services["siem-prod"]
	require.True(t, ok)
	assert.Equal(t, "splunk", svc.Plugin)

	settings, err := svc.SettingsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://splunk.example.com","timeout":30}`, string(settings))
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("SPLUNK_TOKEN", "s3cret")
	root := writeConfig(t, `
[services.s1]
plugin = "splunk"

[services.s1.settings]
token = "${SPLUNK_TOKEN}"
`)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Services["s1"].Settings["token"])
}

func TestLoadMissingSubstitution(t *testing.T) {
	root := writeConfig(t, `
[services.s1]
plugin = "splunk"

[services.s1.settings]
token = "${LGC_TEST_UNSET_VARIABLE}"
`)

	_, err := Load(root)
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindConfigSubstitution))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LGC_CORE_WORKSPACE", "detections")
	root := writeConfig(t, `
[core]
workspace = "rules"
`)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "detections", cfg.Core.Workspace)
}

func TestLoadAmbiguousIdentifier(t *testing.T) {
	root := writeConfig(t, `
[services.prod]
plugin = "splunk"

[services.backup]
plugin = "splunk"
environment = "prod"
`)

	_, err := Load(root)
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindAmbiguousIdentifier))
}

func TestLoadHTTPState(t *testing.T) {
	root := writeConfig(t, `
[state]
type = "http"
address = "https://gitlab.example.com/api/v4/projects/1/terraform/state/lgc"
lock_address = "https://gitlab.example.com/api/v4/projects/1/terraform/state/lgc/lock"
lock_method = "POST"
unlock_address = "https://gitlab.example.com/api/v4/projects/1/terraform/state/lgc/lock"
unlock_method = "DELETE"
username = "ci"
password = "token"
timeout = 30
`)

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.State.Type)
	assert.Equal(t, "POST", cfg.State.HTTP.LockMethod)
	assert.Equal(t, "DELETE", cfg.State.HTTP.UnlockMethod)
	assert.Equal(t, uint(30), cfg.State.HTTP.Timeout)
	assert.Equal(t, "ci", cfg.State.HTTP.Username)
}

func TestIdentifierMatrix(t *testing.T) {
	for _, ok := range []string{"prod", "siem-prod", "service-2-0"} {
		assert.NoError(t, EnsureKebabCase(ok), ok)
	}
	for _, bad := range []string{"PROD", "siem_prod", "foo-", "-foo", "foo--bar", ""} {
		assert.Error(t, EnsureKebabCase(bad), bad)
	}
}

func TestLoadRejectsBadServiceID(t *testing.T) {
	root := writeConfig(t, `
[services.Bad_Name]
plugin = "splunk"
`)

	_, err := Load(root)
	require.Error(t, err)
}
