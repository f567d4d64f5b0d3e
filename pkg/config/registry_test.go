package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

func testRegistry() *Registry {
	return NewRegistry(&Config{
		Services: map[string]Service{
			"siem-prod":    {Plugin: "splunk", Environment: "prod"},
			"edr-prod":     {Plugin: "sentinel", Environment: "prod"},
			"siem-staging": {Plugin: "splunk", Environment: "staging"},
			"standalone":   {Plugin: "splunk"},
		},
	})
}

func TestResolveService(t *testing.T) {
	scope, err := testRegistry().Resolve("siem-prod")
	require.NoError(t, err)
	require.Len(t, scope, 1)
	assert.Equal(t, "siem-prod", scope[0].ID)
}

func TestResolveEnvironment(t *testing.T) {
	scope, err := testRegistry().Resolve("prod")
	require.NoError(t, err)
	require.Len(t, scope, 2)
	assert.Equal(t, "edr-prod", scope[0].ID)
	assert.Equal(t, "siem-prod", scope[1].ID)
}

func TestResolveAll(t *testing.T) {
	scope, err := testRegistry().Resolve("")
	require.NoError(t, err)
	assert.Len(t, scope, 4)
	// Deterministic, sorted by identifier.
	assert.Equal(t, "edr-prod", scope[0].ID)
}

func TestResolveUnknown(t *testing.T) {
	_, err := testRegistry().Resolve("nope")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindUnknownIdentifier))
}

func TestTargets(t *testing.T) {
	reg := testRegistry()
	scope, err := reg.Resolve("siem-prod")
	require.NoError(t, err)

	desired := map[string]map[string][]byte{
		"splunk": {"r1": []byte(`{"a":1}`)},
	}
	targets, err := reg.Targets(scope, desired)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "siem-prod", targets[0].ID)
	assert.Equal(t, "splunk", targets[0].Plugin)
	assert.JSONEq(t, `{}`, string(targets[0].Settings))
	assert.Contains(t, targets[0].Desired, "r1")
}
