package host

import (
	"context"
	"encoding/json"
	"time"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// serviceClient is the typed facade over one plugin bound to one service's
// serialized settings. The settings were validated against the plugin's
// schema when the session was created; a validation failure short-circuits
// every subsequent call.
type serviceClient struct {
	inst     *Instance
	settings []byte
	timeout  time.Duration

	// err is the settings validation outcome for this session.
	err error
}

func newServiceClient(inst *Instance, settings []byte, defaultTimeout time.Duration) *serviceClient {
	return &serviceClient{
		inst:     inst,
		settings: settings,
		timeout:  callTimeout(settings, defaultTimeout),
	}
}

// callTimeout reads an optional "timeout" (seconds) from the service
// settings.
func callTimeout(settings []byte, fallback time.Duration) time.Duration {
	var probe struct {
		Timeout uint `json:"timeout"`
	}
	if err := json.Unmarshal(settings, &probe); err == nil && probe.Timeout > 0 {
		return time.Duration(probe.Timeout) * time.Second
	}
	return fallback
}

func (c *serviceClient) Metadata() engine.PluginMetadata {
	return c.inst.Metadata()
}

func (c *serviceClient) DetectionSchema(ctx context.Context) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.inst.DetectionSchema(ctx)
}

func (c *serviceClient) Validate(ctx context.Context, detection []byte) error {
	if c.err != nil {
		return c.err
	}
	_, err := c.inst.call(ctx, "plugin_validate", &callRequest{Detection: detection}, c.timeout)
	return err
}

func (c *serviceClient) Create(ctx context.Context, detection []byte) error {
	if c.err != nil {
		return c.err
	}
	_, err := c.inst.call(ctx, "plugin_create", &callRequest{Settings: c.settings, Detection: detection}, c.timeout)
	return err
}

func (c *serviceClient) Update(ctx context.Context, detection []byte) error {
	if c.err != nil {
		return c.err
	}
	_, err := c.inst.call(ctx, "plugin_update", &callRequest{Settings: c.settings, Detection: detection}, c.timeout)
	return err
}

func (c *serviceClient) Delete(ctx context.Context, detection []byte) error {
	if c.err != nil {
		return c.err
	}
	_, err := c.inst.call(ctx, "plugin_delete", &callRequest{Settings: c.settings, Detection: detection}, c.timeout)
	return err
}

func (c *serviceClient) Read(ctx context.Context, detection []byte) ([]byte, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	resp, err := c.inst.call(ctx, "plugin_read", &callRequest{Settings: c.settings, Detection: detection}, c.timeout)
	if err != nil {
		return nil, false, err
	}
	if resp.Detection == nil {
		return nil, false, nil
	}
	return *resp.Detection, true, nil
}

func (c *serviceClient) Ping(ctx context.Context) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	resp, err := c.inst.call(ctx, "plugin_ping", &callRequest{Settings: c.settings}, c.timeout)
	if err != nil {
		return false, err
	}
	return resp.OK != nil && *resp.OK, nil
}
