package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
	"github.com/logcraft-io/logcraft-cli/pkg/telemetry"
)

// DefaultCallTimeout bounds a single plugin call unless the service settings
// override it.
const DefaultCallTimeout = 60 * time.Second

// Config tunes the sandbox host.
type Config struct {
	// CallTimeout is the default per-call timeout.
	CallTimeout time.Duration

	// MemoryLimitPages caps guest memory in 64KB pages. Default 256 (16MB).
	MemoryLimitPages uint32
}

// Host owns the wazero runtime and the loaded plugin instances. It implements
// engine.PluginBroker.
type Host struct {
	dir     string
	runtime wazero.Runtime
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	config  Config

	mu        sync.Mutex
	instances map[string]*Instance
	sessions  map[string]*serviceClient
}

// NewHost creates a sandbox host loading plugins from dir.
func NewHost(ctx context.Context, dir string, cfg Config, logger zerolog.Logger) (*Host, error) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx) //nolint:errcheck
		return nil, engine.NewError(engine.KindPluginLoad, "unable to instantiate WASI", err)
	}

	hostLogger := logger.With().Str("component", "plugin-host").Logger()
	if err := newCapability(cfg.CallTimeout, hostLogger).register(ctx, runtime); err != nil {
		runtime.Close(ctx) //nolint:errcheck
		return nil, engine.NewError(engine.KindPluginLoad, "unable to register host capability", err)
	}

	return &Host{
		dir:       dir,
		runtime:   runtime,
		logger:    hostLogger,
		config:    cfg,
		instances: make(map[string]*Instance),
		sessions:  make(map[string]*serviceClient),
	}, nil
}

// WithMetrics attaches a metrics collector.
func (h *Host) WithMetrics(m *telemetry.Metrics) *Host {
	h.metrics = m
	return h
}

// PluginNames lists the plugins available in the plugins directory, the stem
// of every .wasm file.
func (h *Host) PluginNames() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engine.NewError(engine.KindPluginLoad, "unable to read plugins directory", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".wasm") {
			names = append(names, strings.TrimSuffix(name, ".wasm"))
		}
	}
	return names, nil
}

// Instance returns the loaded plugin, instantiating it on first use.
func (h *Host) Instance(ctx context.Context, name string) (*Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if inst, ok := h.instances[name]; ok {
		return inst, nil
	}

	path := filepath.Join(h.dir, name+".wasm")
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewError(engine.KindPluginLoad, fmt.Sprintf("plugin %q not found at %s", name, path), err)
	}

	mod, err := h.runtime.Instantiate(ctx, module)
	if err != nil {
		return nil, engine.NewError(engine.KindPluginLoad, fmt.Sprintf("unable to instantiate plugin %q", name), err)
	}

	bridge, err := NewBridge(mod)
	if err != nil {
		mod.Close(ctx) //nolint:errcheck
		return nil, err
	}

	inst := &Instance{
		name:   name,
		bridge: bridge,
		host:   h,
	}

	resp, err := inst.callLocked(ctx, "plugin_load", nil)
	if err != nil {
		mod.Close(ctx) //nolint:errcheck
		return nil, engine.NewError(engine.KindPluginLoad, fmt.Sprintf("plugin %q load failed", name), err)
	}
	inst.meta = engine.PluginMetadata{Name: resp.Name, Version: resp.Version}

	h.logger.Debug().
		Str("plugin", inst.meta.Name).
		Str("version", inst.meta.Version).
		Msg("plugin loaded")

	h.instances[name] = inst
	return inst, nil
}

// ServiceClient binds a plugin to one service's settings, validating the
// settings against the plugin's advertised schema once per session.
// Subsequent calls for the same (plugin, settings) pair reuse the session.
func (h *Host) ServiceClient(ctx context.Context, plugin string, settings []byte) (engine.PluginClient, error) {
	key := plugin + "\x00" + string(settings)

	h.mu.Lock()
	if client, ok := h.sessions[key]; ok {
		h.mu.Unlock()
		return client, client.err
	}
	h.mu.Unlock()

	inst, err := h.Instance(ctx, plugin)
	if err != nil {
		return nil, err
	}

	client := newServiceClient(inst, settings, h.config.CallTimeout)
	client.err = inst.validateSettings(ctx, settings)

	h.mu.Lock()
	h.sessions[key] = client
	h.mu.Unlock()

	return client, client.err
}

// Close shuts down every instance and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.instances = make(map[string]*Instance)
	h.sessions = make(map[string]*serviceClient)
	return h.runtime.Close(ctx)
}

// Instance is one loaded plugin module with its cached metadata and compiled
// settings schema. Shared by reference; a mutex serializes calls.
type Instance struct {
	name   string
	meta   engine.PluginMetadata
	bridge *Bridge
	host   *Host

	mu sync.Mutex

	schemaOnce     sync.Once
	settingsSchema *jsonschema.Schema
	schemaErr      error
}

// Metadata returns the plugin's identity as reported by load.
func (i *Instance) Metadata() engine.PluginMetadata {
	return i.meta
}

// call serializes access to the instance and applies the per-call timeout.
func (i *Instance) call(ctx context.Context, op string, req *callRequest, timeout time.Duration) (*callResponse, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if timeout == 0 {
		timeout = i.host.config.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return i.callLocked(ctx, op, req)
}

func (i *Instance) callLocked(ctx context.Context, op string, req *callRequest) (*callResponse, error) {
	start := time.Now()
	resp, err := i.bridge.call(ctx, op, req)

	if i.host.metrics != nil {
		i.host.metrics.RecordPluginCall(i.name, op, time.Since(start))
		if err != nil {
			i.host.metrics.RecordPluginError(i.name, op)
		}
	}
	return resp, err
}

// SettingsSchema returns the raw schema describing service settings.
func (i *Instance) SettingsSchema(ctx context.Context) ([]byte, error) {
	resp, err := i.call(ctx, "plugin_settings", nil, 0)
	if err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

// DetectionSchema returns the raw schema describing a detection document.
func (i *Instance) DetectionSchema(ctx context.Context) ([]byte, error) {
	resp, err := i.call(ctx, "plugin_schema", nil, 0)
	if err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

// ValidateDetection submits a detection document to the plugin's own
// validation, independent of any service binding.
func (i *Instance) ValidateDetection(ctx context.Context, detection []byte) error {
	_, err := i.call(ctx, "plugin_validate", &callRequest{Detection: detection}, 0)
	return err
}

// validateSettings checks settings against the plugin's settings schema,
// compiling the schema on first use. A failure is a PluginSchema error.
func (i *Instance) validateSettings(ctx context.Context, settings []byte) error {
	i.schemaOnce.Do(func() {
		raw, err := i.SettingsSchema(ctx)
		if err != nil {
			i.schemaErr = err
			return
		}
		if len(raw) == 0 {
			return
		}
		schema, err := jsonschema.CompileString(i.name+"/settings", string(raw))
		if err != nil {
			i.schemaErr = engine.NewError(engine.KindPluginSchema,
				fmt.Sprintf("plugin %q settings schema is invalid", i.name), err)
			return
		}
		i.settingsSchema = schema
	})
	if i.schemaErr != nil {
		return i.schemaErr
	}
	if i.settingsSchema == nil {
		return nil
	}

	if len(settings) == 0 {
		settings = []byte("{}")
	}
	var value any
	if err := json.Unmarshal(settings, &value); err != nil {
		return engine.NewError(engine.KindPluginSchema, "service settings are not valid JSON", err)
	}
	if err := i.settingsSchema.Validate(value); err != nil {
		return engine.NewError(engine.KindPluginSchema, "service settings rejected by plugin schema", err)
	}
	return nil
}
