// Package config loads lgc.toml, applies environment substitution and
// overrides, and resolves service and environment identifiers.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
	"github.com/logcraft-io/logcraft-cli/pkg/state"
)

// DefaultFile is the configuration file name at the project root.
const DefaultFile = "lgc.toml"

// DefaultWorkspace is the detection workspace directory name.
const DefaultWorkspace = "rules"

// Config is the parsed lgc.toml.
type Config struct {
	Core     Core               `mapstructure:"core"`
	State    StateConfig        `mapstructure:"state"`
	Services map[string]Service `mapstructure:"services" validate:"dive"`

	// Root is the directory holding lgc.toml; everything relative resolves
	// against it.
	Root string `mapstructure:"-"`
}

// Core holds the workspace and plugin locations.
type Core struct {
	// Workspace is the detections directory, relative to the root.
	Workspace string `mapstructure:"workspace"`

	// BaseDir hosts installed plugins under ${base_dir}/plugins.
	BaseDir string `mapstructure:"base_dir"`
}

// StateConfig selects and configures the state backend.
type StateConfig struct {
	// Type is "local" or "http". Empty means local.
	Type string `mapstructure:"type" validate:"omitempty,oneof=local http"`

	// Path is the local state file, relative to the root.
	Path string `mapstructure:"path"`

	// HTTP carries the remote backend settings when Type is "http".
	HTTP state.HTTPConfig `mapstructure:",squash"`
}

// Service is one configured remote target bound to a plugin.
type Service struct {
	Plugin      string         `mapstructure:"plugin" validate:"required"`
	Environment string         `mapstructure:"environment"`
	Settings    map[string]any `mapstructure:"settings"`
}

// substitution matches ${ENV_VAR} references in the raw configuration text.
var substitution = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates lgc.toml from root. Scalar ${ENV_VAR} references
// are substituted before parsing; a missing variable fails the load.
func Load(root string) (*Config, error) {
	path := filepath.Join(root, DefaultFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewError(engine.KindConfig, fmt.Sprintf("unable to read %s", path), err)
	}

	expanded, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetDefault("core.workspace", DefaultWorkspace)
	v.SetDefault("core.base_dir", ".")
	v.SetDefault("state.type", "local")
	v.SetDefault("state.path", state.DefaultLocalPath)

	// LGC_* environment overrides, highest precedence.
	for _, key := range []string{
		"core.workspace",
		"core.base_dir",
		"state.address",
		"state.username",
		"state.password",
		"state.lock_address",
		"state.lock_method",
		"state.unlock_address",
		"state.unlock_method",
	} {
		envVar := "LGC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, engine.NewError(engine.KindConfig, "unable to bind environment", err)
		}
	}

	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return nil, engine.NewError(engine.KindConfig, fmt.Sprintf("malformed %s", path), err)
	}

	cfg := &Config{Root: root}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, engine.NewError(engine.KindConfig, fmt.Sprintf("invalid %s", path), err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func substituteEnv(raw []byte) ([]byte, error) {
	var missing []string
	expanded := substitution.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(substitution.FindSubmatch(ref)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, engine.Errorf(engine.KindConfigSubstitution,
			"unresolved substitution(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return engine.NewError(engine.KindConfig, "invalid configuration", err)
	}

	for id, svc := range c.Services {
		if err := EnsureKebabCase(id); err != nil {
			return err
		}
		if svc.Environment != "" {
			if err := EnsureKebabCase(svc.Environment); err != nil {
				return err
			}
		}
	}

	// Services and environments share a namespace; an identifier naming both
	// is rejected at load time, not at resolution.
	for id := range c.Services {
		for _, svc := range c.Services {
			if svc.Environment == id {
				return engine.Errorf(engine.KindAmbiguousIdentifier,
					"identifier %q names both a service and an environment", id)
			}
		}
	}
	return nil
}

// Save writes the configuration back to lgc.toml. Used by init and the
// services subcommands; comments in a hand-edited file are not preserved.
func (c *Config) Save() error {
	v := viper.New()
	v.SetConfigType("toml")
	v.Set("core.workspace", c.Core.Workspace)
	v.Set("core.base_dir", c.Core.BaseDir)
	v.Set("state.type", c.State.Type)
	if c.State.Type == "" || c.State.Type == "local" {
		v.Set("state.path", c.State.Path)
	} else {
		v.Set("state.address", c.State.HTTP.Address)
		if c.State.HTTP.LockAddress != "" {
			v.Set("state.lock_address", c.State.HTTP.LockAddress)
		}
		if c.State.HTTP.UnlockAddress != "" {
			v.Set("state.unlock_address", c.State.HTTP.UnlockAddress)
		}
	}
	for id, svc := range c.Services {
		v.Set("services."+id+".plugin", svc.Plugin)
		if svc.Environment != "" {
			v.Set("services."+id+".environment", svc.Environment)
		}
		if len(svc.Settings) > 0 {
			v.Set("services."+id+".settings", svc.Settings)
		}
	}

	path := filepath.Join(c.Root, DefaultFile)
	if err := v.WriteConfigAs(path); err != nil {
		return engine.NewError(engine.KindConfig, fmt.Sprintf("unable to write %s", path), err)
	}
	return nil
}

// WorkspaceDir is the absolute detections directory.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.Root, c.Core.Workspace)
}

// PluginsDir is the plugin modules directory under base_dir.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.Core.BaseDir, "plugins")
}

// OpenStore builds the configured state backend.
func (c *Config) OpenStore(logger zerolog.Logger) (engine.Store, error) {
	switch c.State.Type {
	case "", "local":
		path := c.State.Path
		if path == "" {
			path = state.DefaultLocalPath
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Root, path)
		}
		return state.NewLocal(path, logger), nil
	case "http":
		return state.NewHTTP(c.State.HTTP, logger)
	default:
		return nil, engine.Errorf(engine.KindConfig, "unknown state backend %q", c.State.Type)
	}
}

// SettingsJSON serializes a service's settings table.
func (s Service) SettingsJSON() ([]byte, error) {
	if s.Settings == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(s.Settings)
	if err != nil {
		return nil, engine.NewError(engine.KindConfig, "unable to serialize service settings", err)
	}
	return data, nil
}
