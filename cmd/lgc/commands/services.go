package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/logcraft-io/logcraft-cli/pkg/config"
)

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Manage configured services",
	}

	cmd.AddCommand(newServicesCreateCommand())
	cmd.AddCommand(newServicesConfigureCommand())
	cmd.AddCommand(newServicesListCommand())
	cmd.AddCommand(newServicesRemoveCommand())

	return cmd
}

func newServicesCreateCommand() *cobra.Command {
	var (
		id          string
		plugin      string
		environment string
		configure   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service bound to a plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.host.Close(cmd.Context()) //nolint:errcheck

			if err := config.EnsureKebabCase(id); err != nil {
				return err
			}
			if _, exists := app.cfg.Services[id]; exists {
				return exitWith(1, fmt.Errorf("service %q already exists", id))
			}

			plugins, err := app.host.PluginNames()
			if err != nil {
				return err
			}
			known := false
			for _, name := range plugins {
				if name == plugin {
					known = true
					break
				}
			}
			if !known {
				return exitWith(2, fmt.Errorf("unknown plugin %q", plugin))
			}

			svc := config.Service{Plugin: plugin, Environment: environment}
			if configure {
				svc.Settings, err = defaultSettings(cmd, app, plugin)
				if err != nil {
					return err
				}
			}

			if app.cfg.Services == nil {
				app.cfg.Services = make(map[string]config.Service)
			}
			app.cfg.Services[id] = svc
			if err := app.cfg.Save(); err != nil {
				return err
			}

			fmt.Printf("service %s created\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&id, "id", "i", "", "service identifier")
	cmd.Flags().StringVarP(&plugin, "plugin", "p", "", "plugin name")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment tag")
	cmd.Flags().BoolVarP(&configure, "default", "c", false, "seed settings with the plugin defaults")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("plugin")

	return cmd
}

func newServicesConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure <id>",
		Short: "Interactively configure a service's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.host.Close(cmd.Context()) //nolint:errcheck

			svc, ok := app.cfg.Services[id]
			if !ok {
				return exitWith(1, fmt.Errorf("unknown service %q", id))
			}

			attrs, err := settingsSchema(cmd, app, svc.Plugin)
			if err != nil {
				return err
			}
			if len(attrs) == 0 {
				app.logger.Info("plugin does not provide a settings schema for interactive configuration")
				return nil
			}

			if svc.Settings == nil {
				svc.Settings = make(map[string]any)
			}

			inputs := make(map[string]*string, len(attrs))
			var fields []huh.Field
			for _, attr := range attrs {
				current := attr.defaultString()
				if existing, ok := svc.Settings[attr.name]; ok {
					current = settingString(existing)
				}
				value := new(string)
				*value = current
				inputs[attr.name] = value

				input := huh.NewInput().Title(attr.title()).Value(value)
				if attr.sensitive {
					input = input.EchoMode(huh.EchoModePassword)
				}
				fields = append(fields, input)
			}

			if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
				return err
			}

			for _, attr := range attrs {
				raw := strings.TrimSpace(*inputs[attr.name])
				if raw == "" {
					continue
				}
				svc.Settings[attr.name] = attr.parse(raw)
			}

			app.cfg.Services[id] = svc
			if err := app.cfg.Save(); err != nil {
				return err
			}

			fmt.Printf("service %s configured\n", id)
			return nil
		},
	}

	return cmd
}

func newServicesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.host.Close(cmd.Context()) //nolint:errcheck

			ids := make([]string, 0, len(app.cfg.Services))
			for id := range app.cfg.Services {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			for _, id := range ids {
				svc := app.cfg.Services[id]
				if svc.Environment != "" {
					fmt.Printf("%s\t%s\t%s\n", id, svc.Plugin, svc.Environment)
				} else {
					fmt.Printf("%s\t%s\n", id, svc.Plugin)
				}
			}
			return nil
		},
	}

	return cmd
}

func newServicesRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.host.Close(cmd.Context()) //nolint:errcheck

			if _, ok := app.cfg.Services[id]; !ok {
				return exitWith(1, fmt.Errorf("unknown service %q", id))
			}
			delete(app.cfg.Services, id)
			if err := app.cfg.Save(); err != nil {
				return err
			}

			fmt.Printf("service %s removed\n", id)
			return nil
		},
	}

	return cmd
}

// settingsAttr is one property of a plugin's settings schema.
type settingsAttr struct {
	name        string
	kind        string
	description string
	def         any
	sensitive   bool
}

func (a settingsAttr) title() string {
	if a.description != "" {
		return a.description
	}
	return a.name
}

func (a settingsAttr) defaultString() string {
	if a.def == nil {
		return ""
	}
	return settingString(a.def)
}

// parse converts prompt input back to the schema's type; unparsable input
// stays a string.
func (a settingsAttr) parse(raw string) any {
	switch a.kind {
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return raw
		}
		return b
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return raw
		}
		return n
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return raw
		}
		return f
	default:
		return raw
	}
}

func settingString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// settingsSchema fetches and flattens the plugin's settings schema into
// prompt attributes, sorted by property name.
func settingsSchema(cmd *cobra.Command, app *app, plugin string) ([]settingsAttr, error) {
	inst, err := app.host.Instance(cmd.Context(), plugin)
	if err != nil {
		return nil, err
	}
	raw, err := inst.SettingsSchema(cmd.Context())
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
			Sensitive   bool   `json:"sensitive"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("plugin %s settings schema: %w", plugin, err)
	}

	attrs := make([]settingsAttr, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		attrs = append(attrs, settingsAttr{
			name:        name,
			kind:        prop.Type,
			description: prop.Description,
			def:         prop.Default,
			sensitive:   prop.Sensitive,
		})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].name < attrs[j].name })
	return attrs, nil
}

// defaultSettings seeds a service's settings from the schema defaults.
func defaultSettings(cmd *cobra.Command, app *app, plugin string) (map[string]any, error) {
	attrs, err := settingsSchema(cmd, app, plugin)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}

	settings := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if attr.def != nil {
			settings[attr.name] = attr.def
		}
	}
	return settings, nil
}
