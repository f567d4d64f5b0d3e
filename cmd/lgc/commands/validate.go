package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/logcraft-io/logcraft-cli/pkg/policy"
	"github.com/logcraft-io/logcraft-cli/pkg/workspace"
)

func newValidateCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace detections against schemas and policies",
		Long: `Run every workspace detection through its plugin's schema and validation,
then through the structural policies under .logcraft/<plugin>/.

Violations are collected per file and reported together; warnings do not
affect the exit code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.host.Close(ctx) //nolint:errcheck

			plugins, err := app.host.PluginNames()
			if err != nil {
				return err
			}

			loader := workspace.NewLoader(app.cfg.WorkspaceDir(), app.logger.Zerolog())
			detections, err := loader.Load(plugins)
			if err != nil {
				return err
			}

			policyLoader := policy.NewLoader(app.cfg.Root, app.logger.Zerolog())
			policyEngine := policy.NewEngine()

			// Deterministic order: plugins by name, then detections by name.
			pluginNames := make([]string, 0, len(detections))
			for name := range detections {
				pluginNames = append(pluginNames, name)
			}
			sort.Strings(pluginNames)

			var violations []policy.Violation
			for _, pluginName := range pluginNames {
				inst, err := app.host.Instance(ctx, pluginName)
				if err != nil {
					return err
				}

				policies, err := policyLoader.Load(pluginName)
				if err != nil {
					return err
				}

				var schema *jsonschema.Schema
				if raw, err := inst.DetectionSchema(ctx); err == nil && len(raw) > 0 {
					schema, err = jsonschema.CompileString(pluginName+"/detection", string(raw))
					if err != nil {
						return fmt.Errorf("plugin %s detection schema: %w", pluginName, err)
					}
				}

				files := detections[pluginName]
				names := make([]string, 0, len(files))
				for name := range files {
					names = append(names, name)
				}
				sort.Strings(names)

				for _, name := range names {
					d := files[name]
					violations = append(violations, validateDetection(cmd, inst, schema, policyEngine, policies, d)...)
				}
			}

			errorCount := 0
			for _, v := range violations {
				if v.Severity == policy.SeverityError {
					errorCount++
				}
				if quiet && v.Severity == policy.SeverityWarning {
					continue
				}
				fmt.Println(v.String())
			}

			if errorCount > 0 {
				return exitWith(1, nil)
			}
			if !quiet {
				app.logger.Infof("%d detection(s) validated", countDetections(detections))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress warnings")

	return cmd
}

// pluginValidator is the slice of the plugin instance the validate command
// exercises; narrowed for testability.
type pluginValidator interface {
	ValidateDetection(ctx context.Context, detection []byte) error
}

func validateDetection(
	cmd *cobra.Command,
	inst pluginValidator,
	schema *jsonschema.Schema,
	policyEngine *policy.Engine,
	policies []policy.Policy,
	d workspace.Detection,
) []policy.Violation {
	ctx := cmd.Context()
	var out []policy.Violation

	// Schema check first, then the plugin's own validation; either failure is
	// an error-severity finding and stops policy evaluation for the file.
	if schema != nil {
		var doc any
		if err := json.Unmarshal(d.Content, &doc); err != nil {
			return append(out, policy.Violation{
				Severity:  policy.SeverityError,
				Message:   fmt.Sprintf("not a structured document: %v", err),
				Policy:    "schema",
				Detection: d.Path,
			})
		}
		if err := schema.Validate(doc); err != nil {
			return append(out, policy.Violation{
				Severity:  policy.SeverityError,
				Message:   err.Error(),
				Policy:    "schema",
				Detection: d.Path,
			})
		}
	}

	if err := inst.ValidateDetection(ctx, d.Content); err != nil {
		return append(out, policy.Violation{
			Severity:  policy.SeverityError,
			Message:   err.Error(),
			Policy:    "plugin",
			Detection: d.Path,
		})
	}

	found, err := policyEngine.Evaluate(policies, d.Path, d.Content)
	if err != nil {
		return append(out, policy.Violation{
			Severity:  policy.SeverityError,
			Message:   err.Error(),
			Policy:    "policy",
			Detection: d.Path,
		})
	}
	return append(out, found...)
}

func countDetections(detections map[string]map[string]workspace.Detection) int {
	total := 0
	for _, files := range detections {
		total += len(files)
	}
	return total
}
