package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/logcraft-io/logcraft-cli/pkg/config"
	"github.com/logcraft-io/logcraft-cli/pkg/diff"
	"github.com/logcraft-io/logcraft-cli/pkg/engine"
	"github.com/logcraft-io/logcraft-cli/pkg/plugins/host"
	"github.com/logcraft-io/logcraft-cli/pkg/telemetry"
	"github.com/logcraft-io/logcraft-cli/pkg/workspace"
)

var (
	addStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	modifyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// app bundles the wired components every command needs.
type app struct {
	cfg      *config.Config
	registry *config.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	host     *host.Host
}

// newApp loads lgc.toml from the working directory and wires logging,
// telemetry and the sandbox host.
func newApp(ctx context.Context) (*app, error) {
	telCfg := telemetry.DefaultConfig()
	telCfg.Logging.Level = logLevel
	if os.Getenv("LGC_FORCE_COLORS") != "" {
		telCfg.Logging.ForceColors = true
		lipgloss.SetColorProfile(termenv.ANSI256)
	}

	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(telCfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}

	h, err := host.NewHost(ctx, cfg.PluginsDir(), host.Config{}, logger.Zerolog())
	if err != nil {
		return nil, err
	}
	h.WithMetrics(metrics)

	return &app{
		cfg:      cfg,
		registry: config.NewRegistry(cfg),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		host:     h,
	}, nil
}

// reconciler wires the configured store and the host into an engine
// reconciler.
func (a *app) reconciler(version string) (*engine.Reconciler, error) {
	store, err := a.cfg.OpenStore(a.logger.Zerolog())
	if err != nil {
		return nil, err
	}
	r := engine.NewReconciler(store, a.host, a.logger.Zerolog()).
		WithTelemetry(a.metrics, a.tracer)
	r.Version = version
	return r, nil
}

// targets resolves the identifier scope and attaches the workspace view.
func (a *app) targets(identifier string) ([]engine.ServiceTarget, error) {
	scope, err := a.registry.Resolve(identifier)
	if err != nil {
		return nil, err
	}

	plugins, err := a.host.PluginNames()
	if err != nil {
		return nil, err
	}

	loader := workspace.NewLoader(a.cfg.WorkspaceDir(), a.logger.Zerolog())
	detections, err := loader.Load(plugins)
	if err != nil {
		return nil, err
	}

	desired := make(map[string]map[string][]byte, len(detections))
	for plugin, files := range detections {
		desired[plugin] = workspace.Contents(files)
	}

	return a.registry.Targets(scope, desired)
}

// printPlan renders the operation set; verbose adds per-field diffs for
// updates. Returns true when the plan contains changes.
func printPlan(plan *engine.Plan, verbose bool) bool {
	for _, w := range plan.Drift {
		fmt.Printf("[!] %s exists on %s but is not managed\n",
			modifyStyle.Render(w.Detection), boldStyle.Render(w.Service))
	}

	diffCfg := diff.DefaultConfig()
	for _, op := range plan.Ops {
		switch op.Kind {
		case engine.OpCreate:
			fmt.Printf("[+] %s will be created on %s\n",
				addStyle.Render(op.Detection), boldStyle.Render(op.Service))
		case engine.OpUpdate:
			fmt.Printf("[~] %s will be updated on %s\n",
				modifyStyle.Render(op.Detection), boldStyle.Render(op.Service))
			if verbose {
				if err := diffCfg.WriteJSON(os.Stdout, op.Desired, op.Prior); err != nil {
					fmt.Printf("    (diff unavailable: %v)\n", err)
				}
			}
		case engine.OpDelete:
			fmt.Printf("[-] %s will be removed from %s\n",
				removeStyle.Render(op.Detection), boldStyle.Render(op.Service))
		}
	}
	return plan.HasChanges()
}

// printResult renders the outcome of the named phase and reports failure.
func printResult(res *engine.Result, phase string) bool {
	if len(res.Applied) == 0 && len(res.Failed) == 0 {
		fmt.Println("no changes detected")
		return true
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "ERROR %s: %s\n", phase, f.Err)
	}
	fmt.Printf("%d operation(s) applied, %d failed, state serial %d\n",
		len(res.Applied), len(res.Failed), res.Serial)
	return len(res.Failed) == 0
}
