package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		stateOnly bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "plan [identifier]",
		Short: "Preview the changes that lgc will make",
		Long: `Compare the workspace, the state, and the remote systems, and print the
operations an apply would perform.

With --state-only the remote systems are not queried; the observed view is
the state itself.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var identifier string
			if len(args) == 1 {
				identifier = args[0]
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.host.Close(cmd.Context()) //nolint:errcheck

			targets, err := app.targets(identifier)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("nothing to plan, no service in scope")
			}

			rec, err := app.reconciler(version)
			if err != nil {
				return err
			}

			plan, _, err := rec.Plan(cmd.Context(), targets, stateOnly)
			if err != nil {
				return err
			}

			if !printPlan(plan, verbose) {
				app.logger.Info("no changes detected")
				return nil
			}
			// Changes planned: distinct exit code for CI gating.
			return exitWith(2, nil)
		},
	}

	cmd.Flags().BoolVarP(&stateOnly, "state-only", "s", false, "plan using only the state, no remote calls")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print per-field diffs for updates")

	return cmd
}
