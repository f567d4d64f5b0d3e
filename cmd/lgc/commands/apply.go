package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

func newApplyCommand(version string) *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "apply [identifier]",
		Short: "Deploy workspace detections to the remote systems",
		Args:  cobra.MaximumNArgs(1),
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
				return fmt.Errorf("nothing to apply, no service in scope")
			}

			rec, err := app.reconciler(version)
			if err != nil {
				return err
			}

			res, err := rec.Apply(cmd.Context(), targets, confirmFunc(autoApprove, "Apply these changes?"))
			if err != nil {
				return err
			}
			if res.Declined {
				fmt.Println("apply cancelled")
				return nil
			}
			if !printResult(res, "apply") {
				return exitWith(1, nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "auto-approve", "a", false, "skip the interactive confirmation")

	return cmd
}

// confirmFunc prints the plan and, unless auto-approved, asks the user to
// proceed. An empty plan skips the prompt.
func confirmFunc(autoApprove bool, prompt string) engine.ConfirmFunc {
	return func(plan *engine.Plan) (bool, error) {
		if !printPlan(plan, false) {
			fmt.Println("no changes detected")
			return false, nil
		}
		if autoApprove {
			return true, nil
		}

		var proceed bool
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().Title(prompt).Value(&proceed),
		))
		if err := form.Run(); err != nil {
			return false, err
		}
		return proceed, nil
	}
}
