package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDestroyCommand(version string) *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy [identifier]",
		Short: "Remove deployed detections from the remote systems",
		Long: `Delete every detection deployed for the services in scope, including
remote artifacts observed outside the state.`,
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
				return fmt.Errorf("nothing to destroy, no service in scope")
			}

			rec, err := app.reconciler(version)
			if err != nil {
				return err
			}

			res, err := rec.Destroy(cmd.Context(), targets, confirmFunc(autoApprove, "Destroy these detections?"))
			if err != nil {
				return err
			}
			if res.Declined {
				fmt.Println("destroy cancelled")
				return nil
			}
			if !printResult(res, "destroy") {
				return exitWith(1, nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")

	return cmd
}
