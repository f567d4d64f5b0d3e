package commands

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping [identifier]",
		Short: "Probe the reachability of the services in scope",
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

			scope, err := app.registry.Resolve(identifier)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			failures := 0

			g, ctx := errgroup.WithContext(cmd.Context())
			for _, rs := range scope {
				g.Go(func() error {
					settings, err := rs.Service.SettingsJSON()
					if err != nil {
						return err
					}

					ok := false
					client, err := app.host.ServiceClient(ctx, rs.Service.Plugin, settings)
					if err == nil {
						ok, err = client.Ping(ctx)
					}

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						failures++
						fmt.Printf("%s %s: %v\n", removeStyle.Render("✗"), rs.ID, err)
					case !ok:
						failures++
						fmt.Printf("%s %s: unreachable\n", removeStyle.Render("✗"), rs.ID)
					default:
						fmt.Printf("%s %s: reachable\n", addStyle.Render("✓"), rs.ID)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if failures > 0 {
				return exitWith(1, nil)
			}
			return nil
		},
	}

	return cmd
}
