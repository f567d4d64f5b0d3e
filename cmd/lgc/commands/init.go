package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/logcraft-io/logcraft-cli/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		root          string
		workspaceName string
		create        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a LogCraft project",
		Long: `Create lgc.toml and the .logcraft directory in the target directory.

With --create the workspace directory is created as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				return exitWith(2, fmt.Errorf("invalid project root %q", root))
			}

			configPath := filepath.Join(root, config.DefaultFile)
			if _, err := os.Stat(configPath); err == nil {
				return exitWith(1, fmt.Errorf("%s already exists", configPath))
			}

			cfg := &config.Config{
				Root: root,
				Core: config.Core{
					Workspace: workspaceName,
					BaseDir:   ".",
				},
				State: config.StateConfig{
					Type: "local",
					Path: ".logcraft/state.json",
				},
			}
			if err := cfg.Save(); err != nil {
				return exitWith(2, err)
			}

			if err := os.MkdirAll(filepath.Join(root, ".logcraft"), 0750); err != nil {
				return exitWith(2, err)
			}
			if create {
				if err := os.MkdirAll(filepath.Join(root, workspaceName), 0750); err != nil {
					return exitWith(2, err)
				}
			}

			fmt.Printf("project initialized in %s\n", root)
			return nil
		},
	}

	cmd.Flags().StringVarP(&root, "root", "r", ".", "project root directory")
	cmd.Flags().StringVarP(&workspaceName, "workspace", "w", config.DefaultWorkspace, "workspace directory name")
	cmd.Flags().BoolVarP(&create, "create", "c", false, "create the workspace directory")

	return cmd
}
