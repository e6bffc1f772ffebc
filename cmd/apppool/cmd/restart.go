package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// restartCmd represents the restart command.
var restartCmd = &cobra.Command{
	Use:   "restart <app_root>",
	Short: "Trigger a restart for an application root",
	Long:  `Touch <app_root>/tmp/restart.txt. The daemon purges the application's instances and reloads its code on the next acquisition for that root.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		appRoot := args[0]

		dir := filepath.Join(appRoot, "tmp")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}

		trigger := filepath.Join(dir, "restart.txt")
		f, err := os.Create(trigger)
		if err != nil {
			return fmt.Errorf("failed to touch %s: %w", trigger, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", trigger, err)
		}

		fmt.Printf("restart triggered for %s\n", appRoot)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
