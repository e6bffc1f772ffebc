// Package cmd provides the CLI commands for the apppool application.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "apppool",
	Short: "Application instance pool daemon and utilities",
	Long:  `A pool manager for long-lived application worker instances: spawns, reuses, evicts and restarts workers per application root and proxies request sessions to them.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
