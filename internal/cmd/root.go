// Package cmd implements the graind command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// Command group IDs
const (
	groupCore  = "core"
	groupSetup = "setup"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "graind",
	Short: "primary-key and foreign-key discovery for undocumented databases",
	Long: `graind - primary-key and foreign-key discovery for undocumented databases
  - discover: scan a source schema and persist grains, profiles, and FK edges
  - status:   summarise catalog coverage`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.graind/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupCore, Title: "Core Commands:"},
		&cobra.Group{ID: groupSetup, Title: "Setup & Configuration:"},
	)

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(grainCmd)
	rootCmd.AddCommand(versionCmd)
}
