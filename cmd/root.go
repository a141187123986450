package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"clawgate/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "Channel gateway orchestration with credential profiles",
	Long:  "Clawgate runs channel plugins, drives one gateway per configured account, and resolves their credentials from managed profiles.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $CLAWGATE_CONFIG or ./config.{json,yaml})")
}

// loadConfig honors --config before the usual lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	return config.LoadConfig()
}
