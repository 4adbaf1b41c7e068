// Package commands implements the reviewctl CLI: a client for the reviewd
// HTTP API covering the whole case lifecycle from creation to outcome.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "reviewctl",
	Short: "Client for the reviewd review case daemon",
	Long: `reviewctl drives review cases on a reviewd daemon: create cases,
watch their lifecycle, respond on behalf of a human, and cancel cases that
are no longer needed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String(
		"addr", "http://localhost:3458", "reviewd base URL",
	)
	rootCmd.PersistentFlags().String(
		"format", "text", "output format: text, json",
	)

	viper.SetEnvPrefix("REVIEWCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("format",
		rootCmd.PersistentFlags().Lookup("format"))

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
}
