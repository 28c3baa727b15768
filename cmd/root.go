/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	strategyName string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tgpipe",
	Short: "Telegram update dispatch pipeline",
	Long: `tgpipe routes Telegram updates through middleware, command predicates and
rate-limited handlers. Run it against the Bot API with "gateway" or locally with "console".`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $TGPIPE_CONFIG, ./config.json or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&strategyName, "strategy", "", "rate limit strategy, overrides rate_limit.strategy")
}
