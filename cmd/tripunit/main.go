package main

import (
	"fmt"
	"os"

	"codeberg.org/mutker/tripunit/internal/config"
	"codeberg.org/mutker/tripunit/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "tripunit",
	Short:         "Trip unit sampling pipeline and waveform capture",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		var err error
		cfg, err = config.Load(
			config.WithConfigFile(cfgFile),
			config.WithFlags(cmd.Flags()),
		)
		if err != nil {
			return err
		}

		logger.Init(cfg.LogLevel.String(), logger.IsService())
		logger.Debug().Str("config", cfgFile).Msg("Config loaded")

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warning, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(capturesCmd)
	rootCmd.AddCommand(meteringCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
