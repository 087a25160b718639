// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	debug    bool
	logLevel slog.LevelVar
	cfgFile  string
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "kds",
	Short: "Key distribution service: a symmetric-key ticket-granting server",
	Long: `kds issues short-lived, cryptographically bound tickets that let two
	mutually-unknown endpoints -- or a requestor and a group of targets --
	derive a shared signing and encryption key pair for subsequent
	authenticated communication.
`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
}

// loadConfig reads the configuration file named by --config (if any),
// binds the persistent flags on top of it, and unmarshals the result into
// cfg.
func loadConfig(cmd *cobra.Command, cfg *KDSConfig) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if cfgFile != "" {
		slog.Debug("loading configuration file", "path", cfgFile)
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}

	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}

	return cfg.validate()
}
