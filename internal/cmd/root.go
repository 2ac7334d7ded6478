package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nctiggy/nwha/internal/config"
	"github.com/nctiggy/nwha/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "nwha",
	Short: "Autonomous coding agent session server",
	Long: `nwha runs AI coding agents (Claude Code, with Codex as a fallback) in
bounded, pausable sessions. Each session owns an interactive terminal in its
project workspace and advances one iteration per prompt until its iteration
budget is spent.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/nwha/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// .env values become process environment before viper reads it.
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("NWHA")
	// NWHA_SESSION_MAX_ITERATIONS_DEFAULT for session.max_iterations_default
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.BindLegacyEnv()

	_ = viper.ReadInConfig()
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
}
