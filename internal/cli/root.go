package cli

import (
	"fmt"

	"github.com/harun/tata/internal/config"
	"github.com/harun/tata/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tata",
	Short: "TATA - conversational agent runtime",
	Long: `TATA is a conversational agent runtime that plans with a language model,
calls tools, asks the user when it needs input and keeps every session
resumable. It serves turns over HTTP, SSE and WebSocket, or chats in the
terminal.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tata/tata.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The --log-level flag wins over the
// config file when set explicitly.
func newLogger(cmd *cobra.Command, cfg *config.Config, console bool) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		level = logLevel
	}
	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
}
