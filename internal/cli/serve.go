package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/tata/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the TATA gateway in the foreground",
	Long: `Run the TATA gateway in the foreground until interrupted.
Turns are served on /v1/turns (JSON), /v1/turns/stream (SSE) and /v1/ws
(WebSocket); metrics are exposed on /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if pid, running := daemon.IsRunning(cfg.DataDir); running && pid != os.Getpid() {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := newLogger(cmd, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	return d.Stop()
}
