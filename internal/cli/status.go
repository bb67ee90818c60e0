package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/tata/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the TATA daemon service.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, running := daemon.IsRunning(cfg.DataDir)
	if !running {
		cmd.Println("Status: stopped")
		return nil
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	if info, err := os.Stat(daemon.PIDFilePath(cfg.DataDir)); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	cmd.Printf("Gateway: http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
