package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/supervisor"
	"github.com/harun/agentcore/pkg/eventqueue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Show whether the agentcore engine is running and, when its admin server
is reachable, the current queue statistics.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := pidFilePath(cfg)

	if !supervisor.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := supervisor.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if cfg.Server.Enabled {
		if stats, err := fetchQueueStats(cmd.Context(), "http://"+cfg.Server.Addr()); err == nil {
			fmt.Fprintf(out, "Queue: %d/%d", stats.Size, stats.MaxQueueDepth)
			if stats.Backpressure {
				fmt.Fprint(out, " (backpressure)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Pending retries: %d\n", stats.PendingRetries)
			fmt.Fprintf(out, "DLQ: %d\n", stats.DLQSize)
			fmt.Fprintf(out, "Circuit: %s (%d/%d failures)\n", stats.Circuit.State, stats.Circuit.ConsecutiveFailures, stats.Circuit.Threshold)
		}
	}
	return nil
}

func fetchQueueStats(ctx context.Context, baseURL string) (eventqueue.Stats, error) {
	var stats eventqueue.Stats
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/queue/stats", nil)
	if err != nil {
		return stats, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("admin server returned %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
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
