package cli

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/supervisor"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agentcore engine",
	Long: `Stop a running agentcore engine gracefully.
Sends SIGTERM and waits for it to shut down, then SIGKILL after the timeout.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the engine to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := pidFilePath(cfg)

	if !supervisor.IsRunning(pidFile) {
		return fmt.Errorf("agentcore is not running (PID file: %s)", pidFile)
	}
	if err := supervisor.Signal(pidFile, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !supervisor.IsRunning(pidFile) {
			fmt.Fprintln(out, "agentcore stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := supervisor.Signal(pidFile, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = supervisor.New(pidFile).RemovePID()
	fmt.Fprintln(out, "agentcore killed")
	return nil
}
