package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/engine"
	"github.com/harun/agentcore/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect persisted session context",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print the stored session record for a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionRecoverCmd = &cobra.Command{
	Use:   "recover <thread-id>",
	Short: "Recover a thread's context after a gap and print the result",
	Long: `Recover a thread's context the way the engine does before executing a
plan. When the gap since the last activity exceeds the recovery gap the
context is marked recovered and inferences from the latest snapshot are
attached.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionRecover,
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd, sessionRecoverCmd)
	rootCmd.AddCommand(sessionCmd)
}

func withSessions(ctx context.Context, fn func(m *session.Manager) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := engine.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(session.NewManager(store, engine.SessionConfig(cfg.Session)))
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	return withSessions(cmd.Context(), func(m *session.Manager) error {
		rec, err := m.Get(cmd.Context(), args[0])
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("no session for thread %s", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runSessionRecover(cmd *cobra.Command, args []string) error {
	return withSessions(cmd.Context(), func(m *session.Manager) error {
		res, err := m.Recover(cmd.Context(), args[0])
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("no recoverable session for thread %s", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}
