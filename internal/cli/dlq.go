package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/engine"
	"github.com/harun/agentcore/pkg/eventqueue"
	"github.com/harun/agentcore/pkg/storage"
)

var (
	dlqEventType string
	dlqLimit     int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the persisted dead letter queue",
	Long: `Inspect dead letter queue items mirrored to the configured storage
backend. Reprocessing needs the live queue; use the admin server's
/v1/dlq endpoints for that.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue items, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead letter queue item",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQShow,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqEventType, "event-type", "", "only list items of this event type")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 0, "maximum number of items (0 for all)")
	dlqCmd.AddCommand(dlqListCmd, dlqShowCmd)
	rootCmd.AddCommand(dlqCmd)
}

// withDLQ opens storage and restores the mirrored DLQ items into memory.
func withDLQ(ctx context.Context, fn func(cfg *config.Config, dlq *eventqueue.DLQ) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Queue.PersistDLQ {
		return fmt.Errorf("queue.persist_dlq is disabled; DLQ items only live in the running process")
	}

	store, err := engine.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, ok := store.(storage.Lister); !ok {
		return fmt.Errorf("storage backend %q cannot list DLQ items", cfg.Storage.Backend)
	}
	dlq := eventqueue.NewDLQ(engine.DLQConfig(cfg.Queue, store))
	if _, err := dlq.Restore(ctx); err != nil {
		return fmt.Errorf("failed to load DLQ: %w", err)
	}
	return fn(cfg, dlq)
}

func runDLQList(cmd *cobra.Command, _ []string) error {
	return withDLQ(cmd.Context(), func(_ *config.Config, dlq *eventqueue.DLQ) error {
		var items []eventqueue.DLQItem
		for _, it := range dlq.List() {
			if dlqEventType != "" && it.Event.Type != dlqEventType {
				continue
			}
			items = append(items, it)
			if dlqLimit > 0 && len(items) == dlqLimit {
				break
			}
		}
		printDLQItems(cmd.OutOrStdout(), items)
		return nil
	})
}

func printDLQItems(out io.Writer, items []eventqueue.DLQItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No DLQ items")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT TYPE\tATTEMPTS\tLAST FAILED\tERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.Event.Type, it.AttemptsMade,
			it.LastFailedAt.Format(time.RFC3339), truncate(it.Error, 60))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "%d item(s)\n", len(items))
}

func runDLQShow(cmd *cobra.Command, args []string) error {
	return withDLQ(cmd.Context(), func(_ *config.Config, dlq *eventqueue.DLQ) error {
		item, ok := dlq.Get(args[0])
		if !ok {
			return fmt.Errorf("dlq item %s not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), item)
	})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
