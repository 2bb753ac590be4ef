package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/store"
)

var allQueues = []bundle.Queue{
	bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending,
	bundle.QueueDelivered, bundle.QueueExpired, bundle.QueueQuarantine,
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show per-queue bundle counts and live byte usage",
	RunE:  runQueues,
}

func init() {
	RootCmd.AddCommand(queuesCmd)
}

func runQueues(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	for _, q := range allQueues {
		recs, err := st.ListByQueue(ctx, q, store.ListFilter{}, 0)
		if err != nil {
			return fmt.Errorf("list %s: %w", q, err)
		}
		fmt.Printf("%-12s %d\n", q, len(recs))
	}

	live, err := st.TotalLiveBytes(ctx)
	if err != nil {
		return fmt.Errorf("total live bytes: %w", err)
	}
	fmt.Printf("\nlive_bytes: %d\n", live)
	fmt.Printf("budget:     %d\n", cfg.Evictor.BudgetBytes)
	return nil
}
