package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/receipt"
)

var statusCmd = &cobra.Command{
	Use:   "status <bundle-id>",
	Short: "Show a bundle's current queue and receipt trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	bundleID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	rec, err := st.GetByID(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", bundleID, err)
	}

	fmt.Printf("bundle_id: %s\n", rec.Envelope.BundleID)
	fmt.Printf("queue:     %s\n", rec.Queue)
	fmt.Printf("topic:     %s\n", rec.Envelope.Topic)
	fmt.Printf("priority:  %s\n", rec.Envelope.Priority)
	fmt.Printf("expires:   %s\n", rec.Envelope.ExpiresAt)
	fmt.Printf("hops_seen: %d\n", rec.Meta.HopsSeen)
	if rec.Meta.QuarantineReason != "" {
		fmt.Printf("quarantine_reason: %s\n", rec.Meta.QuarantineReason)
	}

	// DeliveryStatus only needs a store to scan for receipt bundles; no
	// signer is required for a read-only query.
	issuer := receipt.NewIssuer(cfg.NodeID, nil, st)
	receipts, err := issuer.DeliveryStatus(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("delivery status: %w", err)
	}
	if len(receipts) == 0 {
		fmt.Println("receipts:  none observed locally")
		return nil
	}
	fmt.Println("receipts:")
	for _, r := range receipts {
		fmt.Printf("  - %s from %s at %s", r.Kind, r.NodeID, r.At.Format("2006-01-02T15:04:05Z07:00"))
		if r.Reason != "" {
			fmt.Printf(" (%s)", r.Reason)
		}
		fmt.Println()
	}
	return nil
}
