package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/store"
)

var (
	fetchQueue string
	fetchTopic string
	fetchLimit int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "List bundles currently held in a queue",
	RunE:  runFetch,
}

func init() {
	RootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchQueue, "queue", string(bundle.QueueInbox), "inbox|outbox|pending|delivered|expired|quarantine")
	fetchCmd.Flags().StringVar(&fetchTopic, "topic", "", "restrict to this topic (default: every topic)")
	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 50, "maximum bundles to list (0 = unbounded)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	recs, err := st.ListByQueue(ctx, bundle.Queue(fetchQueue), store.ListFilter{Topic: fetchTopic}, fetchLimit)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", fetchQueue, err)
	}
	if len(recs) == 0 {
		fmt.Println("no bundles found")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  topic=%s  priority=%s  bytes=%d  expires=%s\n",
			rec.Envelope.BundleID, rec.Envelope.Topic, rec.Envelope.Priority,
			len(rec.Envelope.Payload), rec.Envelope.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
