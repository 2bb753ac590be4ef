package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/evictor"
	"github.com/trailmesh/bundle/ingress"
	"github.com/trailmesh/bundle/internal/logger"
	"github.com/trailmesh/bundle/keyring"
	"github.com/trailmesh/bundle/receipt"
)

var (
	submitTopic       string
	submitPayloadType string
	submitPayloadFile string
	submitPriority    string
	submitAudience    string
	submitTTL         time.Duration
	submitHopLimit    uint32
	submitReceipts    []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Sign and enqueue a new bundle into the local outbox",
	Example: `  # Submit a public, normal-priority bundle from stdin
  echo hello | bundlectl submit --topic chat --payload-type text/plain --ttl 1h

  # Submit an emergency bundle read from a file
  bundlectl submit --topic alert --payload-type app/alert --priority emergency \
    --payload-file alert.bin --ttl 24h --receipts received,delivered`,
	RunE: runSubmit,
}

func init() {
	RootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitTopic, "topic", "", "topic string (required)")
	submitCmd.Flags().StringVar(&submitPayloadType, "payload-type", "", "opaque payload type tag (required)")
	submitCmd.Flags().StringVar(&submitPayloadFile, "payload-file", "", "payload file path (default: read stdin)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "low|normal|perishable|emergency")
	submitCmd.Flags().StringVar(&submitAudience, "audience", "public", "public|local|trusted|private")
	submitCmd.Flags().DurationVar(&submitTTL, "ttl", time.Hour, "time-to-live from now")
	submitCmd.Flags().Uint32Var(&submitHopLimit, "hop-limit", 8, "maximum forwarding hop count")
	submitCmd.Flags().StringSliceVar(&submitReceipts, "receipts", nil, "requested receipt kinds: received,forwarded,delivered,expired")

	_ = submitCmd.MarkFlagRequired("topic")
	_ = submitCmd.MarkFlagRequired("payload-type")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	priority, err := bundle.ParsePriority(submitPriority)
	if err != nil {
		return err
	}
	audience, err := bundle.ParseAudience(submitAudience)
	if err != nil {
		return err
	}

	// A nil policy lets the role's default receipt preset apply; passing
	// --receipts (even empty) makes the choice explicit.
	var policy bundle.ReceiptPolicy
	if cmd.Flags().Changed("receipts") {
		kinds := make([]bundle.ReceiptKind, 0, len(submitReceipts))
		for _, k := range submitReceipts {
			kinds = append(kinds, bundle.ReceiptKind(k))
		}
		policy, err = bundle.NewReceiptPolicy(kinds...)
		if err != nil {
			return err
		}
	}

	payload, err := readPayload()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	signer, kp, err := loadOrGenerateSigner(cfg)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	issuer := receipt.NewIssuer(cfg.NodeID, signer, st)
	ev := evictor.New(st, issuer, evictor.Config{
		BudgetBytes: cfg.Evictor.BudgetBytes,
		Interval:    cfg.Evictor.Interval,
		Weights:     evictor.Weights{Priority: 1, Age: 1, NotDeliv: 1, NotFwd: 1, Size: 1, MaxPayload: cfg.Evictor.MaxPayload},
	}, logger.GetDefaultLogger())
	svc := ingress.New(cfg.NodeID, st, signer, keyring.New(), ev, issuer, ingress.Config{
		MaxPayloadBytes:      cfg.Ingress.MaxPayloadBytes,
		PurgeGraceWindow:     cfg.Sweeper.GraceWindow,
		RetryMaxAttempts:     cfg.Ingress.RetryMaxAttempts,
		RetryBaseDelay:       cfg.Ingress.RetryBaseDelay,
		RetryMaxDelay:        cfg.Ingress.RetryMaxDelay,
		DefaultReceiptPolicy: roleReceiptPolicy(cfg),
	}, logger.GetDefaultLogger())

	env, err := svc.Submit(ctx, kp.Raw(), ingress.SubmitRequest{
		Priority:      priority,
		Audience:      audience,
		Topic:         submitTopic,
		PayloadType:   submitPayloadType,
		Payload:       payload,
		TTL:           submitTTL,
		ReceiptPolicy: policy,
		HopLimit:      submitHopLimit,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	fmt.Printf("bundle_id: %s\n", env.BundleID)
	fmt.Printf("expires:   %s\n", env.ExpiresAt.Format(time.RFC3339))
	return nil
}

func readPayload() ([]byte, error) {
	if submitPayloadFile != "" {
		return os.ReadFile(submitPayloadFile)
	}
	return readAllStdin()
}

func readAllStdin() ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}
