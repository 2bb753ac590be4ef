package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate (or show) this node's Ed25519 signing key",
	Long: `keygen loads the node's signing key from the configured key store,
generating and persisting a new Ed25519 key pair if none exists yet, then
prints its public key.`,
	RunE: runKeygen,
}

func init() {
	RootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, kp, err := loadOrGenerateSigner(cfg)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	fmt.Printf("node_id: %s\n", cfg.NodeID)
	fmt.Printf("key_id:  %s\n", kp.ID())
	fmt.Printf("pubkey:  %s\n", hex.EncodeToString(kp.Raw()))
	return nil
}
