package cmd

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pgstore "github.com/trailmesh/bundle/store/postgres"
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Inspect and manage peer contact records",
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers and their effectiveness scores",
	RunE:  runPeerList,
}

var peerContactCmd = &cobra.Command{
	Use:   "contact <peer-id> <pubkey-hex>",
	Short: "Record (or refresh) a peer contact, seeding its effectiveness record",
	Args:  cobra.ExactArgs(2),
	RunE:  runPeerContact,
}

func init() {
	RootCmd.AddCommand(peerCmd)
	peerCmd.AddCommand(peerListCmd, peerContactCmd)
}

// peerRepo opens the postgres-backed peer repository, or reports the
// in-memory-only limitation when the node is configured for the memory
// driver: a running bundled node's own contact history only durably
// exists under postgres, and bundlectl has no other way to see it.
func peerRepo(cmd *cobra.Command) (*pgstore.PeerStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := openPool(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil {
		return nil, nil, nil
	}
	return pgstore.NewPeerStore(pool), pool.Close, nil
}

func runPeerList(cmd *cobra.Command, args []string) error {
	repo, closePool, err := peerRepo(cmd)
	if err != nil {
		return err
	}
	if repo == nil {
		fmt.Println("storage driver is not postgres; peer contact history is process-local and empty here")
		return nil
	}
	defer closePool()

	m, err := repo.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	for _, p := range m.All() {
		fmt.Printf("%-20s first_seen=%s last_contact=%s delivered_to_us=%d delivered_to_them=%d effectiveness=%.3f\n",
			p.PeerID, p.FirstSeen.Format(time.RFC3339), p.LastContact.Format(time.RFC3339),
			p.DeliveredToUsCount, p.DeliveredToThemCount, p.Effectiveness)
	}
	return nil
}

func runPeerContact(cmd *cobra.Command, args []string) error {
	peerID := args[0]
	pub, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}

	repo, closePool, err := peerRepo(cmd)
	if err != nil {
		return err
	}
	if repo == nil {
		fmt.Println("warning: storage driver is not postgres; this contact is not persisted")
		return nil
	}
	defer closePool()

	m, err := repo.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	p := m.Touch(peerID, pub)
	if err := repo.Save(cmd.Context(), p); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	fmt.Printf("contacted %s at %s\n", peerID, p.LastContact.Format(time.RFC3339))
	return nil
}
