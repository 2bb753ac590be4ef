package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trailmesh/bundle/keyring"
	pgstore "github.com/trailmesh/bundle/store/postgres"
)

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage trust keyring membership",
}

var keyringNote string

var keyringAddCmd = &cobra.Command{
	Use:   "add <keyring> <pubkey-hex>",
	Short: "Grant a public key membership in a named keyring",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyringAdd,
}

var keyringRemoveCmd = &cobra.Command{
	Use:   "remove <keyring> <pubkey-hex>",
	Short: "Revoke a public key's membership in a named keyring",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyringRemove,
}

var keyringListCmd = &cobra.Command{
	Use:   "list <keyring>",
	Short: "List a named keyring's members",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyringList,
}

func init() {
	RootCmd.AddCommand(keyringCmd)
	keyringCmd.AddCommand(keyringAddCmd, keyringRemoveCmd, keyringListCmd)
	keyringAddCmd.Flags().StringVar(&keyringNote, "note", "", "free-form note stored alongside the grant")
}

func parseKeyringName(s string) (keyring.Name, error) {
	switch keyring.Name(s) {
	case keyring.Public, keyring.Local, keyring.Trusted, keyring.Verified:
		return keyring.Name(s), nil
	default:
		return "", fmt.Errorf("unknown keyring %q (want public|local|trusted|verified)", s)
	}
}

// keyringRepo opens the postgres-backed keyring repository, or reports
// the in-memory-only limitation when the node is configured for the
// memory driver: keyring membership only durably exists under postgres.
func keyringRepo(cmd *cobra.Command) (*pgstore.KeyringStore, func(), error) {
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
	return pgstore.NewKeyringStore(pool), pool.Close, nil
}

func runKeyringAdd(cmd *cobra.Command, args []string) error {
	name, err := parseKeyringName(args[0])
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}

	repo, closePool, err := keyringRepo(cmd)
	if err != nil {
		return err
	}
	if repo == nil {
		fmt.Println("warning: storage driver is not postgres; this grant is not persisted")
		return nil
	}
	defer closePool()

	if err := repo.Add(cmd.Context(), name, pub, keyringNote); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	fmt.Printf("added %s to keyring %s\n", args[1], name)
	return nil
}

func runKeyringRemove(cmd *cobra.Command, args []string) error {
	name, err := parseKeyringName(args[0])
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}

	repo, closePool, err := keyringRepo(cmd)
	if err != nil {
		return err
	}
	if repo == nil {
		fmt.Println("warning: storage driver is not postgres; nothing to remove")
		return nil
	}
	defer closePool()

	if err := repo.Remove(cmd.Context(), name, pub); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	fmt.Printf("removed %s from keyring %s\n", args[1], name)
	return nil
}

func runKeyringList(cmd *cobra.Command, args []string) error {
	name, err := parseKeyringName(args[0])
	if err != nil {
		return err
	}

	repo, closePool, err := keyringRepo(cmd)
	if err != nil {
		return err
	}
	if repo == nil {
		fmt.Println("storage driver is not postgres; keyring membership is process-local and empty here")
		return nil
	}
	defer closePool()

	kr, err := repo.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	for _, e := range kr.Members(name) {
		fmt.Printf("%s  added=%s  note=%s\n", hex.EncodeToString(e.PublicKey),
			e.AddedAt.Format("2006-01-02T15:04:05Z07:00"), e.Note)
	}
	return nil
}
