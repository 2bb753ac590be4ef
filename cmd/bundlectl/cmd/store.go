package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/config"
	"github.com/trailmesh/bundle/crypto"
	"github.com/trailmesh/bundle/crypto/keys"
	cryptostorage "github.com/trailmesh/bundle/crypto/storage"
	"github.com/trailmesh/bundle/store"
	memstore "github.com/trailmesh/bundle/store/memory"
	pgstore "github.com/trailmesh/bundle/store/postgres"
)

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Driver != "postgres" {
		return memstore.New(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pgstore.New(pool), nil
}

// openPool connects to the configured Postgres driver, for commands that
// need direct SQL access to the keyring/peer persistence tables rather
// than the store.Store interface. Returns nil, nil under the memory
// driver: keyring and peer commands then operate on an empty, process-
// local view and say so.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Storage.Driver != "postgres" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const nodeKeyID = "node"

func loadOrGenerateSigner(cfg *config.Config) (*crypto.Service, crypto.KeyPair, error) {
	var st crypto.KeyStorage
	var err error
	if cfg.KeyStore.Type == "file" {
		st, err = cryptostorage.NewFileKeyStorage(cfg.KeyStore.Directory)
	} else {
		st = cryptostorage.NewMemoryKeyStorage()
	}
	if err != nil {
		return nil, nil, err
	}

	kp, err := st.Load(nodeKeyID)
	if err != nil {
		kp, err = keys.GenerateEd25519KeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := st.Store(nodeKeyID, kp); err != nil {
			return nil, nil, err
		}
	}
	return crypto.NewService(kp), kp, nil
}

// roleReceiptPolicy builds the configured role's default receipt policy,
// applied to submissions that don't choose their own kinds.
func roleReceiptPolicy(cfg *config.Config) bundle.ReceiptPolicy {
	kindNames := cfg.DefaultReceiptKinds()
	if len(kindNames) == 0 {
		return nil
	}
	kinds := make([]bundle.ReceiptKind, len(kindNames))
	for i, k := range kindNames {
		kinds[i] = bundle.ReceiptKind(k)
	}
	policy, err := bundle.NewReceiptPolicy(kinds...)
	if err != nil {
		return nil
	}
	return policy
}
