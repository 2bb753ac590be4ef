// Copyright (C) 2025 trailmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Command bundled is the long-running mesh node daemon: it loads a signing
// key, opens a Queue Store, and runs ingress, the TTL sweeper, the cache
// evictor, and the peer contact listener until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trailmesh/bundle/bundle"
	"github.com/trailmesh/bundle/config"
	"github.com/trailmesh/bundle/crypto/keys"
	nodecrypto "github.com/trailmesh/bundle/crypto"
	cryptostorage "github.com/trailmesh/bundle/crypto/storage"
	"github.com/trailmesh/bundle/evictor"
	"github.com/trailmesh/bundle/forwarding"
	"github.com/trailmesh/bundle/ingress"
	"github.com/trailmesh/bundle/internal/logger"
	"github.com/trailmesh/bundle/keyring"
	"github.com/trailmesh/bundle/metrics"
	"github.com/trailmesh/bundle/peercontact"
	"github.com/trailmesh/bundle/peersync"
	"github.com/trailmesh/bundle/pkg/health"
	"github.com/trailmesh/bundle/pkg/version"
	"github.com/trailmesh/bundle/receipt"
	"github.com/trailmesh/bundle/store"
	memstore "github.com/trailmesh/bundle/store/memory"
	pgstore "github.com/trailmesh/bundle/store/postgres"
	"github.com/trailmesh/bundle/sweeper"
)

var (
	configPath   string
	printVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "bundled",
	Short: "bundled runs a mesh bundle substrate node",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "bundled.yaml", "path to node config file")
	rootCmd.Flags().BoolVar(&printVersion, "version", false, "print version information and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if printVersion {
		version.PrintVersion()
		return nil
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Logging)
	logger.SetDefaultLogger(log)

	signer, pubKey, err := loadSigner(cfg)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	st, pool, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	kr := keyring.New()
	peers := peercontact.NewManager()
	var peerRepo *pgstore.PeerStore
	if pool != nil {
		krRepo := pgstore.NewKeyringStore(pool)
		if loaded, lerr := krRepo.Load(cmd.Context()); lerr != nil {
			log.Warn("load persisted keyring failed, starting empty", logger.Error(lerr))
		} else {
			kr = loaded
		}
		peerRepo = pgstore.NewPeerStore(pool)
		if loaded, lerr := peerRepo.Load(cmd.Context()); lerr != nil {
			log.Warn("load persisted peers failed, starting empty", logger.Error(lerr))
		} else {
			peers = loaded
		}
	}
	issuer := receipt.NewIssuer(cfg.NodeID, signer, st)
	ev := evictor.New(st, issuer, evictor.Config{
		BudgetBytes: cfg.Evictor.BudgetBytes,
		Interval:    cfg.Evictor.Interval,
		Weights:     evictor.Weights{Priority: 1, Age: 1, NotDeliv: 1, NotFwd: 1, Size: 1, MaxPayload: cfg.Evictor.MaxPayload},
	}, log)
	sw := sweeper.New(st, issuer, sweeper.Config{
		Interval:       cfg.Sweeper.Interval,
		GraceWindow:    cfg.Sweeper.GraceWindow,
		ListBatchLimit: 500,
	})
	in := ingress.New(cfg.NodeID, st, signer, kr, ev, issuer, ingress.Config{
		MaxPayloadBytes:      cfg.Ingress.MaxPayloadBytes,
		PurgeGraceWindow:     cfg.Sweeper.GraceWindow,
		RetryMaxAttempts:     cfg.Ingress.RetryMaxAttempts,
		RetryBaseDelay:       cfg.Ingress.RetryBaseDelay,
		RetryMaxDelay:        cfg.Ingress.RetryMaxDelay,
		DefaultReceiptPolicy: defaultReceiptPolicy(cfg, log),
	}, log)
	fwd := forwarding.New(st, kr, peers, issuer, forwardingPolicy(cfg.ForwardingMode()))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sw.Run(groupCtx) })
	group.Go(func() error { return ev.Run(groupCtx) })
	if cfg.Metrics.Enabled {
		group.Go(func() error { return metrics.StartServer(cfg.Metrics.Addr) })
	}
	if cfg.Health.Enabled {
		healthSrv := health.NewServer(health.NewChecker(st), log, cfg.Health.Addr, cfg.Health.Path)
		if err := healthSrv.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return healthSrv.Stop(shutdownCtx)
		})
	}
	group.Go(func() error { return servePeerSync(groupCtx, cfg, pubKey, st, fwd, in, log) })
	if peerRepo != nil {
		group.Go(func() error { return persistPeers(groupCtx, peerRepo, peers, cfg.Sweeper.Interval, log) })
	}

	log.Info("bundled started", logger.String("nodeId", cfg.NodeID), logger.String("role", string(cfg.Role)))
	return group.Wait()
}

// forwardingPolicy translates a role's forwarding mode into the engine's
// candidate policy.
func forwardingPolicy(mode string) forwarding.Policy {
	p := forwarding.DefaultPolicy()
	switch mode {
	case config.ForwardOutboxPending:
		p.Queues = []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending}
	case config.ForwardPendingPrioritized:
		p.PreferPending = true
	case config.ForwardEmergencyOnly:
		p.MinPriority = bundle.PriorityEmergency
	case config.ForwardAll:
	}
	return p
}

// defaultReceiptPolicy builds the role's default receipt policy for
// submissions that don't pick their own.
func defaultReceiptPolicy(cfg *config.Config, log logger.Logger) bundle.ReceiptPolicy {
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
		log.Warn("invalid role receipt preset, submissions default to none", logger.Error(err))
		return nil
	}
	return policy
}

func newLogger(cfg config.LoggingConfig) *logger.StructuredLogger {
	level := logger.InfoLevel
	switch cfg.Level {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}
	out := os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	l := logger.NewLogger(out, level)
	l.SetPrettyPrint(cfg.Format == "text")
	return l
}

func loadSigner(cfg *config.Config) (*nodecrypto.Service, []byte, error) {
	var st nodecrypto.KeyStorage
	var err error
	if cfg.KeyStore.Type == "file" {
		st, err = cryptostorage.NewFileKeyStorage(cfg.KeyStore.Directory)
	} else {
		st = cryptostorage.NewMemoryKeyStorage()
	}
	if err != nil {
		return nil, nil, err
	}

	const keyID = "node"
	kp, err := st.Load(keyID)
	if err != nil {
		kp, err = keys.GenerateEd25519KeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := st.Store(keyID, kp); err != nil {
			return nil, nil, err
		}
	}
	return nodecrypto.NewService(kp), kp.Raw(), nil
}

// openStore also returns the underlying pgxpool.Pool (nil for the memory
// driver) so the caller can build the keyring/peer persistence repos,
// which need direct SQL access the store.Store interface doesn't expose.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	if cfg.Storage.Driver != "postgres" {
		return memstore.New(), nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pgstore.New(pool), pool, nil
}

// persistPeers snapshots peers into repo on interval until ctx is
// canceled, then writes one final snapshot with a bounded shutdown
// context so contact history accrued since the last tick isn't lost. A
// failed mid-run snapshot is logged and retried next tick rather than
// tearing down the daemon, matching the sweeper/evictor Run loops.
func persistPeers(ctx context.Context, repo *pgstore.PeerStore, peers *peercontact.Manager, interval time.Duration, log logger.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return repo.SaveAll(shutdownCtx, peers)
		case <-ticker.C:
			if err := repo.SaveAll(ctx, peers); err != nil {
				log.Warn("persist peer contacts failed", logger.Error(err))
			}
		}
	}
}

func servePeerSync(ctx context.Context, cfg *config.Config, pubKey []byte, st store.Store, fwd *forwarding.Engine, in *ingress.Service, log logger.Logger) error {
	ln, err := net.Listen("tcp", cfg.PeerSync.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.PeerSync.ListenAddr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			sess := peersync.NewSession(conn, cfg.NodeID, pubKey, fwd, st, in.Admit, nil, cfg.PeerSync.BudgetBytes, cfg.Sweeper.GraceWindow, log)
			if _, err := sess.Run(ctx); err != nil {
				metrics.PeerSessionsTotal.WithLabelValues("error").Inc()
				return
			}
			metrics.PeerSessionsTotal.WithLabelValues("ok").Inc()
		}()
	}
}
