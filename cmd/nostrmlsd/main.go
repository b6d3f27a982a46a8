// nostrmlsd runs the nostr-mls core as a standalone daemon, exposing the
// Command Surface (C9) as JSON-over-HTTP for a companion UI to drive. It
// runs as a single binary with SQLite by default, requiring no external
// database for self-hosted deployments.
//
// Usage:
//
//	export NOSTRMLS_MASTER_KEY=<32-byte hex key>
//	export NOSTRMLS_DATA_DIR=/var/lib/nostrmls
//	export WALLET_ENDPOINT=https://wallet.example.com/pay
//	./nostrmlsd
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nostrmls/core/internal/command"
	"github.com/nostrmls/core/internal/config"
	"github.com/nostrmls/core/internal/httpapi"
	"github.com/nostrmls/core/internal/identity"
	"github.com/nostrmls/core/internal/inbox"
	"github.com/nostrmls/core/internal/invite"
	"github.com/nostrmls/core/internal/keypackage"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/relaypool"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
	"github.com/nostrmls/core/internal/transcript"
	"github.com/nostrmls/core/internal/walletclient"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting nostrmls core")

	// ─── Configuration ──────────────────────────────────────────────────────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.AppDataDir, 0o700); err != nil {
		slog.Error("failed to create app data dir", "error", err, "dir", cfg.AppDataDir)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"data_dir", cfg.AppDataDir,
		"database", cfg.DatabaseURL,
		"lockdown", cfg.LockdownMode,
		"http_addr", cfg.HTTPAddr,
	)

	// ─── Database ───────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL, cfg.SeenEventsLRUSize)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Wallet RSA key pair (auto-generated if missing) ───────────────────
	keyPair, err := walletclient.LoadOrGenerateKeyPair(
		filepath.Join(cfg.WalletKeyDir, "wallet_private.pem"),
		filepath.Join(cfg.WalletKeyDir, "wallet_public.pem"),
	)
	if err != nil {
		slog.Error("failed to load/generate wallet key pair", "error", err)
		os.Exit(1)
	}
	wallet := walletclient.New(walletclient.Config{
		Endpoint: cfg.WalletEndpoint,
		KeyID:    cfg.WalletKeyID,
		Timeout:  cfg.WalletTimeout,
	}, keyPair)

	// ─── Signals bus (§6) ───────────────────────────────────────────────────
	sigBus := signals.New()

	// ─── Identity (C1) ──────────────────────────────────────────────────────
	idMgr, err := identity.New(st, cfg.MasterKeyHex, cfg.LockdownMode)
	if err != nil {
		slog.Error("failed to start identity manager", "error", err)
		os.Exit(1)
	}

	// ─── Relay pools (C2), constructed ahead of everything that needs it as
	// a Publisher — see internal/command/relays.go for why.
	relays := command.NewRelays(relaypool.Config{
		BackoffInitial: cfg.RelayBackoffInitial,
		BackoffCap:     cfg.RelayBackoffCap,
		BackoffFactor:  cfg.RelayBackoffFactor,
		InboxQueueSize: cfg.RelayInboxQueueSize,
		PublishTimeout: cfg.PublishTimeout,
	}, st, sigBus)

	// ─── Transcript (C7) ────────────────────────────────────────────────────
	transcriptSvc := transcript.New(st)

	// ─── Key packages (C4) ──────────────────────────────────────────────────
	kpSvc := keypackage.New(st, idMgr, idMgr, relays.KeyPackagePublisher())

	// ─── MLS engine (C5) ────────────────────────────────────────────────────
	engine := mlsengine.New(mlsengine.Config{
		BufferWindow: cfg.MLSBufferWindow,
	}, st, idMgr, idMgr, relays.EnginePublisher(), transcriptSvc, kpSvc)

	// ─── Invites (C8) ───────────────────────────────────────────────────────
	invitesSvc := invite.New(st, engine, sigBus)

	// ─── Inbox pipeline (C6) ────────────────────────────────────────────────
	inboxCfg := inbox.DefaultConfig()
	inboxCfg.SeenCacheSize = cfg.SeenEventsLRUSize
	inboxSvc := inbox.New(inboxCfg, st, engine, invitesSvc, transcriptSvc, sigBus)
	relays.SetInbox(inboxSvc)

	// ─── Command surface (C9) ───────────────────────────────────────────────
	cmdSvc := command.New(idMgr, st, sigBus, engine, kpSvc, invitesSvc, transcriptSvc, wallet, relays)

	// ─── Graceful shutdown ──────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Resume relay pools + inbox subscriptions for accounts that were
	// active when the process last stopped.
	accounts, err := cmdSvc.GetAccounts()
	if err != nil {
		slog.Error("failed to list accounts", "error", err)
		os.Exit(1)
	}
	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		if _, err := cmdSvc.SetActiveAccount(acct.PubKey); err != nil {
			slog.Warn("failed to resume account", "pubkey", acct.PubKey, "error", err)
			continue
		}
		slog.Info("resumed account", "pubkey", acct.PubKey)
	}

	// ─── HTTP command-surface adapter (C11) ────────────────────────────────
	srv := httpapi.New(cmdSvc, sigBus)
	srv.Start(ctx, cfg.HTTPAddr) // blocks until ctx is cancelled

	slog.Info("nostrmls core stopped")
}
