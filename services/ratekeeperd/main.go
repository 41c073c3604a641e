package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	rsconfig "rateswap/config"
	"rateswap/native/ledger"
	"rateswap/native/positions"
	"rateswap/observability/logging"
	telemetry "rateswap/observability/otel"
	"rateswap/services/ratekeeperd/adapters"
	"rateswap/services/ratekeeperd/config"
	"rateswap/services/ratekeeperd/keeper"
	"rateswap/services/ratekeeperd/server"
	"rateswap/services/ratekeeperd/storage"
	kv "rateswap/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/ratekeeperd/config.yaml", "path to ratekeeperd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("ratekeeperd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("RATESWAP_ENV"))
	logger := logging.SetupWithOptions("ratekeeperd", env, logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("ratekeeperd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	risk := rsconfig.DefaultRisk()
	if path := strings.TrimSpace(cfg.RiskPath); path != "" {
		loaded, err := rsconfig.LoadRisk(path)
		if err != nil {
			log.Fatalf("ratekeeperd: load risk parameters: %v", err)
		}
		risk = *loaded
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("ratekeeperd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("ratekeeperd: open storage: %v", err)
	}
	defer store.Close()

	var positionStore positions.Store
	if dir := strings.TrimSpace(cfg.DataDir); dir != "" {
		db, err := kv.NewLevelDB(filepath.Join(dir, "positions"), true)
		if err != nil {
			log.Fatalf("ratekeeperd: open position store: %v", err)
		}
		defer db.Close()
		positionStore = positions.NewKVStore(db)
	}

	sources, err := adapters.NewRegistry().BuildAll(cfg.Sources)
	if err != nil {
		log.Fatalf("ratekeeperd: %v", err)
	}
	custody, _ := config.ParseAddress("custody", cfg.Custody)
	feePool, _ := config.ParseAddress("fee_pool", cfg.FeePool)

	journal := storage.NewJournal(store, logger.With("component", "journal"), nil)
	l, err := ledger.New(ledger.Deps{
		Store:    positionStore,
		Sources:  sources,
		Custody:  custody,
		FeePool:  feePool,
		Recorder: store,
	}, risk, ledger.WithLogger(logger), ledger.WithEmitter(journal))
	if err != nil {
		log.Fatalf("ratekeeperd: assemble ledger: %v", err)
	}

	ctx := context.Background()
	if err := restoreOracle(ctx, l, store, cfg.Keeper.RestoreCommits); err != nil {
		log.Fatalf("ratekeeperd: restore oracle: %v", err)
	}
	if err := restorePositions(ctx, l, custody); err != nil {
		log.Fatalf("ratekeeperd: restore positions: %v", err)
	}
	if err := mintGenesis(l, cfg.Genesis); err != nil {
		log.Fatalf("ratekeeperd: genesis balances: %v", err)
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger.With("component", "auth"))
	if err != nil {
		log.Fatalf("ratekeeperd: configure auth: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverOpts := []server.Option{server.WithLogger(logger.With("component", "http"))}
	if !cfg.Keeper.Disabled {
		keeperAddr, _ := config.ParseAddress("keeper.address", cfg.Keeper.Address)
		k, err := keeper.New(l, keeperAddr, cfg.Keeper.Interval.Duration, keeper.WithLogger(logger.With("component", "keeper")))
		if err != nil {
			log.Fatalf("ratekeeperd: keeper: %v", err)
		}
		serverOpts = append(serverOpts, server.WithKeeper(k))
		go func() {
			if err := k.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ratekeeperd: keeper exited", slog.Any("error", err))
				stop()
			}
		}()
	} else {
		logger.Warn("ratekeeperd: keeper disabled, settlement and liquidation rely on external keepers")
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		TLS: server.TLSConfig{
			CertFile: cfg.TLS.CertPath,
			KeyFile:  cfg.TLS.KeyPath,
			Config:   &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}, l, journal, auth, serverOpts...)
	if err != nil {
		log.Fatalf("ratekeeperd: server: %v", err)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ratekeeperd: http server error", slog.Any("error", err))
		os.Exit(1)
	}
}
