// Package main provides the ltcwalletd daemon - a custodial Litecoin wallet
// service behind a JSON-RPC API.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/klingon-exchange/ltcwallet/internal/backend"
	"github.com/klingon-exchange/ltcwallet/internal/chain"
	"github.com/klingon-exchange/ltcwallet/internal/config"
	"github.com/klingon-exchange/ltcwallet/internal/lock"
	"github.com/klingon-exchange/ltcwallet/internal/metrics"
	"github.com/klingon-exchange/ltcwallet/internal/rpc"
	"github.com/klingon-exchange/ltcwallet/internal/storage"
	"github.com/klingon-exchange/ltcwallet/internal/wallet"
	"github.com/klingon-exchange/ltcwallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// walletStore is what the daemon needs from either storage backend.
type walletStore interface {
	wallet.Store
	storage.Settings
	Close() error
	Path() string
}

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ltcwallet", "Data directory")
		envFile     = flag.String("env", ".env", "Optional .env file with secrets")
		network     = flag.String("network", "", "Network (mainnet, testnet), overrides config")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		storageKind = flag.String("storage", "", "Storage backend (sqlite, badger), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ltcwalletd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal("Failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	cfg.Storage.DataDir = *dataDir
	if *network != "" {
		cfg.Network = chain.Network(*network)
	}
	if *rpcAddr != "" {
		cfg.RPC.Listen = *rpcAddr
	}
	if *storageKind != "" {
		cfg.Storage.Backend = *storageKind
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	logOut, err := logging.OpenFile(config.ExpandPath(cfg.Logging.File))
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer logOut.Close()

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params, err := cfg.ChainParams()
	if err != nil {
		log.Fatal("Unsupported network", "error", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "backend", cfg.Storage.Backend, "path", store.Path())

	if err := storage.BindNetwork(store, string(params.Network)); err != nil {
		log.Fatal("Refusing to start", "error", err)
	}

	locker, err := openLocker(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize locks", "error", err)
	}
	if closer, ok := locker.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	explorerURL, err := cfg.ExplorerURL()
	if err != nil {
		log.Fatal("No explorer for network", "error", err)
	}
	explorer := backend.NewBlockCypherBackend(backend.BlockCypherConfig{
		BaseURL: explorerURL,
		Token:   cfg.Explorer.Token,
		Timeout: cfg.Explorer.Timeout,
		TxLimit: cfg.Explorer.TxLimit,
	})
	feed := backend.NewCoinGeckoFeed(backend.CoinGeckoConfig{
		URL:      cfg.PriceFeed.URL,
		CoinID:   cfg.PriceFeed.CoinID,
		Currency: cfg.PriceFeed.Currency,
		Timeout:  cfg.PriceFeed.Timeout,
	})

	m := metrics.New()
	walletService, err := wallet.NewService(&wallet.ServiceConfig{
		Store:        store,
		Explorer:     explorer,
		PriceFeed:    feed,
		Locker:       locker,
		Params:       params,
		AddressType:  cfg.Wallet.AddressType,
		Fee:          cfg.Wallet.Fee,
		DefaultRate:  cfg.PriceFeed.DefaultRate,
		HistoryLimit: cfg.Wallet.HistoryLimit,
		Logger:       log.Component("wallet"),
		Metrics:      m,
	})
	if err != nil {
		log.Fatal("Failed to create wallet service", "error", err)
	}

	var rpcServer *rpc.Server
	if cfg.RPC.Listen != "" {
		rpcServer = rpc.NewServer(walletService, m)
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg, explorerURL, rpcServer)

	go statusLoop(ctx, log, walletService, rpcServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}

	log.Info("Goodbye!")
}

func openStore(cfg *config.Config) (walletStore, error) {
	storeCfg := &storage.Config{DataDir: cfg.Storage.DataDir}
	switch cfg.Storage.Backend {
	case config.StorageBadger:
		return storage.OpenBadger(storeCfg)
	default:
		return storage.New(storeCfg)
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	if cfg.Lock.Backend != config.LockRedis {
		return lock.NewKeyedMutex(), nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return lock.NewRedisLocker(pingCtx, lock.RedisConfig{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		TTL:      cfg.Lock.TTL,
	})
}

// statusLoop logs and publishes daemon status once a minute.
func statusLoop(ctx context.Context, log *logging.Logger, svc *wallet.Service, srv *rpc.Server) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := svc.Stats(ctx)
			if err != nil {
				log.Warn("Failed to read stats", "error", err)
				continue
			}
			log.Info("Status", "wallets", stats.Wallets, "network", stats.Network)
			if srv != nil {
				srv.WSHub().Broadcast(rpc.EventNodeStatus, "", stats)
			}
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, explorerURL string, srv *rpc.Server) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Litecoin Wallet Daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Explorer: %s", explorerURL)
	log.Infof("  Price:    %s/%s (default %s)", cfg.PriceFeed.CoinID, cfg.PriceFeed.Currency, cfg.PriceFeed.DefaultRate)
	log.Infof("  Fee:      %s LTC | Addresses: %s", cfg.Wallet.Fee, cfg.Wallet.AddressType)
	if srv != nil {
		log.Infof("  API:      http://%s", srv.Addr())
		log.Infof("  WS:       ws://%s/ws", srv.Addr())
		log.Infof("  Metrics:  http://%s/metrics", srv.Addr())
	} else {
		log.Info("  API:      disabled")
	}
	log.Infof("  Data dir: %s", filepath.Clean(config.ExpandPath(cfg.Storage.DataDir)))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
