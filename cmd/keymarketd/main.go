package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"keymarket/config"
	"keymarket/core/events"
	"keymarket/identity"
	"keymarket/native/market"
	"keymarket/observability/logging"
	"keymarket/rpc"
	"keymarket/storage"
	"keymarket/tradelog"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "keymarketd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("keymarketd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	logger.Info("storage ready", "backend", cfg.StorageBackend, "dir", cfg.DataDir)

	curve, err := cfg.BuildCurve()
	if err != nil {
		return err
	}
	fees, err := cfg.FeePolicy()
	if err != nil {
		return err
	}
	treasuryAddr, err := cfg.Treasury()
	if err != nil {
		return err
	}
	vaultAddr, err := cfg.ReserveVault()
	if err != nil {
		return err
	}

	registry := identity.NewRegistry(db)
	treasury := market.NewTreasuryCell(treasuryAddr)

	engine := market.NewEngine(market.NewLedger(db), curve, fees)
	engine.SetResolver(identity.NewSubjectResolver(registry))
	engine.SetTreasury(treasury)
	engine.SetReserveVault(vaultAddr)

	server := rpc.NewServer(engine, registry, treasury)
	server.SetLogger(logger)

	if cfg.TradeLogPath != "" {
		trades, err := tradelog.Open(cfg.TradeLogPath, logger)
		if err != nil {
			return fmt.Errorf("open trade log: %w", err)
		}
		defer trades.Close()
		engine.SetEmitter(events.MultiEmitter{trades})
		server.SetTradeLog(trades)
		logger.Info("trade log ready", "path", cfg.TradeLogPath)
	}

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving JSON-RPC", "addr", cfg.RPCAddress, "curve", curve.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
