package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"preorderd/audit"
	"preorderd/config"
	"preorderd/core"
	"preorderd/crypto"
	"preorderd/native/preorder"
	"preorderd/observability/logging"
	"preorderd/observability/otel"
	"preorderd/rpc"
	"preorderd/state"
	"preorderd/storage"
)

const sellerPassEnv = "PREORDER_SELLER_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.SetupWithRotation("preorderd", cfg.Environment, logging.Rotation{
		Path:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "preorderd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	journal, err := audit.NewJournal(cfg.JournalPath, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to open event journal: %v", err))
	}
	defer journal.Close()

	sellerKey, err := loadSellerKey(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to load seller key: %v", err))
	}
	sellerAddr := sellerKey.PubKey().Address()

	store := state.NewCampaignStore(db)
	node := core.NewNode(store, journal)

	if err := bootstrapCampaign(node, cfg, sellerAddr, logger); err != nil {
		logger.Error("failed to bootstrap campaign", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(node, journal)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	logger.Info("preorder service running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("seller", sellerAddr.String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}
}

// bootstrapCampaign initialises the campaign singleton on first boot and seeds
// the genesis allocations alongside it. A restart with an existing campaign
// leaves both untouched.
func bootstrapCampaign(node *core.Node, cfg *config.Config, seller crypto.Address, logger *slog.Logger) error {
	price, err := cfg.UnitPriceBig()
	if err != nil {
		return err
	}
	var sellerBytes [20]byte
	copy(sellerBytes[:], seller.Bytes())

	campaign, err := node.InitCampaign(sellerBytes, cfg.ProductName, price, cfg.DeadlineUnix)
	if errors.Is(err, preorder.ErrCampaignExists) {
		logger.Info("campaign already initialised")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("campaign created",
		slog.String("product", campaign.ProductName),
		slog.Int64("deadline", campaign.Deadline))

	for _, alloc := range cfg.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("genesis allocation %q: %w", alloc.Address, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("genesis allocation %q: invalid balance %q", alloc.Address, alloc.Balance)
		}
		var target [20]byte
		copy(target[:], addr.Bytes())
		if err := node.Credit(target, amount); err != nil {
			return fmt.Errorf("genesis allocation %q: %w", alloc.Address, err)
		}
	}
	if len(cfg.Genesis) > 0 {
		logger.Info("genesis allocations applied", slog.Int("count", len(cfg.Genesis)))
	}
	return nil
}

func loadSellerKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	if cfg.SellerKeystorePath == "" {
		return nil, fmt.Errorf("seller keystore path not configured")
	}
	passphrase := os.Getenv(sellerPassEnv)
	key, err := crypto.LoadFromKeystore(cfg.SellerKeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.SellerKeystorePath, err)
	}
	return key, nil
}
