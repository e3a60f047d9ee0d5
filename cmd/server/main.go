package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"craftnexus/internal/config"
	"craftnexus/internal/escrow"
	"craftnexus/internal/kvstore"
	"craftnexus/internal/ledger"
	"craftnexus/internal/payment"
	"craftnexus/internal/server"
	"craftnexus/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	logger := newLogger(cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]server.HealthCheck{}

	store, closeStore, err := openStore(ctx, cfg.Service)
	if err != nil {
		logger.WithError(err).Fatal("store error")
	}
	defer closeStore()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		health["store"] = pinger.Ping
	}

	horizon, err := ledger.NewHorizonClient(ledger.HorizonClientConfig{
		URL:            cfg.Network.HorizonURL,
		RequestTimeout: cfg.Payment.SubmitTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("horizon client error")
	}
	health["horizon"] = horizon.Ping

	asset := ledger.Asset{Code: cfg.Asset.Code, Issuer: cfg.Asset.Issuer}
	if cfg.Asset.Code == "XLM" {
		asset = ledger.Native()
	}

	var funder payment.Funder
	if cfg.Network.FriendbotURL != "" {
		funder = ledger.NewFriendbot(cfg.Network.FriendbotURL)
	}
	payments, err := payment.NewOrchestrator(horizon, ledger.NewStellarSigner(cfg.Network.Passphrase), payment.Config{
		Network:        cfg.Network.Name,
		Asset:          asset,
		PlatformWallet: cfg.Payment.PlatformWallet,
		CommissionRate: cfg.Payment.CommissionRate,
		SubmitTimeout:  cfg.Payment.SubmitTimeout,
	}, funder, logger)
	if err != nil {
		logger.WithError(err).Fatal("payment orchestrator error")
	}

	var contract escrow.ContractRPC
	switch cfg.Escrow.Backend {
	case "memory":
		logger.Warn("escrow backend is in-memory; contract state is lost on restart")
		contract = escrow.NewMemoryContract()
	default:
		soroban, err := escrow.DialSoroban(ctx, escrow.SorobanConfig{
			RPCURL:           cfg.Network.SorobanRPCURL,
			Passphrase:       cfg.Network.Passphrase,
			SimulationSource: cfg.Escrow.SimulationSource,
			Accounts:         horizon,
			TxTimeout:        cfg.Payment.SubmitTimeout,
			Logger:           logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("soroban rpc error")
		}
		defer soroban.Close()
		health["soroban"] = soroban.Ping
		contract = soroban
	}
	if cfg.Escrow.ContractAddress != "" {
		if err := escrow.ValidateContractAddress(cfg.Escrow.ContractAddress); err != nil {
			logger.WithError(err).Fatal("escrow contract address")
		}
	} else {
		logger.Warn("ESCROW_CONTRACT_ADDRESS is empty; escrow calls will fail until it is set")
	}
	escrows := escrow.NewOrchestrator(contract, cfg.Escrow.ContractAddress,
		escrow.WithSubmitTimeout(cfg.Payment.SubmitTimeout),
		escrow.WithLogger(logger),
	)

	session := wallet.NewSession(wallet.NewHTTPAgent(cfg.Wallet.AgentURL), store,
		wallet.WithTimeouts(cfg.Wallet.ProbeTimeout, wallet.DefaultProbeRetryDelay, cfg.Wallet.ConnectTimeout),
		wallet.WithLogger(logger),
	)

	apiServer := server.NewServer(cfg, server.Deps{
		Payments: payments,
		Escrows:  escrows,
		Wallet:   session,
		Store:    store,
		Health:   health,
		Logger:   logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()

	logger.WithFields(logrus.Fields{
		"network": cfg.Network.Name,
		"asset":   asset.String(),
		"escrow":  cfg.Escrow.Backend,
	}).Info("craftnexus started")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}

func newLogger(cfg config.ServiceConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func openStore(ctx context.Context, cfg config.ServiceConfig) (kvstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return kvstore.NewMemoryStore(), func() {}, nil
	case "postgres":
		pg, err := kvstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "leveldb":
		ldb, err := kvstore.NewLevelDBStore(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return ldb, ldb.Close, nil
	default:
		fs, err := kvstore.NewFileStore(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}
