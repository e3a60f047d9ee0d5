// Package server exposes the payment, escrow and wallet orchestrators over a
// signed JSON API. Mutating routes require an idempotency key so a client
// retry replays the first outcome instead of submitting twice.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"craftnexus/internal/amount"
	"craftnexus/internal/config"
	"craftnexus/internal/escrow"
	"craftnexus/internal/hmacauth"
	"craftnexus/internal/idempotency"
	"craftnexus/internal/kvstore"
	"craftnexus/internal/ledger"
	"craftnexus/internal/payment"
	"craftnexus/internal/wallet"
)

const maxRequestBytes = 1 << 20

// Payments is the subset of payment.Orchestrator the API serves.
type Payments interface {
	Asset() ledger.Asset
	SendPayment(ctx context.Context, intent payment.Intent) (string, error)
	SendSplitPayment(ctx context.Context, intent payment.Intent) (payment.SplitReceipt, error)
	GetBalance(ctx context.Context, address, assetCode, assetIssuer string) (amount.Amount, error)
	AccountExists(ctx context.Context, address string) bool
	AccountDetails(ctx context.Context, address string) (ledger.Account, error)
	GetTransaction(ctx context.Context, hash string) (ledger.TransactionRecord, error)
	CreateTestAccount(ctx context.Context) (payment.TestAccount, error)
}

// Escrows is the subset of escrow.Orchestrator the API serves.
type Escrows interface {
	CreateEscrow(ctx context.Context, params escrow.CreateParams) (string, error)
	ReleaseFunds(ctx context.Context, orderID uint32, signerSecret string) (string, error)
	RefundFunds(ctx context.Context, orderID uint32, signerSecret string) (string, error)
	DisputeEscrow(ctx context.Context, orderID uint32, signerSecret string) (string, error)
	GetEscrow(ctx context.Context, orderID uint32) (*escrow.Record, error)
	CanAutoRelease(ctx context.Context, orderID uint32) bool
}

// Wallet is the subset of wallet.Session the API serves.
type Wallet interface {
	State() wallet.State
	Connect(ctx context.Context) (wallet.Account, error)
	CurrentAddress(ctx context.Context) (string, bool)
	StoredAccount(ctx context.Context) (*wallet.Account, error)
	Disconnect(ctx context.Context) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Payments Payments
	Escrows  Escrows
	Wallet   Wallet
	Store    kvstore.Store
	// Health is keyed by dependency name ("horizon", "soroban", "store").
	Health map[string]HealthCheck
	Logger *logrus.Logger
}

type Server struct {
	cfg        *config.AppConfig
	payments   Payments
	escrows    Escrows
	wallet     Wallet
	idem       *idempotency.Store
	hmac       *hmacauth.Verifier
	limiter    *clientLimiter
	journal    *reconcileJournal
	metrics    *metricsRegistry
	health     map[string]HealthCheck
	logger     *logrus.Logger
	router     chi.Router
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:      cfg,
		payments: deps.Payments,
		escrows:  deps.Escrows,
		wallet:   deps.Wallet,
		idem:     idempotency.NewStore(deps.Store),
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		journal: &reconcileJournal{dir: cfg.Service.ReconcileDir, logger: logger, metrics: metrics},
		metrics: metrics,
		health:  deps.Health,
		logger:  logger,
	}
	if cfg.Service.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.Service.RateLimit, cfg.Service.RateBurst)
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.cfg.Service.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.handler())

		api.Group(func(limited chi.Router) {
			if s.limiter != nil {
				limited.Use(s.limiter.middleware)
			}

			limited.Get("/accounts/{address}", s.handleAccount)
			limited.Get("/accounts/{address}/exists", s.handleAccountExists)
			limited.Get("/accounts/{address}/balance", s.handleBalance)
			limited.Get("/transactions/{hash}", s.handleTransaction)
			limited.Get("/escrows/{orderID}", s.handleGetEscrow)
			limited.Get("/escrows/{orderID}/auto-release", s.handleCanAutoRelease)
			limited.Get("/wallet", s.handleWalletStatus)

			limited.Group(func(signed chi.Router) {
				signed.Use(s.hmac.Middleware)

				signed.Post("/payments", s.idempotent("payment", s.sendPayment))
				signed.Post("/payments/split", s.idempotent("split_payment", s.sendSplitPayment))
				signed.Post("/escrows", s.idempotent("create_escrow", s.createEscrow))
				signed.Post("/escrows/{orderID}/release", s.idempotent("release_funds", s.transition("release_funds")))
				signed.Post("/escrows/{orderID}/refund", s.idempotent("refund_funds", s.transition("refund_funds")))
				signed.Post("/escrows/{orderID}/dispute", s.idempotent("dispute_escrow", s.transition("dispute_escrow")))
				signed.Post("/test-accounts", s.handleCreateTestAccount)
				signed.Post("/wallet/connect", s.handleWalletConnect)
				signed.Delete("/wallet", s.handleWalletDisconnect)
			})
		})
	})
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	deps := make(map[string]dependencyHealth, len(s.health))
	for name, check := range s.health {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()

		info := dependencyHealth{Connected: err == nil}
		if err != nil {
			info.Error = err.Error()
			overallHealthy = false
		} else {
			info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		deps[name] = info
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status         string                      `json:"status"`
		Network        string                      `json:"network"`
		Dependencies   map[string]dependencyHealth `json:"dependencies"`
		ReconcileDepth int                         `json:"reconcile_depth"`
	}{
		Status:         status,
		Network:        s.cfg.Network.Name,
		Dependencies:   deps,
		ReconcileDepth: s.journal.depth(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
