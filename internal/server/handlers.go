package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"craftnexus/internal/escrow"
	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
	"craftnexus/internal/payment"
)

type paymentRequest struct {
	SenderSecret string `json:"senderSecret"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	OrderID      string `json:"orderId"`
	Memo         string `json:"memo"`
}

func (p paymentRequest) intent() payment.Intent {
	return payment.Intent{
		SenderSecret: p.SenderSecret,
		Recipient:    p.Recipient,
		Amount:       p.Amount,
		OrderID:      p.OrderID,
		Memo:         p.Memo,
	}
}

func (p paymentRequest) journal() reconcileEntry {
	return reconcileEntry{OrderID: p.OrderID, Counterparty: p.Recipient, Amount: p.Amount}
}

type paymentResponse struct {
	Hash    string `json:"hash"`
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
}

func (s *Server) sendPayment(r *http.Request, body []byte) (result, error) {
	var req paymentRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	start := time.Now()
	hash, err := s.payments.SendPayment(r.Context(), req.intent())
	s.metrics.observe("payment", start)
	if err != nil {
		s.metrics.incPayment("single", outcome(err))
		return result{journal: req.journal()}, err
	}
	s.metrics.incPayment("single", "submitted")
	return result{
		status: http.StatusCreated,
		body:   paymentResponse{Hash: hash, Status: "submitted", OrderID: req.OrderID},
	}, nil
}

func (s *Server) sendSplitPayment(r *http.Request, body []byte) (result, error) {
	var req paymentRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	start := time.Now()
	receipt, err := s.payments.SendSplitPayment(r.Context(), req.intent())
	s.metrics.observe("split_payment", start)
	if err != nil {
		s.metrics.incPayment("split", outcome(err))
		return result{journal: req.journal()}, err
	}
	s.metrics.incPayment("split", "submitted")
	return result{status: http.StatusCreated, body: receipt}, nil
}

type accountResponse struct {
	Exists  bool            `json:"exists"`
	Account *ledger.Account `json:"account,omitempty"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.payments.AccountDetails(r.Context(), chi.URLParam(r, "address"))
	if failure.CodeOf(err) == failure.CodeAccountNotFound {
		writeJSON(w, http.StatusOK, accountResponse{Exists: false})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Exists: true, Account: &acc})
}

func (s *Server) handleAccountExists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountResponse{Exists: s.payments.AccountExists(r.Context(), chi.URLParam(r, "address"))})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	asset := s.payments.Asset()
	if code := r.URL.Query().Get("assetCode"); code != "" {
		asset = ledger.Asset{Code: code, Issuer: r.URL.Query().Get("assetIssuer")}
	}
	bal, err := s.payments.GetBalance(r.Context(), address, asset.Code, asset.Issuer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": address,
		"asset":   asset,
		"balance": bal,
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.payments.GetTransaction(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateTestAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.payments.CreateTestAccount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

type createEscrowRequest struct {
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	OrderID       uint32 `json:"orderId"`
	ReleaseWindow uint64 `json:"releaseWindow"`
	SignerSecret  string `json:"signerSecret"`
}

type escrowResponse struct {
	Hash    string `json:"hash"`
	OrderID uint32 `json:"orderId"`
	Status  string `json:"status"`
}

func (s *Server) createEscrow(r *http.Request, body []byte) (result, error) {
	var req createEscrowRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	if req.Token == "" {
		req.Token = s.cfg.Asset.TokenContract
	}
	entry := reconcileEntry{OrderID: strconv.FormatUint(uint64(req.OrderID), 10), Counterparty: req.Seller, Amount: req.Amount}

	start := time.Now()
	hash, err := s.escrows.CreateEscrow(r.Context(), escrow.CreateParams{
		Buyer:         req.Buyer,
		Seller:        req.Seller,
		Token:         req.Token,
		Amount:        req.Amount,
		OrderID:       req.OrderID,
		ReleaseWindow: req.ReleaseWindow,
		SignerSecret:  req.SignerSecret,
	})
	s.metrics.observe("create_escrow", start)
	if err != nil {
		s.metrics.incEscrow("create_escrow", outcome(err))
		return result{journal: entry}, err
	}
	s.metrics.incEscrow("create_escrow", "submitted")
	return result{
		status: http.StatusCreated,
		body:   escrowResponse{Hash: hash, OrderID: req.OrderID, Status: "submitted"},
	}, nil
}

type transitionRequest struct {
	SignerSecret string `json:"signerSecret"`
}

// transition serves release, refund and dispute, which differ only in the
// contract entry point.
func (s *Server) transition(function string) mutation {
	return func(r *http.Request, body []byte) (result, error) {
		orderID, err := orderIDParam(r)
		if err != nil {
			return result{}, err
		}
		var req transitionRequest
		if err := decodeBody(body, &req); err != nil {
			return result{}, err
		}

		var call func(context.Context, uint32, string) (string, error)
		switch function {
		case "release_funds":
			call = s.escrows.ReleaseFunds
		case "refund_funds":
			call = s.escrows.RefundFunds
		default:
			call = s.escrows.DisputeEscrow
		}

		start := time.Now()
		hash, err := call(r.Context(), orderID, req.SignerSecret)
		s.metrics.observe(function, start)
		if err != nil {
			s.metrics.incEscrow(function, outcome(err))
			return result{journal: reconcileEntry{OrderID: strconv.FormatUint(uint64(orderID), 10)}}, err
		}
		s.metrics.incEscrow(function, "submitted")
		return result{
			status: http.StatusOK,
			body:   escrowResponse{Hash: hash, OrderID: orderID, Status: "submitted"},
		}, nil
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.escrows.GetEscrow(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, failure.New(failure.CodeEscrowNotFound, "no escrow for order %d", orderID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCanAutoRelease(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":        orderID,
		"canAutoRelease": s.escrows.CanAutoRelease(r.Context(), orderID),
	})
}

func orderIDParam(r *http.Request) (uint32, error) {
	raw := chi.URLParam(r, "orderID")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, failure.Wrap(failure.CodeInvalidRequest, err, "order id %q is not a u32", raw)
	}
	return uint32(id), nil
}

type walletStatus struct {
	State          string `json:"state"`
	PublicKey      string `json:"publicKey,omitempty"`
	CurrentAddress string `json:"currentAddress,omitempty"`
}

func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := walletStatus{State: string(s.wallet.State())}
	stored, err := s.wallet.StoredAccount(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stored != nil {
		status.PublicKey = stored.PublicKey
	}
	if addr, ok := s.wallet.CurrentAddress(ctx); ok {
		status.CurrentAddress = addr
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	acc, err := s.wallet.Connect(r.Context())
	if err != nil {
		s.metrics.incWallet(outcome(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.incWallet("connected")
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Disconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// outcome labels a failed call for metrics.
func outcome(err error) string {
	if code := failure.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
