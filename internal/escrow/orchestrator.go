// Package escrow drives the on-chain escrow contract: creating escrows,
// moving them out of Pending and reading their state back. The contract
// holds the authoritative state; nothing here is cached.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/strkey"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
)

const (
	fnCreate         = "create_escrow"
	fnRelease        = "release_funds"
	fnRefund         = "refund_funds"
	fnDispute        = "dispute_escrow"
	fnGet            = "get_escrow"
	fnCanAutoRelease = "can_auto_release"

	// DefaultReleaseWindow is seven days, in seconds.
	DefaultReleaseWindow uint64 = 604800

	DefaultSubmitTimeout = 30 * time.Second
)

// CreateParams describes a new escrow. Amount is a decimal string in whole
// asset units; SignerSecret must belong to Buyer.
type CreateParams struct {
	Buyer         string
	Seller        string
	Token         string
	Amount        string
	OrderID       uint32
	ReleaseWindow uint64
	SignerSecret  string
}

// Orchestrator issues escrow calls through a ContractRPC. Each mutating
// method results in exactly one submission.
type Orchestrator struct {
	rpc           ContractRPC
	contract      string
	submitTimeout time.Duration
	logger        *logrus.Logger
}

type Option func(*Orchestrator)

func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.submitTimeout = d
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator binds rpc to the contract at contractAddress. An empty
// address is allowed; every operation then fails with ErrContractNotConfigured.
func NewOrchestrator(rpc ContractRPC, contractAddress string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rpc:           rpc,
		contract:      contractAddress,
		submitTimeout: DefaultSubmitTimeout,
		logger:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configured reports whether a contract address is set.
func (o *Orchestrator) Configured() bool { return o.contract != "" }

func (o *Orchestrator) ensureConfigured() error {
	if o.contract == "" {
		return failure.New(failure.CodeContractNotConfigured, "escrow contract address is not configured")
	}
	return nil
}

// CreateEscrow locks params.Amount of params.Token under params.OrderID.
func (o *Orchestrator) CreateEscrow(ctx context.Context, params CreateParams) (string, error) {
	if err := o.ensureConfigured(); err != nil {
		return "", err
	}
	amt, err := amount.Parse(params.Amount)
	if err != nil {
		return "", err
	}
	if amt.IsZero() {
		return "", failure.New(failure.CodeInvalidAmount, "escrow amount must be positive")
	}
	if err := ledger.ValidateAddress(params.Buyer); err != nil {
		return "", err
	}
	if err := ledger.ValidateAddress(params.Seller); err != nil {
		return "", err
	}
	if err := ValidateContractAddress(params.Token); err != nil {
		return "", err
	}
	window := params.ReleaseWindow
	if window == 0 {
		window = DefaultReleaseWindow
	}

	call := Invocation{
		Contract: o.contract,
		Function: fnCreate,
		Args: []Value{
			Address(params.Buyer),
			Address(params.Seller),
			Address(params.Token),
			I128(amt.BigInt()),
			U32(params.OrderID),
			U64(window),
		},
	}
	hash, err := o.invoke(ctx, call, params.SignerSecret)
	if err != nil {
		return "", err
	}
	o.logger.WithFields(logrus.Fields{
		"orderId": params.OrderID,
		"amount":  amt.String(),
		"window":  window,
		"hash":    hash,
	}).Info("escrow created")
	return hash, nil
}

// ReleaseFunds pays the escrowed amount out to the seller. Who may release
// is decided by the contract.
func (o *Orchestrator) ReleaseFunds(ctx context.Context, orderID uint32, signerSecret string) (string, error) {
	return o.transition(ctx, fnRelease, orderID, signerSecret)
}

// RefundFunds returns the escrowed amount to the buyer.
func (o *Orchestrator) RefundFunds(ctx context.Context, orderID uint32, signerSecret string) (string, error) {
	return o.transition(ctx, fnRefund, orderID, signerSecret)
}

// DisputeEscrow freezes the escrow pending off-chain resolution.
func (o *Orchestrator) DisputeEscrow(ctx context.Context, orderID uint32, signerSecret string) (string, error) {
	return o.transition(ctx, fnDispute, orderID, signerSecret)
}

func (o *Orchestrator) transition(ctx context.Context, function string, orderID uint32, signerSecret string) (string, error) {
	if err := o.ensureConfigured(); err != nil {
		return "", err
	}
	hash, err := o.invoke(ctx, Invocation{Contract: o.contract, Function: function, Args: []Value{U32(orderID)}}, signerSecret)
	if err != nil {
		return "", err
	}
	o.logger.WithFields(logrus.Fields{
		"orderId":  orderID,
		"function": function,
		"hash":     hash,
	}).Info("escrow transition submitted")
	return hash, nil
}

func (o *Orchestrator) invoke(ctx context.Context, call Invocation, signerSecret string) (string, error) {
	if _, err := ledger.ParseSecret(signerSecret); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	defer cancel()

	res, err := o.rpc.Invoke(ctx, call, signerSecret)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", failure.Wrap(failure.CodeSubmitTimeout, err, "%s did not complete within %s", call.Function, o.submitTimeout)
		}
		return "", err
	}
	return res.Hash, nil
}

// GetEscrow reads the escrow for orderID by simulation. It returns nil, nil
// when the contract holds no escrow for that order.
func (o *Orchestrator) GetEscrow(ctx context.Context, orderID uint32) (*Record, error) {
	if err := o.ensureConfigured(); err != nil {
		return nil, err
	}
	res, err := o.simulate(ctx, fnGet, orderID)
	if err != nil {
		return nil, err
	}
	if res.Value.Kind == KindVoid {
		return nil, nil
	}
	rec, err := decodeRecord(orderID, res.Value)
	if err != nil {
		return nil, fmt.Errorf("decode escrow %d: %w", orderID, err)
	}
	return &rec, nil
}

// CanAutoRelease asks the contract whether orderID is Pending with its
// release window elapsed. Any failure to get a clear answer reports false.
func (o *Orchestrator) CanAutoRelease(ctx context.Context, orderID uint32) bool {
	if err := o.ensureConfigured(); err != nil {
		return false
	}
	res, err := o.simulate(ctx, fnCanAutoRelease, orderID)
	if err != nil {
		o.logger.WithError(err).WithField("orderId", orderID).Warn("auto-release check failed")
		return false
	}
	if res.Value.Kind != KindBool {
		o.logger.WithField("kind", res.Value.Kind.String()).Warn("auto-release check returned a non-bool")
		return false
	}
	return res.Value.Bool
}

func (o *Orchestrator) simulate(ctx context.Context, function string, orderID uint32) (SimulationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	defer cancel()
	res, err := o.rpc.Simulate(ctx, Invocation{Contract: o.contract, Function: function, Args: []Value{U32(orderID)}})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return res, failure.Wrap(failure.CodeContractUnavailable, err, "%s did not answer within %s", function, o.submitTimeout)
	}
	return res, err
}

// decodeRecord maps the contract's escrow struct onto Record. Field names are
// accepted in snake_case and camelCase.
func decodeRecord(orderID uint32, v Value) (Record, error) {
	if v.Kind == KindVec && len(v.Vec) == 1 {
		// Option<Escrow> encoded as a one-element vec.
		v = v.Vec[0]
	}
	if v.Kind != KindMap {
		return Record{}, fmt.Errorf("expected map, got %s", v.Kind)
	}
	rec := Record{OrderID: orderID}

	var err error
	if rec.Buyer, err = textField(v, "buyer"); err != nil {
		return Record{}, err
	}
	if rec.Seller, err = textField(v, "seller"); err != nil {
		return Record{}, err
	}
	if rec.Token, err = textField(v, "token"); err != nil {
		return Record{}, err
	}

	amt, ok := v.Field("amount")
	if !ok || amt.Int == nil || !amt.Int.IsInt64() {
		return Record{}, fmt.Errorf("missing or out of range amount")
	}
	if rec.Amount, err = amount.FromMinor(amt.Int.Int64()); err != nil {
		return Record{}, err
	}

	st, ok := v.Field("status")
	if !ok {
		return Record{}, fmt.Errorf("missing status")
	}
	if rec.Status, err = decodeStatus(st); err != nil {
		return Record{}, err
	}

	created, err := uintField(v, "created_at", "createdAt")
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(int64(created), 0).UTC()

	if rec.ReleaseWindow, err = uintField(v, "release_window", "releaseWindow"); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// decodeStatus accepts an integer discriminant or a unit enum variant
// (a vec holding one symbol).
func decodeStatus(v Value) (Status, error) {
	switch v.Kind {
	case KindU32, KindU64:
		n, err := v.Uint64()
		if err != nil || n > uint64(StatusDisputed) {
			return 0, fmt.Errorf("unknown status %v", v.Int)
		}
		return Status(n), nil
	case KindVec:
		if len(v.Vec) == 1 && v.Vec[0].Kind == KindSymbol {
			return ParseStatus(v.Vec[0].Text)
		}
	case KindSymbol:
		return ParseStatus(v.Text)
	}
	return 0, fmt.Errorf("unsupported status encoding %s", v.Kind)
}

func textField(v Value, names ...string) (string, error) {
	f, ok := v.Field(names...)
	if !ok || f.Text == "" {
		return "", fmt.Errorf("missing %s", names[0])
	}
	return f.Text, nil
}

func uintField(v Value, names ...string) (uint64, error) {
	f, ok := v.Field(names...)
	if !ok {
		return 0, fmt.Errorf("missing %s", names[0])
	}
	n, err := f.Uint64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", names[0], err)
	}
	return n, nil
}

// ValidateContractAddress checks that address is a contract strkey (C...).
func ValidateContractAddress(address string) error {
	if _, err := strkey.Decode(strkey.VersionByteContract, address); err != nil {
		return failure.New(failure.CodeInvalidAddress, "invalid contract address %q", address)
	}
	return nil
}
