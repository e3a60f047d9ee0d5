// Package payment builds, signs and submits classic ledger payments,
// including seller/platform split payments that land atomically.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
)

const (
	DefaultSubmitTimeout = 30 * time.Second
	// MaxMemoBytes is the ledger's limit for text memos.
	MaxMemoBytes = 28

	NetworkTestnet = "TESTNET"
	NetworkPublic  = "PUBLIC"
)

// Intent is one payment request. SenderSecret is used for this call only and
// never stored or logged.
type Intent struct {
	SenderSecret string
	Recipient    string
	Amount       string
	OrderID      string
	Memo         string
}

// Leg is one payment operation inside a submitted transaction.
type Leg struct {
	Destination string        `json:"destination"`
	Amount      amount.Amount `json:"amount"`
	Role        string        `json:"role"`
}

// SplitReceipt describes a submitted split payment.
type SplitReceipt struct {
	Hash       string        `json:"hash"`
	Gross      amount.Amount `json:"gross"`
	Seller     amount.Amount `json:"seller"`
	Commission amount.Amount `json:"commission"`
	Legs       []Leg         `json:"legs"`
}

// TestAccount is a freshly generated keypair on the test network.
type TestAccount struct {
	PublicKey string `json:"publicKey"`
	Secret    string `json:"secret"`
	Funded    bool   `json:"funded"`
}

// Funder creates and funds accounts on a test network.
type Funder interface {
	Fund(ctx context.Context, address string) error
}

type Config struct {
	Network        string
	Asset          ledger.Asset
	PlatformWallet string
	CommissionRate decimal.Decimal
	SubmitTimeout  time.Duration
}

// Orchestrator submits payments through a ledger.Client. It keeps no state
// between calls and never retries a submission.
type Orchestrator struct {
	ledger ledger.Client
	signer ledger.Signer
	funder Funder
	cfg    Config
	logger *logrus.Logger
}

func NewOrchestrator(client ledger.Client, signer ledger.Signer, cfg Config, funder Funder, logger *logrus.Logger) (*Orchestrator, error) {
	if err := amount.ValidateRate(cfg.CommissionRate); err != nil {
		return nil, err
	}
	if cfg.PlatformWallet != "" {
		if err := ledger.ValidateAddress(cfg.PlatformWallet); err != nil {
			return nil, fmt.Errorf("platform wallet: %w", err)
		}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{ledger: client, signer: signer, funder: funder, cfg: cfg, logger: logger}, nil
}

// Asset is the asset payments are made in.
func (o *Orchestrator) Asset() ledger.Asset { return o.cfg.Asset }

// SendPayment sends intent.Amount to intent.Recipient in a single operation.
func (o *Orchestrator) SendPayment(ctx context.Context, intent Intent) (string, error) {
	sender, amt, memo, err := o.validate(intent)
	if err != nil {
		return "", err
	}
	legs := []Leg{{Destination: intent.Recipient, Amount: amt, Role: "recipient"}}
	hash, err := o.submit(ctx, sender, intent.SenderSecret, legs, memo)
	if err != nil {
		return "", err
	}
	o.logger.WithFields(logrus.Fields{
		"hash":      hash,
		"recipient": intent.Recipient,
		"amount":    amt.String(),
		"orderId":   intent.OrderID,
	}).Info("payment submitted")
	return hash, nil
}

// SendSplitPayment pays the seller its share and the platform wallet the
// commission in one transaction. Without a platform wallet, or when the
// commission rounds to zero, the seller receives the full gross amount in a
// single operation.
func (o *Orchestrator) SendSplitPayment(ctx context.Context, intent Intent) (SplitReceipt, error) {
	sender, gross, memo, err := o.validate(intent)
	if err != nil {
		return SplitReceipt{}, err
	}

	split := amount.SplitResult{Gross: gross, Seller: gross, Commission: amount.Zero}
	if o.cfg.PlatformWallet != "" {
		if split, err = amount.Split(gross, o.cfg.CommissionRate); err != nil {
			return SplitReceipt{}, err
		}
	}

	legs := []Leg{{Destination: intent.Recipient, Amount: split.Seller, Role: "seller"}}
	if !split.Commission.IsZero() {
		legs = append(legs, Leg{Destination: o.cfg.PlatformWallet, Amount: split.Commission, Role: "platform"})
	}

	hash, err := o.submit(ctx, sender, intent.SenderSecret, legs, memo)
	if err != nil {
		return SplitReceipt{}, err
	}
	o.logger.WithFields(logrus.Fields{
		"hash":       hash,
		"seller":     intent.Recipient,
		"gross":      split.Gross.String(),
		"commission": split.Commission.String(),
		"orderId":    intent.OrderID,
	}).Info("split payment submitted")
	return SplitReceipt{
		Hash:       hash,
		Gross:      split.Gross,
		Seller:     split.Seller,
		Commission: split.Commission,
		Legs:       legs,
	}, nil
}

// validate performs every check that needs no I/O and returns the sender
// address, the parsed amount and the memo to attach.
func (o *Orchestrator) validate(intent Intent) (string, amount.Amount, string, error) {
	amt, err := amount.Parse(intent.Amount)
	if err != nil {
		return "", amount.Zero, "", err
	}
	if amt.IsZero() {
		return "", amount.Zero, "", failure.New(failure.CodeInvalidAmount, "payment amount must be positive")
	}
	if err := ledger.ValidateAddress(intent.Recipient); err != nil {
		return "", amount.Zero, "", err
	}
	memo := Memo(intent.OrderID, intent.Memo)
	if len(memo) > MaxMemoBytes {
		return "", amount.Zero, "", failure.New(failure.CodeInvalidMemo, "memo %q exceeds %d bytes", memo, MaxMemoBytes)
	}
	sender, err := o.signer.Address(intent.SenderSecret)
	if err != nil {
		return "", amount.Zero, "", err
	}
	return sender, amt, memo, nil
}

// Memo picks the transaction memo: the order reference when present, else
// the caller's memo.
func Memo(orderID, memo string) string {
	if orderID != "" {
		return "ORDER:" + orderID
	}
	return memo
}

func (o *Orchestrator) submit(ctx context.Context, sender, secret string, legs []Leg, memo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()

	account, err := o.ledger.LoadAccount(ctx, sender)
	if err != nil {
		return "", err
	}

	payments := make([]ledger.Payment, 0, len(legs))
	for _, leg := range legs {
		payments = append(payments, ledger.Payment{Destination: leg.Destination, Asset: o.cfg.Asset, Amount: leg.Amount})
	}
	signed, err := o.signer.Sign(ledger.Draft{
		Source:   account,
		Payments: payments,
		Memo:     memo,
		Timeout:  o.cfg.SubmitTimeout,
	}, secret)
	if err != nil {
		return "", err
	}
	return o.ledger.Submit(ctx, signed)
}

// GetBalance returns address's balance of the given asset. A missing account
// or a missing trustline both read as zero.
func (o *Orchestrator) GetBalance(ctx context.Context, address, assetCode, assetIssuer string) (amount.Amount, error) {
	if err := ledger.ValidateAddress(address); err != nil {
		return amount.Zero, err
	}
	acc, err := o.ledger.LoadAccount(ctx, address)
	if err != nil {
		if failure.CodeOf(err) == failure.CodeAccountNotFound {
			return amount.Zero, nil
		}
		return amount.Zero, err
	}
	bal, _ := acc.BalanceOf(ledger.Asset{Code: assetCode, Issuer: assetIssuer})
	return bal, nil
}

// AccountExists reports whether address can be loaded from the ledger.
func (o *Orchestrator) AccountExists(ctx context.Context, address string) bool {
	if ledger.ValidateAddress(address) != nil {
		return false
	}
	_, err := o.ledger.LoadAccount(ctx, address)
	return err == nil
}

// AccountDetails returns the ledger state of address.
func (o *Orchestrator) AccountDetails(ctx context.Context, address string) (ledger.Account, error) {
	if err := ledger.ValidateAddress(address); err != nil {
		return ledger.Account{}, err
	}
	return o.ledger.LoadAccount(ctx, address)
}

func (o *Orchestrator) GetTransaction(ctx context.Context, hash string) (ledger.TransactionRecord, error) {
	if len(hash) != 64 {
		return ledger.TransactionRecord{}, failure.New(failure.CodeTransactionNotFound, "transaction %q not found", hash)
	}
	return o.ledger.GetTransaction(ctx, hash)
}

// CreateTestAccount generates a keypair and asks the test network's faucet to
// fund it. A funding failure is logged and reported through Funded; the
// keypair is still returned.
func (o *Orchestrator) CreateTestAccount(ctx context.Context) (TestAccount, error) {
	if o.cfg.Network != NetworkTestnet {
		return TestAccount{}, failure.New(failure.CodeNetworkMismatch, "test accounts are only available on %s, not %s", NetworkTestnet, o.cfg.Network)
	}
	kp, err := keypair.Random()
	if err != nil {
		return TestAccount{}, fmt.Errorf("generate keypair: %w", err)
	}
	acc := TestAccount{PublicKey: kp.Address(), Secret: kp.Seed()}
	if o.funder == nil {
		o.logger.WithField("publicKey", acc.PublicKey).Warn("no faucet configured; test account left unfunded")
		return acc, nil
	}
	if err := o.funder.Fund(ctx, acc.PublicKey); err != nil {
		o.logger.WithError(err).WithField("publicKey", acc.PublicKey).Warn("faucet funding failed")
		return acc, nil
	}
	acc.Funded = true
	return acc, nil
}
