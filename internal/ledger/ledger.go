// Package ledger is the boundary to the Stellar network: loading accounts,
// submitting signed transactions and reading them back. Payment and escrow
// orchestration only see the Client and Signer interfaces defined here.
package ledger

import (
	"context"
	"time"

	"github.com/stellar/go/strkey"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
)

// Asset identifies a ledger asset. An empty Code means the native asset.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// Native is the network's native asset.
func Native() Asset { return Asset{} }

func (a Asset) IsNative() bool { return a.Code == "" || (a.Code == "XLM" && a.Issuer == "") }

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

// Balance is one trustline (or the native balance) of an account.
type Balance struct {
	Asset  Asset         `json:"asset"`
	Amount amount.Amount `json:"amount"`
}

// Account is the subset of ledger account state the orchestrators need.
type Account struct {
	Address  string    `json:"address"`
	Sequence int64     `json:"sequence"`
	Balances []Balance `json:"balances"`
}

// BalanceOf returns the balance line for asset, if the account holds one.
func (a Account) BalanceOf(asset Asset) (amount.Amount, bool) {
	for _, b := range a.Balances {
		if b.Asset.IsNative() && asset.IsNative() {
			return b.Amount, true
		}
		if b.Asset.Code == asset.Code && b.Asset.Issuer == asset.Issuer {
			return b.Amount, true
		}
	}
	return amount.Zero, false
}

// Payment is one payment operation.
type Payment struct {
	Destination string
	Asset       Asset
	Amount      amount.Amount
}

// Draft describes a transaction before signing. All payments share the
// source account and land atomically.
type Draft struct {
	Source   Account
	Payments []Payment
	Memo     string
	Timeout  time.Duration
}

// SignedTransaction is a signed envelope ready for submission.
type SignedTransaction struct {
	Hash        string
	EnvelopeXDR string
}

// TransactionRecord is a submitted transaction as the ledger reports it.
type TransactionRecord struct {
	Hash           string    `json:"hash"`
	Ledger         int32     `json:"ledger"`
	CreatedAt      time.Time `json:"createdAt"`
	SourceAccount  string    `json:"sourceAccount"`
	Successful     bool      `json:"successful"`
	OperationCount int32     `json:"operationCount"`
	FeeCharged     int64     `json:"feeCharged"`
	MemoType       string    `json:"memoType,omitempty"`
	Memo           string    `json:"memo,omitempty"`
	EnvelopeXDR    string    `json:"envelopeXdr,omitempty"`
	ResultXDR      string    `json:"resultXdr,omitempty"`
}

// Client reads and writes ledger state. LoadAccount fails with
// failure.ErrAccountNotFound for an unfunded address; Submit fails with
// failure.ErrSubmissionRejected (reason verbatim) or failure.ErrSubmitTimeout.
type Client interface {
	LoadAccount(ctx context.Context, address string) (Account, error)
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
	GetTransaction(ctx context.Context, hash string) (TransactionRecord, error)
}

// Signer turns drafts into signed envelopes. It never performs I/O.
type Signer interface {
	Address(secret string) (string, error)
	Sign(draft Draft, secret string) (SignedTransaction, error)
}

// ValidateAddress checks that address is an account public key (G...).
func ValidateAddress(address string) error {
	if !strkey.IsValidEd25519PublicKey(address) {
		return failure.New(failure.CodeInvalidAddress, "invalid account address %q", address)
	}
	return nil
}
