package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"craftnexus/internal/failure"
)

// StellarSigner builds and signs classic payment transactions for one network.
type StellarSigner struct {
	Passphrase string
	BaseFee    int64
}

func NewStellarSigner(passphrase string) StellarSigner {
	return StellarSigner{Passphrase: passphrase, BaseFee: txnbuild.MinBaseFee}
}

// ParseSecret parses a secret seed without ever echoing it back in errors.
func ParseSecret(secret string) (*keypair.Full, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, failure.New(failure.CodeInvalidSecret, "signer secret is not a valid secret seed")
	}
	return kp, nil
}

func (s StellarSigner) Address(secret string) (string, error) {
	kp, err := ParseSecret(secret)
	if err != nil {
		return "", err
	}
	return kp.Address(), nil
}

func (s StellarSigner) Sign(draft Draft, secret string) (SignedTransaction, error) {
	kp, err := ParseSecret(secret)
	if err != nil {
		return SignedTransaction{}, err
	}
	if kp.Address() != draft.Source.Address {
		return SignedTransaction{}, errors.New("signer does not match the source account")
	}
	if len(draft.Payments) == 0 {
		return SignedTransaction{}, errors.New("transaction has no operations")
	}

	ops := make([]txnbuild.Operation, 0, len(draft.Payments))
	for _, p := range draft.Payments {
		ops = append(ops, &txnbuild.Payment{
			Destination: p.Destination,
			Amount:      p.Amount.String(),
			Asset:       txnAsset(p.Asset),
		})
	}

	var memo txnbuild.Memo
	if draft.Memo != "" {
		memo = txnbuild.MemoText(draft.Memo)
	}

	source := txnbuild.NewSimpleAccount(draft.Source.Address, draft.Source.Sequence)
	baseFee := s.BaseFee
	if baseFee <= 0 {
		baseFee = txnbuild.MinBaseFee
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              baseFee,
		Memo:                 memo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(draft.Timeout / time.Second)),
		},
	})
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("build transaction: %w", err)
	}

	tx, err = tx.Sign(s.Passphrase, kp)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("sign transaction: %w", err)
	}

	hash, err := tx.HashHex(s.Passphrase)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("hash transaction: %w", err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("encode transaction: %w", err)
	}
	return SignedTransaction{Hash: hash, EnvelopeXDR: envelope}, nil
}

func txnAsset(a Asset) txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}
