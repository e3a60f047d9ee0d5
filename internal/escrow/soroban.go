package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
)

// zeroAccount is the all-zero ed25519 key, used as the source of read-only
// simulations when no funded account is configured.
const zeroAccount = "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF"

// Final statuses reported by getTransaction.
const (
	txSuccess = "SUCCESS"
	txFailed  = "FAILED"
)

const defaultPollInterval = time.Second

// AccountLoader supplies the current sequence number of the invoking account.
type AccountLoader interface {
	LoadAccount(ctx context.Context, address string) (ledger.Account, error)
}

// SorobanRPC implements ContractRPC against a Soroban RPC server over
// JSON-RPC 2.0.
type SorobanRPC struct {
	client           *rpc.Client
	accounts         AccountLoader
	passphrase       string
	simulationSource string
	txTimeout        time.Duration
	pollInterval     time.Duration
	logger           *logrus.Logger
}

type SorobanConfig struct {
	RPCURL     string
	Passphrase string
	// SimulationSource is the account used as transaction source for
	// read-only calls. Defaults to the zero account.
	SimulationSource string
	Accounts         AccountLoader
	TxTimeout        time.Duration
	// PollInterval spaces getTransaction calls while waiting for a sent
	// transaction to be applied.
	PollInterval time.Duration
	Logger       *logrus.Logger
}

func DialSoroban(ctx context.Context, cfg SorobanConfig) (*SorobanRPC, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("soroban rpc url is required")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("network passphrase is required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("account loader is required")
	}

	cli, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial soroban rpc: %w", err)
	}

	source := cfg.SimulationSource
	if source == "" {
		source = zeroAccount
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SorobanRPC{
		client:           cli,
		accounts:         cfg.Accounts,
		passphrase:       cfg.Passphrase,
		simulationSource: source,
		txTimeout:        timeout,
		pollInterval:     poll,
		logger:           logger,
	}, nil
}

func (s *SorobanRPC) Close() {
	s.client.Close()
}

type simulateResponse struct {
	Error           string `json:"error,omitempty"`
	TransactionData string `json:"transactionData"`
	MinResourceFee  string `json:"minResourceFee"`
	Results         []struct {
		Auth []string `json:"auth"`
		XDR  string   `json:"xdr"`
	} `json:"results"`
	LatestLedger uint32 `json:"latestLedger"`
}

type sendResponse struct {
	Status         string `json:"status"`
	Hash           string `json:"hash"`
	ErrorResultXDR string `json:"errorResultXdr,omitempty"`
	LatestLedger   uint32 `json:"latestLedger"`
}

type transactionStatus struct {
	Status    string `json:"status"`
	Ledger    uint32 `json:"ledger,omitempty"`
	ResultXDR string `json:"resultXdr,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Simulate runs call without submitting it.
func (s *SorobanRPC) Simulate(ctx context.Context, call Invocation) (SimulationResult, error) {
	op, err := invokeOperation(call)
	if err != nil {
		return SimulationResult{}, err
	}
	source := txnbuild.NewSimpleAccount(s.simulationSource, 0)
	envelope, err := s.build(&source, op, txnbuild.MinBaseFee, nil)
	if err != nil {
		return SimulationResult{}, err
	}
	sim, err := s.simulate(ctx, call.Function, envelope)
	if err != nil {
		return SimulationResult{}, err
	}
	return decodeSimulation(sim)
}

// Invoke simulates call to obtain its footprint and auth entries, signs and
// sends it once, then polls getTransaction until the ledger reports it
// applied or failed. The transaction is never re-sent.
func (s *SorobanRPC) Invoke(ctx context.Context, call Invocation, signerSecret string) (InvocationResult, error) {
	kp, err := ledger.ParseSecret(signerSecret)
	if err != nil {
		return InvocationResult{}, err
	}
	op, err := invokeOperation(call)
	if err != nil {
		return InvocationResult{}, err
	}

	acc, err := s.accounts.LoadAccount(ctx, kp.Address())
	if err != nil {
		return InvocationResult{}, err
	}
	source := txnbuild.NewSimpleAccount(acc.Address, acc.Sequence)
	draft, err := s.build(&source, op, txnbuild.MinBaseFee, nil)
	if err != nil {
		return InvocationResult{}, err
	}

	sim, err := s.simulate(ctx, call.Function, draft)
	if err != nil {
		return InvocationResult{}, err
	}
	if err := applySimulation(op, sim); err != nil {
		return InvocationResult{}, err
	}
	resourceFee, err := strconv.ParseInt(sim.MinResourceFee, 10, 64)
	if err != nil {
		return InvocationResult{}, fmt.Errorf("parse min resource fee %q: %w", sim.MinResourceFee, err)
	}

	// Rebuild from the original sequence: build increments it.
	source = txnbuild.NewSimpleAccount(acc.Address, acc.Sequence)
	signed, err := s.build(&source, op, txnbuild.MinBaseFee+resourceFee, kp)
	if err != nil {
		return InvocationResult{}, err
	}

	var sent sendResponse
	if err := s.client.CallContext(ctx, &sent, "sendTransaction", signed); err != nil {
		return InvocationResult{}, transportError(call.Function, err)
	}
	s.logger.WithFields(logrus.Fields{
		"function": call.Function,
		"hash":     sent.Hash,
		"status":   sent.Status,
	}).Info("contract invocation sent")

	switch sent.Status {
	case "ERROR":
		return InvocationResult{}, failure.Rejected(failure.CodeContractRejected, resultCode(sent.ErrorResultXDR), nil)
	case "TRY_AGAIN_LATER":
		return InvocationResult{}, failure.New(failure.CodeContractUnavailable, "soroban rpc asked to retry %s later", call.Function)
	}

	final, err := s.waitForTransaction(ctx, call.Function, sent.Hash)
	if err != nil {
		return InvocationResult{}, err
	}
	if final.Status == txFailed {
		return InvocationResult{}, failure.Rejected(failure.CodeContractRejected, resultCode(final.ResultXDR), nil)
	}
	s.logger.WithFields(logrus.Fields{
		"function": call.Function,
		"hash":     sent.Hash,
		"ledger":   final.Ledger,
	}).Info("contract invocation applied")
	return InvocationResult{Hash: sent.Hash, Status: final.Status}, nil
}

// waitForTransaction polls until hash reaches a final status or ctx ends.
// Lookup errors are retried: the transaction is already sent, so giving up
// early would only turn a known outcome into an unknown one.
func (s *SorobanRPC) waitForTransaction(ctx context.Context, function, hash string) (transactionStatus, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		var res transactionStatus
		err := s.client.CallContext(ctx, &res, "getTransaction", hash)
		if err == nil && (res.Status == txSuccess || res.Status == txFailed) {
			return res, nil
		}
		if err != nil && ctx.Err() == nil {
			s.logger.WithError(err).WithField("hash", hash).Debug("transaction status lookup failed")
		}
		select {
		case <-ctx.Done():
			return transactionStatus{}, failure.Wrap(failure.CodeSubmitTimeout, ctx.Err(),
				"%s transaction %s was not confirmed before the deadline", function, hash)
		case <-ticker.C:
		}
	}
}

// Ping checks Soroban RPC health for the health endpoint.
func (s *SorobanRPC) Ping(ctx context.Context) error {
	var res healthResponse
	if err := s.client.CallContext(ctx, &res, "getHealth"); err != nil {
		return err
	}
	if res.Status != "healthy" {
		return fmt.Errorf("soroban rpc status %q", res.Status)
	}
	return nil
}

func (s *SorobanRPC) simulate(ctx context.Context, function, envelope string) (simulateResponse, error) {
	var sim simulateResponse
	if err := s.client.CallContext(ctx, &sim, "simulateTransaction", envelope); err != nil {
		return sim, transportError(function, err)
	}
	if sim.Error != "" {
		return sim, failure.Rejected(failure.CodeContractRejected, sim.Error, nil)
	}
	if len(sim.Results) == 0 {
		return sim, failure.New(failure.CodeContractUnavailable, "simulation of %s returned no result", function)
	}
	return sim, nil
}

func (s *SorobanRPC) build(source txnbuild.Account, op *txnbuild.InvokeHostFunction, fee int64, kp *keypair.Full) (string, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              fee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(s.txTimeout / time.Second)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("build invocation: %w", err)
	}
	if kp != nil {
		if tx, err = tx.Sign(s.passphrase, kp); err != nil {
			return "", fmt.Errorf("sign invocation: %w", err)
		}
	}
	return tx.Base64()
}

func invokeOperation(call Invocation) (*txnbuild.InvokeHostFunction, error) {
	contract, err := scAddress(call.Contract)
	if err != nil {
		return nil, failure.Wrap(failure.CodeContractNotConfigured, err, "escrow contract address is invalid")
	}
	args := make(xdr.ScVec, 0, len(call.Args))
	for i, a := range call.Args {
		sv, err := toScVal(a)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", call.Function, i, err)
		}
		args = append(args, sv)
	}
	return &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contract,
				FunctionName:    xdr.ScSymbol(call.Function),
				Args:            args,
			},
		},
	}, nil
}

// applySimulation attaches the footprint, resources and auth entries the
// simulation computed.
func applySimulation(op *txnbuild.InvokeHostFunction, sim simulateResponse) error {
	var data xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &data); err != nil {
		return fmt.Errorf("decode transaction data: %w", err)
	}
	op.Ext = xdr.TransactionExt{V: 1, SorobanData: &data}

	op.Auth = nil
	for _, raw := range sim.Results[0].Auth {
		var entry xdr.SorobanAuthorizationEntry
		if err := xdr.SafeUnmarshalBase64(raw, &entry); err != nil {
			return fmt.Errorf("decode auth entry: %w", err)
		}
		op.Auth = append(op.Auth, entry)
	}
	return nil
}

func decodeSimulation(sim simulateResponse) (SimulationResult, error) {
	var sv xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(sim.Results[0].XDR, &sv); err != nil {
		return SimulationResult{}, fmt.Errorf("decode simulation result: %w", err)
	}
	val, err := fromScVal(sv)
	if err != nil {
		return SimulationResult{}, err
	}
	fee, _ := strconv.ParseInt(sim.MinResourceFee, 10, 64)
	return SimulationResult{Value: val, MinResourceFee: fee, LatestLedger: sim.LatestLedger}, nil
}

// resultCode extracts the transaction result code, e.g. "TransactionResultCodeTxFailed".
func resultCode(resultXDR string) string {
	if resultXDR == "" {
		return "ERROR"
	}
	var res xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(resultXDR, &res); err != nil {
		return resultXDR
	}
	return res.Result.Code.String()
}

func transportError(function string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return failure.Wrap(failure.CodeContractUnavailable, err, "soroban rpc error %d during %s", rpcErr.ErrorCode(), function)
	}
	return failure.Wrap(failure.CodeContractUnavailable, err, "soroban rpc unreachable during %s", function)
}
