package escrow

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/require"

	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
)

type fixedAccounts struct{ seq int64 }

func (f fixedAccounts) LoadAccount(_ context.Context, address string) (ledger.Account, error) {
	return ledger.Account{Address: address, Sequence: f.seq}, nil
}

// fakeSorobanServer answers JSON-RPC calls from a handler table and keeps
// the raw params it received per method.
type fakeSorobanServer struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	received map[string][]json.RawMessage
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeSoroban(t *testing.T) (*fakeSorobanServer, *httptest.Server) {
	t.Helper()
	f := &fakeSorobanServer{
		handlers: map[string]func([]json.RawMessage) (any, *rpcError){},
		received: map[string][]json.RawMessage{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.received[req.Method] = req.Params
		h := f.handlers[req.Method]
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if result, rerr := h(req.Params); rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSorobanServer) handle(method string, h func([]json.RawMessage) (any, *rpcError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeSorobanServer) params(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[method]
}

func mustB64(t *testing.T, v any) string {
	t.Helper()
	s, err := xdr.MarshalBase64(v)
	require.NoError(t, err)
	return s
}

func simulation(t *testing.T, result Value) map[string]any {
	t.Helper()
	sv, err := toScVal(result)
	require.NoError(t, err)
	return map[string]any{
		"transactionData": mustB64(t, xdr.SorobanTransactionData{}),
		"minResourceFee":  "12345",
		"results":         []map[string]any{{"auth": []string{}, "xdr": mustB64(t, sv)}},
		"latestLedger":    100,
	}
}

func dialFake(t *testing.T, url string) *SorobanRPC {
	t.Helper()
	s, err := DialSoroban(context.Background(), SorobanConfig{
		RPCURL:       url,
		Passphrase:   network.TestNetworkPassphrase,
		Accounts:     fixedAccounts{seq: 10},
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSorobanSimulateDecodesRecord(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	buyer, _ := keypair.Random()
	record := Map(map[string]Value{
		"buyer":          Address(buyer.Address()),
		"seller":         Address(buyer.Address()),
		"token":          Address(testToken),
		"amount":         I128(big.NewInt(105_000_000)),
		"status":         U32(0),
		"created_at":     U64(1_700_000_000),
		"release_window": U64(604800),
	})
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return simulation(t, record), nil
	})

	o := NewOrchestrator(dialFake(t, srv.URL), testToken)
	rec, err := o.GetEscrow(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "10.5000000", rec.Amount.String())
	require.Equal(t, buyer.Address(), rec.Buyer)
	require.Equal(t, testToken, rec.Token)

	// The envelope is sent as a single positional parameter.
	params := fake.params("simulateTransaction")
	require.Len(t, params, 1)
	var envelope string
	require.NoError(t, json.Unmarshal(params[0], &envelope))
	generic, err := txnbuild.TransactionFromXDR(envelope)
	require.NoError(t, err)
	tx, ok := generic.Transaction()
	require.True(t, ok)
	require.Equal(t, zeroAccount, tx.SourceAccount().AccountID)
}

func TestSorobanSimulationErrorIsContractRejection(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"error": "HostError: Error(Contract, #4)", "latestLedger": 5}, nil
	})

	_, err := dialFake(t, srv.URL).Simulate(context.Background(), Invocation{
		Contract: testToken, Function: "get_escrow", Args: []Value{U32(1)},
	})
	require.ErrorIs(t, err, failure.ErrContractRejected)
	fe, _ := failure.From(err)
	require.Equal(t, "HostError: Error(Contract, #4)", fe.Reason)
}

func TestSorobanInvokeSignsAndSendsOnce(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return simulation(t, Void()), nil
	})
	var sends atomic.Int32
	fake.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		sends.Add(1)
		return map[string]any{"status": "PENDING", "hash": "abc123", "latestLedger": 101}, nil
	})
	var lookups atomic.Int32
	fake.handle("getTransaction", func([]json.RawMessage) (any, *rpcError) {
		if lookups.Add(1) < 3 {
			return map[string]any{"status": "NOT_FOUND", "latestLedger": 101}, nil
		}
		return map[string]any{"status": "SUCCESS", "ledger": 102, "latestLedger": 102}, nil
	})

	signer, err := keypair.Random()
	require.NoError(t, err)
	res, err := dialFake(t, srv.URL).Invoke(context.Background(), Invocation{
		Contract: testToken, Function: "release_funds", Args: []Value{U32(77)},
	}, signer.Seed())
	require.NoError(t, err)
	require.Equal(t, "abc123", res.Hash)
	require.Equal(t, "SUCCESS", res.Status)
	require.Equal(t, int32(1), sends.Load())
	require.Equal(t, int32(3), lookups.Load())

	var polled string
	require.NoError(t, json.Unmarshal(fake.params("getTransaction")[0], &polled))
	require.Equal(t, "abc123", polled)

	var envelope string
	require.NoError(t, json.Unmarshal(fake.params("sendTransaction")[0], &envelope))
	generic, err := txnbuild.TransactionFromXDR(envelope)
	require.NoError(t, err)
	tx, _ := generic.Transaction()

	require.Equal(t, signer.Address(), tx.SourceAccount().AccountID)
	require.Equal(t, int64(11), tx.SequenceNumber())
	require.Len(t, tx.Signatures(), 1)
	require.GreaterOrEqual(t, tx.MaxFee(), int64(txnbuild.MinBaseFee+12345))

	op, ok := tx.Operations()[0].(*txnbuild.InvokeHostFunction)
	require.True(t, ok)
	require.Equal(t, xdr.ScSymbol("release_funds"), op.HostFunction.InvokeContract.FunctionName)
	require.Len(t, op.HostFunction.InvokeContract.Args, 1)
	require.Equal(t, xdr.Uint32(77), *op.HostFunction.InvokeContract.Args[0].U32)
}

func TestSorobanSendErrorIsContractRejection(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return simulation(t, Void()), nil
	})
	fake.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"status": "ERROR", "hash": "abc123"}, nil
	})

	signer, _ := keypair.Random()
	_, err := dialFake(t, srv.URL).Invoke(context.Background(), Invocation{
		Contract: testToken, Function: "release_funds", Args: []Value{U32(1)},
	}, signer.Seed())
	require.ErrorIs(t, err, failure.ErrContractRejected)
}

func TestSorobanAppliedFailureIsContractRejection(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return simulation(t, Void()), nil
	})
	var sends atomic.Int32
	fake.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		sends.Add(1)
		return map[string]any{"status": "PENDING", "hash": "abc123"}, nil
	})
	ops := []xdr.OperationResult{}
	failed := mustB64(t, xdr.TransactionResult{
		FeeCharged: 100,
		Result: xdr.TransactionResultResult{
			Code:    xdr.TransactionResultCodeTxFailed,
			Results: &ops,
		},
	})
	var lookups atomic.Int32
	fake.handle("getTransaction", func([]json.RawMessage) (any, *rpcError) {
		if lookups.Add(1) == 1 {
			return map[string]any{"status": "NOT_FOUND"}, nil
		}
		return map[string]any{"status": "FAILED", "ledger": 103, "resultXdr": failed}, nil
	})

	signer, _ := keypair.Random()
	o := NewOrchestrator(dialFake(t, srv.URL), testToken)
	_, err := o.ReleaseFunds(context.Background(), 1, signer.Seed())
	require.ErrorIs(t, err, failure.ErrContractRejected)
	fe, _ := failure.From(err)
	require.Equal(t, xdr.TransactionResultCodeTxFailed.String(), fe.Reason)
	require.Equal(t, int32(1), sends.Load())
}

func TestSorobanUnconfirmedInvokeTimesOut(t *testing.T) {
	fake, srv := newFakeSoroban(t)
	fake.handle("simulateTransaction", func([]json.RawMessage) (any, *rpcError) {
		return simulation(t, Void()), nil
	})
	var sends atomic.Int32
	fake.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		sends.Add(1)
		return map[string]any{"status": "PENDING", "hash": "abc123"}, nil
	})
	fake.handle("getTransaction", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"status": "NOT_FOUND"}, nil
	})

	signer, _ := keypair.Random()
	o := NewOrchestrator(dialFake(t, srv.URL), testToken, WithSubmitTimeout(100*time.Millisecond))
	_, err := o.RefundFunds(context.Background(), 1, signer.Seed())
	require.ErrorIs(t, err, failure.ErrSubmitTimeout)
	require.Equal(t, int32(1), sends.Load())
}

func TestSorobanTransportErrorIsUnavailable(t *testing.T) {
	_, srv := newFakeSoroban(t)
	_, err := dialFake(t, srv.URL).Simulate(context.Background(), Invocation{
		Contract: testToken, Function: "get_escrow", Args: []Value{U32(1)},
	})
	require.Equal(t, failure.CodeContractUnavailable, failure.CodeOf(err))
}

func TestScValRoundTrip(t *testing.T) {
	kp, _ := keypair.Random()
	neg := big.NewInt(-5)
	in := Map(map[string]Value{
		"who":   Address(kp.Address()),
		"where": Address(testToken),
		"delta": I128(neg),
		"big":   I128(new(big.Int).Lsh(big.NewInt(1), 100)),
		"flag":  Bool(true),
		"tags":  Vec(Symbol("Pending"), U32(3)),
	})
	sv, err := toScVal(in)
	require.NoError(t, err)

	out, err := fromScVal(sv)
	require.NoError(t, err)
	require.Equal(t, kp.Address(), out.Map["who"].Text)
	require.Equal(t, testToken, out.Map["where"].Text)
	require.Equal(t, 0, neg.Cmp(out.Map["delta"].Int))
	require.Equal(t, 0, new(big.Int).Lsh(big.NewInt(1), 100).Cmp(out.Map["big"].Int))
	require.True(t, out.Map["flag"].Bool)
	require.Equal(t, "Pending", out.Map["tags"].Vec[0].Text)

	_, err = toScVal(I128(new(big.Int).Lsh(big.NewInt(1), 127)))
	require.Error(t, err)
	_, err = toScVal(Address("not-an-address"))
	require.Error(t, err)
}
