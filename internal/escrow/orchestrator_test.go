package escrow

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
)

const testToken = "CAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB6N4O"

// recordingRPC captures calls and answers with canned results.
type recordingRPC struct {
	invoked   []Invocation
	simulated []Invocation
	result    SimulationResult
	err       error
	block     bool
}

func (r *recordingRPC) Invoke(ctx context.Context, call Invocation, _ string) (InvocationResult, error) {
	r.invoked = append(r.invoked, call)
	if r.block {
		<-ctx.Done()
		return InvocationResult{}, ctx.Err()
	}
	if r.err != nil {
		return InvocationResult{}, r.err
	}
	return InvocationResult{Hash: "feedbeef", Status: txSuccess}, nil
}

func (r *recordingRPC) Simulate(ctx context.Context, call Invocation) (SimulationResult, error) {
	r.simulated = append(r.simulated, call)
	if r.block {
		<-ctx.Done()
		return SimulationResult{}, ctx.Err()
	}
	return r.result, r.err
}

type parties struct {
	buyer, seller, stranger *keypair.Full
}

func newParties(t *testing.T) parties {
	t.Helper()
	var p parties
	for _, kp := range []**keypair.Full{&p.buyer, &p.seller, &p.stranger} {
		k, err := keypair.Random()
		require.NoError(t, err)
		*kp = k
	}
	return p
}

func (p parties) create(orderID uint32, amt string) CreateParams {
	return CreateParams{
		Buyer:        p.buyer.Address(),
		Seller:       p.seller.Address(),
		Token:        testToken,
		Amount:       amt,
		OrderID:      orderID,
		SignerSecret: p.buyer.Seed(),
	}
}

func TestCreateEscrowEncodesTypedArguments(t *testing.T) {
	p := newParties(t)
	rpc := &recordingRPC{}
	o := NewOrchestrator(rpc, testToken)

	hash, err := o.CreateEscrow(context.Background(), p.create(7, "10.50"))
	require.NoError(t, err)
	require.Equal(t, "feedbeef", hash)

	require.Len(t, rpc.invoked, 1)
	call := rpc.invoked[0]
	require.Equal(t, "create_escrow", call.Function)
	require.Len(t, call.Args, 6)
	require.Equal(t, KindAddress, call.Args[0].Kind)
	require.Equal(t, p.buyer.Address(), call.Args[0].Text)
	require.Equal(t, testToken, call.Args[2].Text)
	require.Equal(t, KindI128, call.Args[3].Kind)
	require.Equal(t, big.NewInt(105_000_000), call.Args[3].Int)
	require.Equal(t, KindU32, call.Args[4].Kind)
	require.Equal(t, uint64(7), call.Args[4].Int.Uint64())
	require.Equal(t, KindU64, call.Args[5].Kind)
	require.Equal(t, DefaultReleaseWindow, call.Args[5].Int.Uint64())
}

func TestCreateEscrowValidatesBeforeIO(t *testing.T) {
	p := newParties(t)
	rpc := &recordingRPC{}

	_, err := NewOrchestrator(rpc, "").CreateEscrow(context.Background(), p.create(1, "1"))
	require.ErrorIs(t, err, failure.ErrContractNotConfigured)
	require.Equal(t, failure.KindConfiguration, failure.KindOf(failure.CodeOf(err)))

	o := NewOrchestrator(rpc, testToken)
	_, err = o.CreateEscrow(context.Background(), p.create(1, "0.00000001"))
	require.ErrorIs(t, err, failure.ErrInvalidAmount)

	_, err = o.CreateEscrow(context.Background(), p.create(1, "0"))
	require.ErrorIs(t, err, failure.ErrInvalidAmount)

	bad := p.create(1, "1")
	bad.Seller = "nope"
	_, err = o.CreateEscrow(context.Background(), bad)
	require.ErrorIs(t, err, failure.ErrInvalidAddress)

	bad = p.create(1, "1")
	bad.Token = p.seller.Address()
	_, err = o.CreateEscrow(context.Background(), bad)
	require.ErrorIs(t, err, failure.ErrInvalidAddress)

	bad = p.create(1, "1")
	bad.SignerSecret = "secret"
	_, err = o.CreateEscrow(context.Background(), bad)
	require.ErrorIs(t, err, failure.ErrInvalidSecret)

	require.Empty(t, rpc.invoked)
}

func TestEscrowLifecycleAgainstMemoryContract(t *testing.T) {
	p := newParties(t)
	contract := NewMemoryContract()
	o := NewOrchestrator(contract, testToken)
	ctx := context.Background()

	params := p.create(42, "25")
	params.ReleaseWindow = 3600
	_, err := o.CreateEscrow(ctx, params)
	require.NoError(t, err)

	rec, err := o.GetEscrow(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, p.buyer.Address(), rec.Buyer)
	require.Equal(t, p.seller.Address(), rec.Seller)
	require.Equal(t, amount.MustParse("25"), rec.Amount)
	require.Equal(t, uint64(3600), rec.ReleaseWindow)

	_, err = o.ReleaseFunds(ctx, 42, p.stranger.Seed())
	require.ErrorIs(t, err, failure.ErrContractRejected)
	fe, _ := failure.From(err)
	require.Equal(t, "Error(Auth, InvalidAction)", fe.Reason)

	_, err = o.ReleaseFunds(ctx, 42, p.buyer.Seed())
	require.NoError(t, err)

	rec, err = o.GetEscrow(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, rec.Status)

	_, err = o.RefundFunds(ctx, 42, p.seller.Seed())
	require.ErrorIs(t, err, failure.ErrContractRejected, "released is terminal")
}

func TestRefundAndDispute(t *testing.T) {
	p := newParties(t)
	contract := NewMemoryContract()
	o := NewOrchestrator(contract, testToken)
	ctx := context.Background()

	_, err := o.CreateEscrow(ctx, p.create(1, "5"))
	require.NoError(t, err)
	_, err = o.CreateEscrow(ctx, p.create(2, "5"))
	require.NoError(t, err)

	_, err = o.RefundFunds(ctx, 1, p.buyer.Seed())
	require.ErrorIs(t, err, failure.ErrContractRejected)
	_, err = o.RefundFunds(ctx, 1, p.seller.Seed())
	require.NoError(t, err)

	_, err = o.DisputeEscrow(ctx, 2, p.seller.Seed())
	require.NoError(t, err)

	rec, err := o.GetEscrow(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, rec.Status)
	rec, err = o.GetEscrow(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, rec.Status)
}

func TestGetEscrowMissingIsNil(t *testing.T) {
	o := NewOrchestrator(NewMemoryContract(), testToken)
	rec, err := o.GetEscrow(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestGetEscrowQueryErrorIsNotNil(t *testing.T) {
	o := NewOrchestrator(&recordingRPC{err: errors.New("boom")}, testToken)
	rec, err := o.GetEscrow(context.Background(), 1)
	require.Error(t, err)
	require.Nil(t, rec)
}

func TestCanAutoReleaseTruthTable(t *testing.T) {
	p := newParties(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Record{
		OrderID:       1,
		Buyer:         p.buyer.Address(),
		Seller:        p.seller.Address(),
		Token:         testToken,
		Amount:        amount.MustParse("1"),
		CreatedAt:     created,
		ReleaseWindow: 604800,
	}

	cases := []struct {
		name    string
		status  Status
		window  uint64
		elapsed time.Duration
		want    bool
	}{
		{"pending before window", StatusPending, 604800, 604799 * time.Second, false},
		{"pending at window", StatusPending, 604800, 604800 * time.Second, true},
		{"pending after window", StatusPending, 604800, 700000 * time.Second, true},
		{"released after window", StatusReleased, 604800, 700000 * time.Second, false},
		{"refunded after window", StatusRefunded, 604800, 700000 * time.Second, false},
		{"disputed after window", StatusDisputed, 604800, 700000 * time.Second, false},
		{"pending huge window", StatusPending, 10_000_000_000, time.Second, false},
		{"pending window beyond int64", StatusPending, math.MaxUint64, 700000 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			contract := NewMemoryContract()
			contract.Now = func() time.Time { return created.Add(tc.elapsed) }
			rec := base
			rec.Status = tc.status
			rec.ReleaseWindow = tc.window
			contract.Put(rec)

			require.Equal(t, tc.want, NewOrchestrator(contract, testToken).CanAutoRelease(context.Background(), 1))
			require.Equal(t, tc.want, rec.AutoReleaseDue(created.Add(tc.elapsed)))
		})
	}
}

func TestCanAutoReleaseFailsClosed(t *testing.T) {
	ctx := context.Background()
	require.False(t, NewOrchestrator(&recordingRPC{err: errors.New("rpc down")}, testToken).CanAutoRelease(ctx, 1))
	require.False(t, NewOrchestrator(&recordingRPC{result: SimulationResult{Value: U32(1)}}, testToken).CanAutoRelease(ctx, 1))
	require.False(t, NewOrchestrator(&recordingRPC{result: SimulationResult{Value: Bool(true)}}, "").CanAutoRelease(ctx, 1))
	require.True(t, NewOrchestrator(&recordingRPC{result: SimulationResult{Value: Bool(true)}}, testToken).CanAutoRelease(ctx, 1))
	require.False(t, NewOrchestrator(NewMemoryContract(), testToken).CanAutoRelease(ctx, 404))
}

func TestInvokeTimeoutIsReported(t *testing.T) {
	p := newParties(t)
	o := NewOrchestrator(&recordingRPC{block: true}, testToken, WithSubmitTimeout(20*time.Millisecond))

	_, err := o.ReleaseFunds(context.Background(), 1, p.buyer.Seed())
	require.ErrorIs(t, err, failure.ErrSubmitTimeout)
}

func TestDecodeRecordAcceptsEnumVariants(t *testing.T) {
	p := newParties(t)
	v := Map(map[string]Value{
		"buyer":         Address(p.buyer.Address()),
		"seller":        Address(p.seller.Address()),
		"token":         Address(testToken),
		"amount":        I128(big.NewInt(5_000_000)),
		"status":        Vec(Symbol("Disputed")),
		"createdAt":     U64(1_700_000_000),
		"releaseWindow": U64(60),
	})
	rec, err := decodeRecord(3, Vec(v))
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, rec.Status)
	require.Equal(t, "0.5000000", rec.Amount.String())
	require.Equal(t, int64(1_700_000_000), rec.CreatedAt.Unix())

	_, err = decodeRecord(3, Map(map[string]Value{"buyer": Address(p.buyer.Address())}))
	require.Error(t, err)
}
