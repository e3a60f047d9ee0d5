package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
	"craftnexus/internal/ledger"
)

// MemoryContract is an in-process stand-in for the escrow contract, used for
// local development and tests. It enforces the same transitions and
// authorization rules the deployed contract does: the buyer creates and
// releases, the seller refunds, either party disputes.
type MemoryContract struct {
	mu      sync.Mutex
	records map[uint32]Record
	nonce   uint64
	Now     func() time.Time
}

func NewMemoryContract() *MemoryContract {
	return &MemoryContract{records: map[uint32]Record{}, Now: time.Now}
}

func (m *MemoryContract) Invoke(_ context.Context, call Invocation, signerSecret string) (InvocationResult, error) {
	kp, err := ledger.ParseSecret(signerSecret)
	if err != nil {
		return InvocationResult{}, err
	}
	invoker := kp.Address()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch call.Function {
	case fnCreate:
		err = m.create(invoker, call.Args)
	case fnRelease:
		err = m.transition(invoker, call.Args, StatusReleased, func(r Record) bool { return invoker == r.Buyer })
	case fnRefund:
		err = m.transition(invoker, call.Args, StatusRefunded, func(r Record) bool { return invoker == r.Seller })
	case fnDispute:
		err = m.transition(invoker, call.Args, StatusDisputed, func(r Record) bool {
			return invoker == r.Buyer || invoker == r.Seller
		})
	default:
		err = contractError("unknown function " + call.Function)
	}
	if err != nil {
		return InvocationResult{}, err
	}

	m.nonce++
	return InvocationResult{Hash: fakeHash(fmt.Sprintf("%s:%s:%d", call.Function, invoker, m.nonce)), Status: txSuccess}, nil
}

func (m *MemoryContract) Simulate(_ context.Context, call Invocation) (SimulationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := orderArg(call.Args)
	if err != nil {
		return SimulationResult{}, err
	}
	rec, ok := m.records[id]

	switch call.Function {
	case fnGet:
		if !ok {
			return SimulationResult{Value: Void()}, nil
		}
		return SimulationResult{Value: encodeRecord(rec)}, nil
	case fnCanAutoRelease:
		return SimulationResult{Value: Bool(ok && rec.AutoReleaseDue(m.Now()))}, nil
	}
	return SimulationResult{}, contractError("unknown function " + call.Function)
}

// Put seeds a record directly, bypassing authorization.
func (m *MemoryContract) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.OrderID] = rec
}

func (m *MemoryContract) create(invoker string, args []Value) error {
	if len(args) != 6 {
		return contractError("create_escrow expects 6 arguments")
	}
	buyer, seller, token := args[0].Text, args[1].Text, args[2].Text
	if invoker != buyer {
		return contractError("Error(Auth, InvalidAction)")
	}
	if args[3].Int == nil || !args[3].Int.IsInt64() {
		return contractError("amount out of range")
	}
	amt, err := amount.FromMinor(args[3].Int.Int64())
	if err != nil || amt.IsZero() {
		return contractError("amount must be positive")
	}
	id, err := args[4].Uint64()
	if err != nil {
		return contractError("invalid order id")
	}
	window, err := args[5].Uint64()
	if err != nil {
		return contractError("invalid release window")
	}
	if _, exists := m.records[uint32(id)]; exists {
		return contractError("escrow already exists")
	}
	m.records[uint32(id)] = Record{
		OrderID:       uint32(id),
		Buyer:         buyer,
		Seller:        seller,
		Token:         token,
		Amount:        amt,
		Status:        StatusPending,
		CreatedAt:     m.Now().UTC().Truncate(time.Second),
		ReleaseWindow: window,
	}
	return nil
}

func (m *MemoryContract) transition(invoker string, args []Value, to Status, allowed func(Record) bool) error {
	id, err := orderArg(args)
	if err != nil {
		return err
	}
	rec, ok := m.records[id]
	if !ok {
		return contractError("escrow not found")
	}
	if rec.Status != StatusPending {
		return contractError("escrow is " + rec.Status.String())
	}
	if !allowed(rec) {
		return contractError("Error(Auth, InvalidAction)")
	}
	rec.Status = to
	m.records[id] = rec
	return nil
}

func orderArg(args []Value) (uint32, error) {
	if len(args) == 0 {
		return 0, contractError("missing order id")
	}
	id, err := args[0].Uint64()
	if err != nil || args[0].Kind != KindU32 {
		return 0, contractError("order id must be u32")
	}
	return uint32(id), nil
}

func encodeRecord(r Record) Value {
	return Map(map[string]Value{
		"buyer":          Address(r.Buyer),
		"seller":         Address(r.Seller),
		"token":          Address(r.Token),
		"amount":         Value{Kind: KindI128, Int: r.Amount.BigInt()},
		"status":         U32(uint32(r.Status)),
		"created_at":     U64(uint64(r.CreatedAt.Unix())),
		"release_window": U64(r.ReleaseWindow),
	})
}

func contractError(reason string) error {
	return failure.Rejected(failure.CodeContractRejected, reason, nil)
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
