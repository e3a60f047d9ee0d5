package escrow

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"craftnexus/internal/amount"
)

// ContractRPC invokes and simulates calls against a deployed contract.
// Invoke submits exactly one ledger transaction; Simulate never mutates state
// and costs no fee. A contract-side denial surfaces as
// failure.ErrContractRejected with the contract's reason verbatim.
type ContractRPC interface {
	Invoke(ctx context.Context, call Invocation, signerSecret string) (InvocationResult, error)
	Simulate(ctx context.Context, call Invocation) (SimulationResult, error)
}

// Invocation names a contract entry point and its typed arguments.
type Invocation struct {
	Contract string
	Function string
	Args     []Value
}

type InvocationResult struct {
	Hash   string
	Status string
}

type SimulationResult struct {
	Value          Value
	MinResourceFee int64
	LatestLedger   uint32
}

// ValueKind is the contract-level type of a Value.
type ValueKind int

const (
	KindVoid ValueKind = iota
	KindBool
	KindU32
	KindU64
	KindI128
	KindAddress
	KindSymbol
	KindString
	KindVec
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindI128:
		return "i128"
	case KindAddress:
		return "address"
	case KindSymbol:
		return "symbol"
	case KindString:
		return "string"
	case KindVec:
		return "vec"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a contract argument or return value, independent of the wire
// encoding. Integers of every width live in Int; addresses, symbols and
// strings in Text. Maps are keyed by symbol or string.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  *big.Int
	Text string
	Vec  []Value
	Map  map[string]Value
}

func Void() Value { return Value{Kind: KindVoid} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func U32(v uint32) Value { return Value{Kind: KindU32, Int: new(big.Int).SetUint64(uint64(v))} }
func U64(v uint64) Value { return Value{Kind: KindU64, Int: new(big.Int).SetUint64(v)} }
func I128(v *big.Int) Value { return Value{Kind: KindI128, Int: new(big.Int).Set(v)} }
func Address(addr string) Value { return Value{Kind: KindAddress, Text: addr} }
func Symbol(s string) Value { return Value{Kind: KindSymbol, Text: s} }
func Vec(items ...Value) Value { return Value{Kind: KindVec, Vec: items} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// Field returns the first of names present in a map value.
func (v Value) Field(names ...string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for _, n := range names {
		if f, ok := v.Map[n]; ok {
			return f, true
		}
	}
	return Value{}, false
}

// Uint64 returns an unsigned integer value that fits in 64 bits.
func (v Value) Uint64() (uint64, error) {
	if v.Int == nil || v.Int.Sign() < 0 || !v.Int.IsUint64() {
		return 0, fmt.Errorf("expected unsigned integer, got %s", v.Kind)
	}
	return v.Int.Uint64(), nil
}

// Status is the lifecycle state of an escrow. Pending is the only state with
// outgoing transitions.
type Status int

const (
	StatusPending Status = iota
	StatusReleased
	StatusRefunded
	StatusDisputed
)

var statusNames = [...]string{"Pending", "Released", "Refunded", "Disputed"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStatus accepts the variant name as the contract spells it.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", name)
}

// Record is a read-only snapshot of one escrow as the contract reports it.
type Record struct {
	OrderID       uint32        `json:"orderId"`
	Buyer         string        `json:"buyer"`
	Seller        string        `json:"seller"`
	Token         string        `json:"token"`
	Amount        amount.Amount `json:"amount"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	ReleaseWindow uint64        `json:"releaseWindow"`
}

// AutoReleaseDue reports whether the record is Pending and its release window
// has fully elapsed at now. The comparison is in whole seconds; a window
// wider than int64 never elapses.
func (r Record) AutoReleaseDue(now time.Time) bool {
	if r.Status != StatusPending || r.ReleaseWindow > math.MaxInt64 {
		return false
	}
	return now.Unix()-r.CreatedAt.Unix() >= int64(r.ReleaseWindow)
}
