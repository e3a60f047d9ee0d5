package escrow

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

var (
	two64   = new(big.Int).Lsh(big.NewInt(1), 64)
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// toScVal encodes v for the contract host.
func toScVal(v Value) (xdr.ScVal, error) {
	switch v.Kind {
	case KindVoid:
		return xdr.ScVal{Type: xdr.ScValTypeScvVoid}, nil
	case KindBool:
		b := v.Bool
		return xdr.ScVal{Type: xdr.ScValTypeScvBool, B: &b}, nil
	case KindU32:
		n, err := v.Uint64()
		if err != nil || n > 1<<32-1 {
			return xdr.ScVal{}, fmt.Errorf("u32 out of range")
		}
		u := xdr.Uint32(n)
		return xdr.ScVal{Type: xdr.ScValTypeScvU32, U32: &u}, nil
	case KindU64:
		n, err := v.Uint64()
		if err != nil {
			return xdr.ScVal{}, err
		}
		u := xdr.Uint64(n)
		return xdr.ScVal{Type: xdr.ScValTypeScvU64, U64: &u}, nil
	case KindI128:
		parts, err := i128Parts(v.Int)
		if err != nil {
			return xdr.ScVal{}, err
		}
		return xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &parts}, nil
	case KindAddress:
		addr, err := scAddress(v.Text)
		if err != nil {
			return xdr.ScVal{}, err
		}
		return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, nil
	case KindSymbol:
		sym := xdr.ScSymbol(v.Text)
		return xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}, nil
	case KindString:
		str := xdr.ScString(v.Text)
		return xdr.ScVal{Type: xdr.ScValTypeScvString, Str: &str}, nil
	case KindVec:
		vec := make(xdr.ScVec, 0, len(v.Vec))
		for _, item := range v.Vec {
			sv, err := toScVal(item)
			if err != nil {
				return xdr.ScVal{}, err
			}
			vec = append(vec, sv)
		}
		ptr := &vec
		return xdr.ScVal{Type: xdr.ScValTypeScvVec, Vec: &ptr}, nil
	case KindMap:
		// The host requires map keys in ascending order.
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(xdr.ScMap, 0, len(keys))
		for _, k := range keys {
			val, err := toScVal(v.Map[k])
			if err != nil {
				return xdr.ScVal{}, err
			}
			sym := xdr.ScSymbol(k)
			m = append(m, xdr.ScMapEntry{Key: xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}, Val: val})
		}
		ptr := &m
		return xdr.ScVal{Type: xdr.ScValTypeScvMap, Map: &ptr}, nil
	}
	return xdr.ScVal{}, fmt.Errorf("unsupported argument kind %s", v.Kind)
}

func i128Parts(n *big.Int) (xdr.Int128Parts, error) {
	if n == nil {
		return xdr.Int128Parts{}, fmt.Errorf("i128 value is nil")
	}
	if n.Cmp(maxI128) > 0 || n.Cmp(minI128) < 0 {
		return xdr.Int128Parts{}, fmt.Errorf("i128 out of range")
	}
	// Two's complement: hi is the floor division by 2^64, lo the remainder.
	hi, lo := new(big.Int).DivMod(n, two64, new(big.Int))
	return xdr.Int128Parts{Hi: xdr.Int64(hi.Int64()), Lo: xdr.Uint64(lo.Uint64())}, nil
}

func fromI128Parts(p xdr.Int128Parts) *big.Int {
	n := new(big.Int).Lsh(big.NewInt(int64(p.Hi)), 64)
	return n.Add(n, new(big.Int).SetUint64(uint64(p.Lo)))
}

// scAddress accepts an account (G...) or contract (C...) strkey.
func scAddress(s string) (xdr.ScAddress, error) {
	switch {
	case strkey.IsValidEd25519PublicKey(s):
		id, err := xdr.AddressToAccountId(s)
		if err != nil {
			return xdr.ScAddress{}, err
		}
		return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &id}, nil
	default:
		raw, err := strkey.Decode(strkey.VersionByteContract, s)
		if err != nil {
			return xdr.ScAddress{}, fmt.Errorf("invalid address %q", s)
		}
		var hash xdr.Hash
		copy(hash[:], raw)
		return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &hash}, nil
	}
}

func addressString(a xdr.ScAddress) (string, error) {
	switch a.Type {
	case xdr.ScAddressTypeScAddressTypeAccount:
		if a.AccountId == nil {
			return "", fmt.Errorf("account address without id")
		}
		return a.AccountId.Address(), nil
	case xdr.ScAddressTypeScAddressTypeContract:
		if a.ContractId == nil {
			return "", fmt.Errorf("contract address without id")
		}
		return strkey.Encode(strkey.VersionByteContract, a.ContractId[:])
	}
	return "", fmt.Errorf("unsupported address type %d", a.Type)
}

// fromScVal decodes a host value. Types the escrow contract never returns
// are reported as errors rather than guessed at.
func fromScVal(sv xdr.ScVal) (Value, error) {
	switch sv.Type {
	case xdr.ScValTypeScvVoid:
		return Void(), nil
	case xdr.ScValTypeScvBool:
		b, _ := sv.GetB()
		return Bool(b), nil
	case xdr.ScValTypeScvU32:
		u, _ := sv.GetU32()
		return U32(uint32(u)), nil
	case xdr.ScValTypeScvU64:
		u, _ := sv.GetU64()
		return U64(uint64(u)), nil
	case xdr.ScValTypeScvTimepoint:
		tp, _ := sv.GetTimepoint()
		return U64(uint64(tp)), nil
	case xdr.ScValTypeScvI128:
		p, _ := sv.GetI128()
		return Value{Kind: KindI128, Int: fromI128Parts(p)}, nil
	case xdr.ScValTypeScvAddress:
		a, _ := sv.GetAddress()
		s, err := addressString(a)
		if err != nil {
			return Value{}, err
		}
		return Address(s), nil
	case xdr.ScValTypeScvSymbol:
		s, _ := sv.GetSym()
		return Symbol(string(s)), nil
	case xdr.ScValTypeScvString:
		s, _ := sv.GetStr()
		return Value{Kind: KindString, Text: string(s)}, nil
	case xdr.ScValTypeScvVec:
		vec, ok := sv.GetVec()
		if !ok || vec == nil {
			return Vec(), nil
		}
		out := make([]Value, 0, len(*vec))
		for _, item := range *vec {
			v, err := fromScVal(item)
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return Vec(out...), nil
	case xdr.ScValTypeScvMap:
		m, ok := sv.GetMap()
		out := map[string]Value{}
		if !ok || m == nil {
			return Map(out), nil
		}
		for _, entry := range *m {
			key, err := fromScVal(entry.Key)
			if err != nil {
				return Value{}, err
			}
			if key.Kind != KindSymbol && key.Kind != KindString {
				return Value{}, fmt.Errorf("unsupported map key kind %s", key.Kind)
			}
			val, err := fromScVal(entry.Val)
			if err != nil {
				return Value{}, err
			}
			out[key.Text] = val
		}
		return Map(out), nil
	}
	return Value{}, fmt.Errorf("unsupported contract value type %s", sv.Type)
}
