package modbus

import (
	"strconv"
	"strings"
)

// AddressKind separates the register, coil and symbolic namespaces.
type AddressKind int

const (
	KindRegister AddressKind = iota
	KindCoil
	KindSymbol
)

// coilPrefix marks a coil reference in an address spec.
const coilPrefix = "coil:"

// maxExpansion bounds how many addresses a single spec may expand to.
const maxExpansion = 65536

// Address is one resolved register address.
type Address struct {
	Kind   AddressKind
	Number int    // KindRegister and KindCoil
	Symbol string // KindSymbol
}

// Key returns the canonical lookup key: "reg:N", "coil:N" or the symbol
// verbatim. Register and coil keys never collide with each other.
func (a Address) Key() string {
	switch a.Kind {
	case KindRegister:
		return RegisterKey(a.Number)
	case KindCoil:
		return coilPrefix + strconv.Itoa(a.Number)
	default:
		return a.Symbol
	}
}

// String returns the address as it is substituted for {register}.
func (a Address) String() string {
	switch a.Kind {
	case KindRegister:
		return strconv.Itoa(a.Number)
	case KindCoil:
		return coilPrefix + strconv.Itoa(a.Number)
	default:
		return a.Symbol
	}
}

// IsNumeric reports whether the address is reachable by numeric lookup.
func (a Address) IsNumeric() bool {
	return a.Kind == KindRegister
}

// RegisterKey returns the canonical key of holding register n.
func RegisterKey(n int) string {
	return "reg:" + strconv.Itoa(n)
}

// ExpandedAddress is one address produced by an address spec, with its
// position inside the spec.
type ExpandedAddress struct {
	Address Address
	Offset  int
}

// ParseAddressSpec expands an address spec.
//
// Grammar:
//   - "N": a single register
//   - "A-B": registers A..B inclusive; empty when B < A
//   - "A:C": C registers from A; empty when C <= 0
//   - "coil:N": a single coil, keyed apart from register N
//   - anything else: one opaque symbolic address
//
// Numbers are decimal or 0x-prefixed hex. A range or count form with an
// unparseable side, or one covering more than maxExpansion addresses,
// expands to nothing.
func ParseAddressSpec(spec string) []ExpandedAddress {
	spec = strings.TrimSpace(spec)

	if rest, ok := strings.CutPrefix(spec, coilPrefix); ok {
		n, ok := parseAddressNumber(rest)
		if !ok {
			return []ExpandedAddress{{Address: Address{Kind: KindSymbol, Symbol: spec}}}
		}
		return []ExpandedAddress{{Address: Address{Kind: KindCoil, Number: n}}}
	}

	if a, b, ok := strings.Cut(spec, "-"); ok {
		first, okA := parseAddressNumber(a)
		last, okB := parseAddressNumber(b)
		if !okA || !okB || last < first {
			return nil
		}
		return expandRun(first, last-first+1)
	}

	if a, c, ok := strings.Cut(spec, ":"); ok {
		first, okA := parseAddressNumber(a)
		count, okC := parseAddressNumber(c)
		if !okA || !okC || count <= 0 {
			return nil
		}
		return expandRun(first, count)
	}

	if n, ok := parseAddressNumber(spec); ok {
		return []ExpandedAddress{{Address: Address{Kind: KindRegister, Number: n}}}
	}
	return []ExpandedAddress{{Address: Address{Kind: KindSymbol, Symbol: spec}}}
}

// expansionSize reports how many addresses spec expands to without
// building them.
func expansionSize(spec string) int {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, coilPrefix) {
		return 1
	}
	if a, b, ok := strings.Cut(spec, "-"); ok {
		first, okA := parseAddressNumber(a)
		last, okB := parseAddressNumber(b)
		if !okA || !okB || last < first {
			return 0
		}
		return last - first + 1
	}
	if _, c, ok := strings.Cut(spec, ":"); ok {
		count, ok := parseAddressNumber(c)
		if !ok || count <= 0 {
			return 0
		}
		return count
	}
	return 1
}

func expandRun(first, count int) []ExpandedAddress {
	if count > maxExpansion {
		return nil
	}
	out := make([]ExpandedAddress, count)
	for i := range out {
		out[i] = ExpandedAddress{
			Address: Address{Kind: KindRegister, Number: first + i},
			Offset:  i,
		}
	}
	return out
}

func parseAddressNumber(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var (
		n   int64
		err error
	)
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		n, err = strconv.ParseInt(hex, 16, 32)
	} else {
		n, err = strconv.ParseInt(s, 10, 32)
	}
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ResolveTopic substitutes {offset} and {register} in a topic template.
// Other placeholders are left as they are.
func ResolveTopic(template string, offset int, register string) string {
	return strings.NewReplacer(
		"{offset}", strconv.Itoa(offset),
		"{register}", register,
	).Replace(template)
}
