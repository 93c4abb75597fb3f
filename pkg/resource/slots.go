// Package resource implements the multi-dimensional resource vector used
// throughout scheduling: CPU, memory, and accelerator slots keyed by name,
// with arithmetic that never lets a dimension go negative silently.
package resource

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// SlotName identifies one dimension of a resource vector, e.g. "cpu",
// "mem", "cuda.device", "cuda.shares", "rocm.device", "tpu.device".
type SlotName string

// SlotKind declares how a slot's quantity is interpreted.
type SlotKind string

const (
	SlotKindCount SlotKind = "count" // integer devices
	SlotKindBytes SlotKind = "bytes" // memory, exact byte counts
	SlotKindRatio SlotKind = "ratio" // fractional shares, two-decimal precision
)

// SlotType declares the kind for one known slot name. Unknown slot names
// are rejected by Normalize.
type SlotType struct {
	Name SlotName
	Kind SlotKind
}

// KnownSlotTypes is the default slot-type registry. Additional types
// accumulate as accelerator vendor plugins register themselves; nothing
// in this package does that automatically, since the core has no plugin
// loader of its own.
var KnownSlotTypes = map[SlotName]SlotKind{
	"cpu":         SlotKindRatio,
	"mem":         SlotKindBytes,
	"cuda.device": SlotKindCount,
	"cuda.shares": SlotKindRatio,
	"rocm.device": SlotKindCount,
	"tpu.device":  SlotKindCount,
}

// ErrInsufficientResource is returned by Sub when a component would go
// negative.
type ErrInsufficientResource struct {
	Slot     SlotName
	Have     Quantity
	Subtract Quantity
}

func (e *ErrInsufficientResource) Error() string {
	return fmt.Sprintf("insufficient resource for slot %q: have %s, need %s", e.Slot, e.Have, e.Subtract)
}

// ErrUnknownSlot is returned by Normalize when a slot name is not in the
// known-slot-types registry.
type ErrUnknownSlot struct {
	Slot SlotName
}

func (e *ErrUnknownSlot) Error() string {
	return fmt.Sprintf("unknown resource slot %q", e.Slot)
}

// Quantity is a fixed-point decimal quantity for one resource slot,
// backed by big.Rat so share slots never accumulate rounding error
// across many small additions.
type Quantity struct {
	v *big.Rat
}

// Zero returns the zero quantity.
func Zero() Quantity { return Quantity{v: new(big.Rat)} }

// NewQuantityInt builds an integer quantity (for count/bytes slots).
func NewQuantityInt(n int64) Quantity {
	return Quantity{v: new(big.Rat).SetInt64(n)}
}

// ParseQuantity parses a decimal string ("4", "0.50") into a Quantity.
func ParseQuantity(s string) (Quantity, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Quantity{}, fmt.Errorf("invalid quantity %q", s)
	}
	return Quantity{v: r}, nil
}

func (q Quantity) rat() *big.Rat {
	if q.v == nil {
		return new(big.Rat)
	}
	return q.v
}

// Add returns q+o.
func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{v: new(big.Rat).Add(q.rat(), o.rat())}
}

// Sub returns q-o, or an error if the result is negative.
func (q Quantity) Sub(o Quantity) (Quantity, error) {
	res := new(big.Rat).Sub(q.rat(), o.rat())
	if res.Sign() < 0 {
		return Quantity{}, fmt.Errorf("negative quantity: %s - %s", q, o)
	}
	return Quantity{v: res}, nil
}

// Mul returns q scaled by an integer factor.
func (q Quantity) Mul(scalar int64) Quantity {
	return Quantity{v: new(big.Rat).Mul(q.rat(), new(big.Rat).SetInt64(scalar))}
}

// Div returns q/o. Division by a zero denominator returns Zero, so a
// resource dimension with no total capacity contributes no share rather
// than panicking or producing an unbounded ratio.
func (q Quantity) Div(o Quantity) Quantity {
	if o.IsZero() {
		return Zero()
	}
	return Quantity{v: new(big.Rat).Quo(q.rat(), o.rat())}
}

// LessEq reports whether q <= o.
func (q Quantity) LessEq(o Quantity) bool {
	return q.rat().Cmp(o.rat()) <= 0
}

// Eq reports whether q == o.
func (q Quantity) Eq(o Quantity) bool {
	return q.rat().Cmp(o.rat()) == 0
}

// IsZero reports whether q is exactly zero.
func (q Quantity) IsZero() bool {
	return q.rat().Sign() == 0
}

// Round2 rounds a ratio-kind quantity to two decimal places, matching
// spec's "two-decimal precision" rule for accelerator shares.
func (q Quantity) Round2() Quantity {
	scaled := new(big.Rat).Mul(q.rat(), big.NewRat(100, 1))
	num := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	// round-half-up on the remainder
	rem := new(big.Int).Mod(scaled.Num(), scaled.Denom())
	half := new(big.Int).Mul(scaled.Denom(), big.NewInt(1))
	half.Div(half, big.NewInt(2))
	if rem.Cmp(half) >= 0 {
		num.Add(num, big.NewInt(1))
	}
	return Quantity{v: new(big.Rat).SetFrac(num, big.NewInt(100))}
}

// String formats the quantity without trailing zeros, e.g. "4", "0.5".
func (q Quantity) String() string {
	if q.rat().IsInt() {
		return q.rat().Num().String()
	}
	f, _ := q.rat().Float64()
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MarshalJSON encodes the quantity as a canonical decimal string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON decodes a canonical decimal string into a Quantity.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Slots is a sparse resource vector: absent keys are treated as zero.
type Slots map[SlotName]Quantity

// NewSlots builds an empty Slots vector.
func NewSlots() Slots {
	return make(Slots)
}

// Get returns the quantity for name, or zero if absent.
func (s Slots) Get(name SlotName) Quantity {
	if q, ok := s[name]; ok {
		return q
	}
	return Zero()
}

// Add returns the component-wise sum of s and o.
func (s Slots) Add(o Slots) Slots {
	out := make(Slots, len(s)+len(o))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range o {
		out[k] = out.Get(k).Add(v)
	}
	return out
}

// Sub returns the component-wise difference s-o. It fails on the first
// dimension that would go negative.
func (s Slots) Sub(o Slots) (Slots, error) {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range o {
		diff, err := out.Get(k).Sub(v)
		if err != nil {
			return nil, &ErrInsufficientResource{Slot: k, Have: out.Get(k), Subtract: v}
		}
		out[k] = diff
	}
	return out, nil
}

// Mul scales every dimension by an integer factor.
func (s Slots) Mul(scalar int64) Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v.Mul(scalar)
	}
	return out
}

// LessEq reports whether s <= o component-wise, treating absent keys in
// either vector as zero.
func (s Slots) LessEq(o Slots) bool {
	for k, v := range s {
		if !v.LessEq(o.Get(k)) {
			return false
		}
	}
	return true
}

// Eq reports whether s and o agree on every dimension present in either.
func (s Slots) Eq(o Slots) bool {
	for k := range union(s, o) {
		if !s.Get(k).Eq(o.Get(k)) {
			return false
		}
	}
	return true
}

func union(a, b Slots) map[SlotName]struct{} {
	u := make(map[SlotName]struct{}, len(a)+len(b))
	for k := range a {
		u[k] = struct{}{}
	}
	for k := range b {
		u[k] = struct{}{}
	}
	return u
}

// Normalize validates every key of s against known, rejecting unknown
// slot names, and rounds ratio-kind slots to two decimal places.
func (s Slots) Normalize(known map[SlotName]SlotKind) (Slots, error) {
	out := make(Slots, len(s))
	for k, v := range s {
		kind, ok := known[k]
		if !ok {
			return nil, &ErrUnknownSlot{Slot: k}
		}
		if kind == SlotKindRatio {
			v = v.Round2()
		}
		out[k] = v
	}
	return out, nil
}

// Validate normalizes against the package-default KnownSlotTypes,
// discarding the result — callers that need the normalized form should
// use Normalize directly.
func (s Slots) Validate() error {
	_, err := s.Normalize(KnownSlotTypes)
	return err
}

// Names returns the slot names present in s, sorted for deterministic
// iteration (logging, tests).
func (s Slots) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// String renders s as a compact, sorted key=value list for logging.
func (s Slots) String() string {
	var b strings.Builder
	for i, name := range s.Names() {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(s[SlotName(name)].String())
	}
	return b.String()
}
