package jit

import (
	"strings"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
	"github.com/zeebo/xxh3"
)

// TypeMap lists the type tag of each slot in a range, in slot order.
type TypeMap []value.Tag

// Matches reports whether m and o are identical.
func (m TypeMap) Matches(o TypeMap) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if m[i] != o[i] {
			return false
		}
	}
	return true
}

func (m TypeMap) Clone() TypeMap {
	if m == nil {
		return nil
	}
	return append(TypeMap(nil), m...)
}

func (m TypeMap) String() string {
	var sb strings.Builder
	for _, t := range m {
		sb.WriteString(t.String())
	}
	return sb.String()
}

func (m TypeMap) bytes() []byte {
	b := make([]byte, len(m))
	for i, t := range m {
		b[i] = byte(t)
	}
	return b
}

// Key hashes m.
func (m TypeMap) Key() uint64 { return xxh3.Hash(m.bytes()) }

// entryKey hashes a pair of global and stack maps.
func entryKey(globals, stack TypeMap) uint64 {
	b := append(globals.bytes(), 0xff)
	return xxh3.Hash(append(b, stack.bytes()...))
}

// mergeTypes returns m extended with the tail of fallback beyond len(m).
func mergeTypes(m, fallback TypeMap) TypeMap {
	out := m.Clone()
	if len(fallback) > len(out) {
		out = append(out, fallback[len(out):]...)
	}
	return out
}

// captureTag is the tag a slot holding v gets in a new type map. An int32 in
// a slot the oracle marked undemotable is captured as a double.
func captureTag(v value.Value, undemotable bool) value.Tag {
	t := v.Tag()
	if t == value.TagInt32 && undemotable {
		return value.TagDouble
	}
	return t
}

// CaptureGlobalTypes returns the types of the given global slots.
func CaptureGlobalTypes(cx *vm.Context, slots []int, o *Oracle) TypeMap {
	m := make(TypeMap, len(slots))
	for i, slot := range slots {
		m[i] = captureTag(cx.Global.Slot(slot), o.IsGlobalSlotUndemotable(slot))
	}
	return m
}

// CaptureStackTypes returns the types of stack slots [base, sp) in the frame
// of the loop at header pc of fn.
func CaptureStackTypes(cx *vm.Context, base, sp int, fn *bytecode.Function, pc int, o *Oracle) TypeMap {
	m := make(TypeMap, sp-base)
	for i := range m {
		m[i] = captureTag(cx.Stack[base+i], o.IsStackSlotUndemotable(fn.ID, pc, i))
	}
	return m
}

// Compatible reports whether v can be passed into a slot of type t.
func Compatible(t value.Tag, v value.Value) bool {
	switch t {
	case value.TagInt32:
		return v.IsInt()
	case value.TagDouble:
		return v.IsNumber()
	case value.TagBoxed:
		return true
	}
	return v.Tag() == t
}

// canConvert reports whether a value of type from can be passed into a slot
// of type to, possibly after widening an int32 to a double.
func canConvert(from, to value.Tag) bool {
	return from == to || (from == value.TagInt32 && to == value.TagDouble)
}

// typesConvert reports whether every slot of from can be passed into to.
func typesConvert(from, to TypeMap) bool {
	if len(from) != len(to) {
		return false
	}
	for i := range from {
		if !canConvert(from[i], to[i]) {
			return false
		}
	}
	return true
}
