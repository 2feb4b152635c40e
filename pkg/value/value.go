// Package value defines the tagged-union value representation shared by the
// interpreter, the trace recorder and the IR executor.
package value

import (
	"math"
	"strconv"
)

// Kind identifies the dynamic type of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindInt32
	KindDouble
	KindString
	KindObject
	KindHole // missing array element; never visible to scripts
)

var kindNames = [...]string{"undefined", "null", "bool", "int32", "double", "string", "object", "hole"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Tag is the coerced type tag used by type maps and native code. Several
// kinds share a tag: undefined travels as a boolean and null as an object.
type Tag uint8

const (
	TagInt32 Tag = iota
	TagDouble
	TagBool
	TagString
	TagObject
	TagBoxed
	TagHole
)

var tagNames = [...]string{"I", "D", "B", "S", "O", "X", "H"}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "?"
}

// IsNumber reports whether the tag denotes a number.
func (t Tag) IsNumber() bool { return t == TagInt32 || t == TagDouble }

// Native boolean encoding. Undefined is the third boolean value.
const (
	NativeFalse     = 0
	NativeTrue      = 1
	NativeUndefined = 2
)

// Value is an interpreter value. The zero Value is undefined.
type Value struct {
	kind Kind
	bits uint64
	ref  any // string for KindString, *Object for KindObject
}

// ============================================================================
// Constructors
// ============================================================================

func Undefined() Value { return Value{} }
func Null() Value      { return Value{kind: KindNull} }
func Hole() Value      { return Value{kind: KindHole} }

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func Int(i int32) Value { return Value{kind: KindInt32, bits: uint64(uint32(i))} }

// Double returns a double value without normalizing integral values.
func Double(f float64) Value { return Value{kind: KindDouble, bits: math.Float64bits(f)} }

// Number returns an int32 value when f is integral, in range and not -0,
// otherwise a double.
func Number(f float64) Value {
	if i, ok := Int32Of(f); ok {
		return Int(i)
	}
	return Double(f)
}

// Int32Of converts f to an int32 when the conversion is exact.
func Int32Of(f float64) (int32, bool) {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	if f == 0 && math.Signbit(f) {
		return 0, false
	}
	return int32(f), true
}

func Str(s string) Value { return Value{kind: KindString, ref: s} }

// Obj wraps o; a nil object yields null.
func Obj(o *Object) Value {
	if o == nil {
		return Null()
	}
	return Value{kind: KindObject, ref: o}
}

// ============================================================================
// Accessors
// ============================================================================

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsNumber() bool    { return v.kind == KindInt32 || v.kind == KindDouble }
func (v Value) IsInt() bool       { return v.kind == KindInt32 }
func (v Value) IsString() bool    { return v.kind == KindString }
func (v Value) IsObject() bool    { return v.kind == KindObject }

// Tag returns the coerced type tag of v.
func (v Value) Tag() Tag {
	switch v.kind {
	case KindInt32:
		return TagInt32
	case KindDouble:
		return TagDouble
	case KindBool, KindUndefined:
		return TagBool
	case KindString:
		return TagString
	case KindObject, KindNull:
		return TagObject
	case KindHole:
		return TagHole
	}
	return TagBoxed
}

// Int32 returns the payload of an int32 value.
func (v Value) Int32() int32 { return int32(uint32(v.bits)) }

// Float returns the numeric payload of an int32 or double value.
func (v Value) Float() float64 {
	if v.kind == KindInt32 {
		return float64(v.Int32())
	}
	return math.Float64frombits(v.bits)
}

// AsBool returns the payload of a boolean value.
func (v Value) AsBool() bool { return v.kind == KindBool && v.bits != 0 }

// NativeBool returns the boolean encoding used by native code.
func (v Value) NativeBool() int32 {
	if v.kind == KindUndefined {
		return NativeUndefined
	}
	if v.bits != 0 {
		return NativeTrue
	}
	return NativeFalse
}

// FromNativeBool is the inverse of NativeBool.
func FromNativeBool(b int32) Value {
	if b == NativeUndefined {
		return Undefined()
	}
	return Bool(b != 0)
}

func (v Value) AsString() string {
	s, _ := v.ref.(string)
	return s
}

func (v Value) AsObject() *Object {
	o, _ := v.ref.(*Object)
	return o
}

// ============================================================================
// Conversions
// ============================================================================

// Truthy implements boolean conversion.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.bits != 0
	case KindInt32:
		return v.Int32() != 0
	case KindDouble:
		f := v.Float()
		return f != 0 && !math.IsNaN(f)
	case KindString:
		return v.AsString() != ""
	case KindObject:
		return true
	}
	return false
}

// ToNumber implements numeric conversion.
func (v Value) ToNumber() float64 {
	switch v.kind {
	case KindInt32, KindDouble:
		return v.Float()
	case KindBool:
		return float64(v.bits)
	case KindNull:
		return 0
	case KindString:
		s := v.AsString()
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// ToInt32 converts f with modulo-2^32 wrapping.
func ToInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(uint32(int64(math.Mod(math.Trunc(f), 4294967296))))
}

// ToUint32 converts f with modulo-2^32 wrapping.
func ToUint32(f float64) uint32 { return uint32(ToInt32(f)) }

// TypeOf returns the script-visible type name.
func (v Value) TypeOf() string {
	switch v.kind {
	case KindUndefined, KindHole:
		return "undefined"
	case KindNull:
		return "object"
	case KindBool:
		return "boolean"
	case KindInt32, KindDouble:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		if v.AsObject().IsCallable() {
			return "function"
		}
		return "object"
	}
	return "undefined"
}

// String renders v for printing.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined, KindHole:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindInt32:
		return strconv.Itoa(int(v.Int32()))
	case KindDouble:
		return FormatNumber(v.Float())
	case KindString:
		return v.AsString()
	case KindObject:
		return v.AsObject().String()
	}
	return "?"
}

// FormatNumber renders a double the way scripts print numbers.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == math.Trunc(f) && math.Abs(f) < 1e21:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ============================================================================
// Equality
// ============================================================================

// StrictEquals implements === .
func (v Value) StrictEquals(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		return v.Float() == o.Float()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNull, KindHole:
		return true
	case KindBool:
		return v.bits == o.bits
	case KindString:
		return v.AsString() == o.AsString()
	case KindObject:
		return v.AsObject() == o.AsObject()
	}
	return false
}

// LooseEquals implements == for the supported value kinds.
func (v Value) LooseEquals(o Value) bool {
	nullish := func(x Value) bool { return x.kind == KindNull || x.kind == KindUndefined }
	if nullish(v) || nullish(o) {
		return nullish(v) && nullish(o)
	}
	if v.kind == o.kind || (v.IsNumber() && o.IsNumber()) {
		return v.StrictEquals(o)
	}
	if v.kind == KindObject || o.kind == KindObject {
		return false
	}
	return v.ToNumber() == o.ToNumber()
}

// Identical reports bit-identity, distinguishing int32 from double.
func (v Value) Identical(o Value) bool {
	return v.kind == o.kind && v.bits == o.bits && v.ref == o.ref
}
