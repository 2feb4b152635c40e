package value

import (
	"math"
	"testing"
)

func TestNumberNormalizes(t *testing.T) {
	tests := []struct {
		in   float64
		kind Kind
	}{
		{0, KindInt32},
		{math.Copysign(0, -1), KindDouble},
		{42, KindInt32},
		{-7, KindInt32},
		{1.5, KindDouble},
		{2147483648, KindDouble},
		{-2147483648, KindInt32},
		{math.NaN(), KindDouble},
	}
	for _, tt := range tests {
		if got := Number(tt.in).Kind(); got != tt.kind {
			t.Errorf("Number(%v).Kind() = %v, want %v", tt.in, got, tt.kind)
		}
	}
}

func TestTags(t *testing.T) {
	h := NewHeap(0)
	tests := []struct {
		v   Value
		tag Tag
	}{
		{Int(1), TagInt32},
		{Double(1), TagDouble},
		{Bool(true), TagBool},
		{Undefined(), TagBool},
		{Str("x"), TagString},
		{Null(), TagObject},
		{Obj(h.NewObject()), TagObject},
		{Hole(), TagHole},
	}
	for _, tt := range tests {
		if got := tt.v.Tag(); got != tt.tag {
			t.Errorf("%v.Tag() = %v, want %v", tt.v, got, tt.tag)
		}
	}
}

func TestNativeBoolRoundTrip(t *testing.T) {
	for _, v := range []Value{Bool(true), Bool(false), Undefined()} {
		if got := FromNativeBool(v.NativeBool()); !got.Identical(v) {
			t.Errorf("round trip of %v gave %v", v, got)
		}
	}
}

func TestToInt32(t *testing.T) {
	tests := []struct {
		in   float64
		want int32
	}{
		{1.9, 1},
		{-1.9, -1},
		{4294967296 + 5, 5},
		{2147483648, -2147483648},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		if got := ToInt32(tt.in); got != tt.want {
			t.Errorf("ToInt32(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEquality(t *testing.T) {
	if !Int(1).StrictEquals(Double(1)) {
		t.Error("1 === 1.0 should hold")
	}
	if Int(1).Identical(Double(1)) {
		t.Error("int32 and double should not be identical")
	}
	if !Null().LooseEquals(Undefined()) {
		t.Error("null == undefined should hold")
	}
	if Null().StrictEquals(Undefined()) {
		t.Error("null === undefined should not hold")
	}
	if !Str("3").LooseEquals(Int(3)) {
		t.Error(`"3" == 3 should hold`)
	}
}

func TestShapesAreShared(t *testing.T) {
	h := NewHeap(0)
	a, b := h.NewObject(), h.NewObject()
	a.Set("x", Int(1))
	a.Set("y", Int(2))
	b.Set("x", Int(3))
	b.Set("y", Int(4))
	if a.Shape() != b.Shape() {
		t.Fatal("objects with the same property order should share a shape")
	}
	c := h.NewObject()
	c.Set("y", Int(1))
	if c.Shape().ID() == a.Shape().ID() {
		t.Fatal("different layouts should not share a shape id")
	}
	if i, ok := a.Shape().Lookup("y"); !ok || i != 1 {
		t.Fatalf("Lookup(y) = %d, %v", i, ok)
	}
}

func TestArrayHoles(t *testing.T) {
	h := NewHeap(0)
	a := h.NewArray(nil)
	a.SetElem(2, Int(7))
	if len(a.Elems) != 3 || a.Elems[0].Kind() != KindHole {
		t.Fatalf("unexpected elements %v", a.Elems)
	}
	if !a.GetElem(0).IsUndefined() {
		t.Error("hole should read as undefined")
	}
	if v, _ := a.Get("length"); v.Int32() != 3 {
		t.Errorf("length = %v", v)
	}
}

func TestCollectDeferredOnTrace(t *testing.T) {
	h := NewHeap(0)
	runs := 0
	h.OnCollect(func() { runs++ })
	h.SetOnTrace(true)
	if h.Collect() {
		t.Fatal("collection should be deferred on trace")
	}
	if runs != 0 {
		t.Fatal("hook ran on trace")
	}
	h.SetOnTrace(false)
	if runs != 1 || h.Collections() != 1 {
		t.Fatalf("runs = %d, collections = %d", runs, h.Collections())
	}
}

func TestRecoveryPool(t *testing.T) {
	h := NewHeap(0)
	h.Replenish(2)
	h.BoxDouble(1.5)
	h.BoxDouble(2) // integral, no cell
	if h.Reserve() != 1 {
		t.Fatalf("reserve = %d, want 1", h.Reserve())
	}
	h.BoxDouble(0.5)
	h.BoxDouble(0.25)
	if h.PoolMisses() != 1 {
		t.Fatalf("pool misses = %d, want 1", h.PoolMisses())
	}
}
