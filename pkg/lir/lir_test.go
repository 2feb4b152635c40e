package lir

import (
	"math"
	"strings"
	"testing"

	"github.com/chazu/tracejit/pkg/value"
)

type testExit string

func (e testExit) String() string { return string(e) }

func TestEntrySectionIsSeparate(t *testing.T) {
	b := NewBuffer(0)
	x := b.LdStack(I32, 2)
	one := b.ImmI32(1)
	sum := b.Checked(OpAddOv, x, one, testExit("ov"))
	y := b.LdStack(F64, 3)
	if len(b.Entry()) != 2 || b.Entry()[0] != x || b.Entry()[1] != y {
		t.Fatalf("entry = %v", b.Entry())
	}
	if len(b.Body()) != 2 || b.Body()[1] != sum {
		t.Fatalf("body = %v", b.Body())
	}
}

func TestFolding(t *testing.T) {
	b := NewBuffer(0)
	two := b.ImmI32(2)
	three := b.ImmI32(3)
	if r := b.Op2(OpAddI, I32, two, three); b.At(r).Op != OpImmI32 || b.At(r).Imm != 5 {
		t.Errorf("addi not folded: %s", b.Format(r))
	}
	if r := b.Op1(OpI2F, F64, three); b.At(r).Op != OpImmF64 || b.At(r).F != 3 {
		t.Errorf("i2f not folded: %s", b.Format(r))
	}
	big := b.ImmI32(math.MaxInt32)
	if r := b.Checked(OpAddOv, big, three, testExit("ov")); b.At(r).Op != OpAddOv {
		t.Errorf("overflowing add should stay checked: %s", b.Format(r))
	}
	if r := b.Guard(b.ImmI32(1), true, testExit("g")); r != NoRef {
		t.Errorf("guard that always holds should vanish")
	}
	if r := b.Guard(b.ImmI32(0), true, testExit("g")); r == NoRef {
		t.Errorf("guard that always fails must stay")
	}
	x := b.LdStack(I32, 0)
	if r := b.Op2(OpAddI, I32, x, three); b.At(r).Op != OpAddI {
		t.Errorf("non-constant add folded")
	}
}

func TestPromoteInt(t *testing.T) {
	b := NewBuffer(0)
	x := b.LdStack(I32, 0)
	fx := b.Op1(OpI2F, F64, x)
	half := b.ImmF64(0.5)
	negZero := b.ImmF64(math.Copysign(0, -1))
	seven := b.ImmF64(7)
	d := b.LdStack(F64, 1)

	tests := []struct {
		r    Ref
		want bool
	}{
		{fx, true},
		{seven, true},
		{half, false},
		{negZero, false},
		{d, false},
	}
	for _, tt := range tests {
		if got := b.IsPromoteInt(tt.r); got != tt.want {
			t.Errorf("IsPromoteInt(%s) = %v", b.Format(tt.r), got)
		}
	}
	if b.Demote(fx) != x {
		t.Error("Demote(i2f x) should be x")
	}
	if r := b.Demote(seven); b.At(r).Op != OpImmI32 || b.At(r).Imm != 7 {
		t.Errorf("Demote(7.0) = %s", b.Format(r))
	}
	if !b.IsPromoteUint(b.Op1(OpU2F, F64, x)) {
		t.Error("u2f should be promote-uint")
	}
}

func TestReleaseRetiresGeneration(t *testing.T) {
	b := NewBuffer(0)
	b.ImmI32(1)
	gen := b.Generation()
	b.Release()
	if b.Generation() == gen {
		t.Fatal("release should change the generation")
	}
	if b.Len() != 0 || !b.Released() {
		t.Fatal("released buffer should be empty")
	}
	b.Release()
	if !strings.Contains(b.String(), "released") {
		t.Error("listing should mention release")
	}
}

func TestLimit(t *testing.T) {
	b := NewBuffer(2)
	b.ImmI32(1)
	if b.Full() {
		t.Fatal("full too early")
	}
	b.ImmI32(2)
	if !b.Full() {
		t.Fatal("should be full")
	}
}

func TestCheckedArithmetic(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b int32
		want int32
		ok   bool
	}{
		{OpAddOv, math.MaxInt32, 1, 0, false},
		{OpAddOv, 2, 3, 5, true},
		{OpSubOv, math.MinInt32, 1, 0, false},
		{OpMulOv, 0, -3, 0, false},
		{OpMulOv, 1 << 16, 1 << 16, 0, false},
		{OpMulOv, -4, 5, -20, true},
		{OpNegOv, 0, 0, 0, false},
		{OpNegOv, 5, 0, -5, true},
		{OpModOv, 7, 3, 1, true},
		{OpModOv, -7, 3, 0, false},
		{OpModOv, 7, 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := EvalChecked(tt.op, tt.a, tt.b)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("%s(%d, %d) = %d, %v", tt.op, tt.a, tt.b, got, ok)
		}
	}
}

func TestWords(t *testing.T) {
	if I32Word(-5).I32() != -5 {
		t.Error("i32 word")
	}
	if F64Word(1.25).F64() != 1.25 {
		t.Error("f64 word")
	}
	if ObjWord(nil).Obj() != nil {
		t.Error("null word")
	}
	if !BoxedWord(value.Str("x")).Boxed().Identical(value.Str("x")) {
		t.Error("boxed word")
	}
	if TypeOfTag(value.TagInt32) != I32 || TypeOfTag(value.TagBool) != I32 || TypeOfTag(value.TagDouble) != F64 {
		t.Error("TypeOfTag")
	}
}
