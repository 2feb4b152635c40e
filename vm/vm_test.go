package vm

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
)

func load(t *testing.T, src string) *Context {
	t.Helper()
	prog, err := bytecode.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cx := NewContext(nil)
	cx.Load(prog)
	return cx
}

const loopSource = `
.func sum 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getlocal 0
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`

func TestRunLoop(t *testing.T) {
	cx := load(t, loopSource)
	v, err := cx.Run("sum", value.Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(4950)) {
		t.Fatalf("sum(100) = %v", v)
	}
	if len(cx.Frames) != 0 {
		t.Errorf("frames left behind: %d", len(cx.Frames))
	}
	fn, _ := cx.Global.Get("sum")
	if got := cx.Profiler.Calls(fn.AsObject().Fn.(*bytecode.Function)); got != 1 {
		t.Errorf("calls = %d", got)
	}
	if stats := cx.Profiler.Stats(); stats.LoopVisits != 101 {
		t.Errorf("loop visits = %d, want 101", stats.LoopVisits)
	}
}

func TestCallsAndArguments(t *testing.T) {
	cx := load(t, `
.func add3 3 0
	getarg 0
	getarg 1
	add
	getarg 2
	add
	return
.end
.func main 0 0
	getglobal add3
	undefined
	push 1
	push 2
	call 2
	return
.end
.func extra 0 0
	getglobal add3
	undefined
	push 1
	push 2
	push 3
	push 4
	call 4
	return
.end`)
	v, err := cx.Run("main")
	if err != nil {
		t.Fatal(err)
	}
	// 1 + 2 + undefined
	if v.Kind() != value.KindDouble || v.String() != "NaN" {
		t.Errorf("main() = %v, want NaN", v)
	}
	v, err = cx.Run("extra")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(6)) {
		t.Errorf("extra() = %v, want 6", v)
	}
}

func TestConstruct(t *testing.T) {
	cx := load(t, `
.func Point 2 0
	this
	getarg 0
	setprop x
	pop
	this
	getarg 1
	setprop y
	pop
	undefined
	return
.end
.func main 0 1
	getglobal Point
	undefined
	push 3
	push 4
	new 2
	setlocal 0
	getprop x
	getlocal 0
	getprop y
	mul
	return
.end`)
	v, err := cx.Run("main")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(12)) {
		t.Errorf("main() = %v, want 12", v)
	}
}

func TestNatives(t *testing.T) {
	cx := load(t, `
.func main 0 1
	newarray 0
	setlocal 0
	pop
	getglobal push
	undefined
	getlocal 0
	push "abc"
	call 2
	pop
	getglobal charCodeAt
	undefined
	getglobal pop
	undefined
	getlocal 0
	call 1
	push 1
	call 2
	return
.end`)
	v, err := cx.Run("main")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int('b')) {
		t.Errorf("main() = %v, want %d", v, 'b')
	}
}

func TestPrint(t *testing.T) {
	cx := load(t, `
.func main 0 0
	getglobal print
	undefined
	push "x"
	push 1.5
	call 2
	return
.end`)
	var out bytes.Buffer
	cx.Out = &out
	if _, err := cx.Run("main"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "x 1.5\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRuntimeErrors(t *testing.T) {
	cx := load(t, `
.func main 0 0
	getglobal missing
	return
.end
.func notfn 0 0
	push 1
	undefined
	call 0
	return
.end`)
	_, err := cx.Run("main")
	var rerr *RuntimeError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Msg, "missing is not defined") {
		t.Errorf("err = %v", err)
	}
	if _, err := cx.Run("notfn"); err == nil || !strings.Contains(err.Error(), "not a function") {
		t.Errorf("err = %v", err)
	}
}

func TestStackOverflow(t *testing.T) {
	cx := load(t, `
.func f 0 0
	getglobal f
	undefined
	call 0
	return
.end`)
	_, err := cx.Run("f")
	if err == nil || !strings.Contains(err.Error(), ErrStackOverflow.Error()) {
		t.Errorf("err = %v", err)
	}
}

func TestBinarySemantics(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		a, b value.Value
		want value.Value
	}{
		{bytecode.OpAdd, value.Int(2147483647), value.Int(1), value.Double(2147483648)},
		{bytecode.OpAdd, value.Str("a"), value.Int(1), value.Str("a1")},
		{bytecode.OpMul, value.Int(0), value.Int(-1), value.Double(math.Copysign(0, -1))},
		{bytecode.OpDiv, value.Int(6), value.Int(3), value.Int(2)},
		{bytecode.OpMod, value.Int(7), value.Int(3), value.Int(1)},
		{bytecode.OpUrsh, value.Int(-1), value.Int(0), value.Double(4294967295)},
		{bytecode.OpLt, value.Str("a"), value.Str("b"), value.Bool(true)},
		{bytecode.OpStrictEq, value.Int(1), value.Double(1), value.Bool(true)},
	}
	for _, tt := range tests {
		got := Binary(tt.op, tt.a, tt.b)
		if tt.want.IsNumber() && got.IsNumber() {
			if got.Float() != tt.want.Float() || got.Kind() != tt.want.Kind() {
				t.Errorf("%s(%v, %v) = %v (%v)", tt.op, tt.a, tt.b, got, got.Kind())
			}
			continue
		}
		if !got.Identical(tt.want) {
			t.Errorf("%s(%v, %v) = %v, want %v", tt.op, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAddr(t *testing.T) {
	g := GlobalAddr(5)
	if !g.IsGlobal() || g.Index() != 5 {
		t.Errorf("GlobalAddr(5) = %v", g)
	}
	s := StackAddr(5)
	if s.IsGlobal() || s.Index() != 5 || s == g {
		t.Errorf("StackAddr(5) = %v", s)
	}
}
