package codegen

import (
	"strings"
	"testing"

	"github.com/chazu/tracejit/pkg/lir"
)

type testExit string

func (e testExit) String() string { return string(e) }

// counterLoop builds i = i + 1 while i < n, with i at stack offset 0 and n
// at offset 1.
func counterLoop() *lir.Buffer {
	b := lir.NewBuffer(0)
	i := b.LdStack(lir.I32, 0)
	n := b.LdStack(lir.I32, 1)
	lt := b.Op2(lir.OpLtI, lir.I32, i, n)
	b.Guard(lt, true, testExit("loop exit"))
	next := b.Checked(lir.OpAddOv, i, b.ImmI32(1), testExit("overflow"))
	b.StStack(next, 0)
	f := b.Op1(lir.OpI2F, lir.F64, next)
	half := b.Op2(lir.OpMulF, lir.F64, f, b.ImmF64(0.5))
	b.StStack(half, 2)
	b.Loop(testExit("root"))
	return b
}

func TestRenderFragment(t *testing.T) {
	g := New("traces")
	r, err := g.Add(Fragment{Name: "count@4/0a1b2c3d.root", Buf: counterLoop()})
	if err != nil {
		t.Fatal(err)
	}
	if r.Func != "TraceCount_4_0a1b2c3d_Root" {
		t.Errorf("func name = %s", r.Func)
	}
	if len(r.Exits) != 2 || r.Exits[0] != "loop exit" || r.Exits[1] != "overflow" {
		t.Errorf("exits = %v", r.Exits)
	}

	src, err := g.Render()
	if err != nil {
		t.Fatal(err)
	}
	if errs := Validate("traces.go", src); len(errs) > 0 {
		t.Fatalf("generated source does not parse:\n%s\n%s", FormatValidationErrors(errs), src)
	}
	for _, want := range []string{
		"package traces",
		"DO NOT EDIT",
		"func TraceCount_4_0a1b2c3d_Root(st *native.State, rt codegen.Runtime) int",
		"lir.AddOv(",
		"return codegen.LoopExit",
		"return 1 // overflow",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("generated source lacks %q:\n%s", want, src)
		}
	}
}

func TestUniqueFunctionNames(t *testing.T) {
	g := New("traces")
	a, err := g.Add(Fragment{Name: "f@1", Buf: counterLoop()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Add(Fragment{Name: "f/1", Buf: counterLoop()})
	if err != nil {
		t.Fatal(err)
	}
	if a.Func == b.Func {
		t.Fatalf("both fragments rendered as %s", a.Func)
	}
	if len(g.Rendered()) != 2 {
		t.Errorf("rendered = %d, want 2", len(g.Rendered()))
	}
}

func TestRejectsReleasedAndOpenFragments(t *testing.T) {
	g := New("traces")
	released := counterLoop()
	released.Release()
	if _, err := g.Add(Fragment{Name: "gone", Buf: released}); err == nil {
		t.Error("rendered a released fragment")
	}

	open := lir.NewBuffer(0)
	open.StStack(open.LdStack(lir.I32, 0), 1)
	if _, err := g.Add(Fragment{Name: "open", Buf: open}); err == nil {
		t.Error("rendered a fragment without a terminal instruction")
	}
}

func TestValidateReportsFunction(t *testing.T) {
	src := "package p\n\nfunc Good() {}\n\nfunc Bad() {\n\tx := \n}\n"
	errs := Validate("p.go", src)
	if len(errs) == 0 {
		t.Fatal("no errors for broken source")
	}
	if errs[0].Line < 6 {
		t.Errorf("error line = %d", errs[0].Line)
	}
	if !strings.Contains(FormatValidationErrors(errs), errs[0].Message) {
		t.Error("report omits the message")
	}
}
