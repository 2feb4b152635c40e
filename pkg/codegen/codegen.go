// Package codegen renders compiled trace fragments as Go source.
//
// Each fragment becomes one function over the native state. The generated
// code uses the arithmetic helpers of package lir, so it computes what the
// executor computes.
package codegen

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/chazu/tracejit/pkg/lir"
	"github.com/dave/jennifer/jen"
)

const (
	lirPath    = "github.com/chazu/tracejit/pkg/lir"
	nativePath = "github.com/chazu/tracejit/pkg/native"
	selfPath   = "github.com/chazu/tracejit/pkg/codegen"
)

// LoopExit is returned by a generated fragment that reached its loop jump.
const LoopExit = -1

// Runtime supplies what generated code cannot express as Go literals:
// helper calls, constant objects and nested trees.
type Runtime interface {
	Call(name string, args ...lir.Word) lir.Word
	Const(index int) lir.Word
	TreeCall(index int, base int) lir.Word
}

// Fragment is the input for one generated function.
type Fragment struct {
	Name string
	Buf  *lir.Buffer
}

// Rendered describes one generated function.
type Rendered struct {
	Func string
	// Exits lists the exits the function can return, by return value.
	Exits []string
	// Consts lists the constant objects, by Runtime.Const index.
	Consts []string
	// Trees lists the nested trees, by Runtime.TreeCall index.
	Trees []string
}

// Generator accumulates fragments into one Go file.
type Generator struct {
	f        *jen.File
	pkg      string
	funcs    map[string]bool
	rendered []Rendered
}

// New returns a generator for a file in package pkg.
func New(pkg string) *Generator {
	f := jen.NewFile(pkg)
	f.HeaderComment("Code generated by tracejit. DO NOT EDIT.")
	f.ImportName(lirPath, "lir")
	f.ImportName(nativePath, "native")
	f.ImportName(selfPath, "codegen")
	return &Generator{f: f, pkg: pkg, funcs: make(map[string]bool)}
}

// Rendered returns the functions generated so far.
func (g *Generator) Rendered() []Rendered { return g.rendered }

// Add renders fr as a function.
func (g *Generator) Add(fr Fragment) (Rendered, error) {
	if fr.Buf == nil || fr.Buf.Released() {
		return Rendered{}, fmt.Errorf("fragment %s: code released", fr.Name)
	}
	name := g.funcName(fr.Name)
	fg := &fragmentGen{buf: fr.Buf, exits: make(map[lir.Exit]int), trees: make(map[lir.Exit]int)}
	fg.out = Rendered{Func: name}

	body := []jen.Code{jen.Var().Id("v").Index(jen.Lit(fr.Buf.Len())).Qual(lirPath, "Word")}
	for _, r := range fr.Buf.Entry() {
		body = append(body, fg.ins(r)...)
	}
	terminated := false
	for _, r := range fr.Buf.Body() {
		body = append(body, fg.ins(r)...)
		if fr.Buf.At(r).Op.IsTerminal() {
			terminated = true
		}
	}
	if !terminated {
		return Rendered{}, fmt.Errorf("fragment %s: no terminal instruction", fr.Name)
	}

	g.f.Commentf("%s renders %s: %d instructions, %d exits.", name, fr.Name, fr.Buf.Len(), len(fg.out.Exits))
	g.f.Func().Id(name).Params(
		jen.Id("st").Op("*").Qual(nativePath, "State"),
		jen.Id("rt").Qual(selfPath, "Runtime"),
	).Int().Block(body...)
	g.f.Line()

	g.rendered = append(g.rendered, fg.out)
	return fg.out, nil
}

// Render returns the formatted Go source of every fragment added.
func (g *Generator) Render() (string, error) {
	var buf bytes.Buffer
	if err := g.f.Render(&buf); err != nil {
		return "", fmt.Errorf("rendering %s: %w", g.pkg, err)
	}
	return buf.String(), nil
}

// funcName derives a unique exported Go identifier from a fragment name.
func (g *Generator) funcName(frag string) string {
	var sb strings.Builder
	sb.WriteString("Trace")
	upper := true
	for _, c := range frag {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			if upper {
				c = unicode.ToUpper(c)
				upper = false
			}
			sb.WriteRune(c)
		default:
			if !upper {
				sb.WriteByte('_')
			}
			upper = true
		}
	}
	name := strings.TrimSuffix(sb.String(), "_")
	base := name
	for i := 2; g.funcs[name]; i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	g.funcs[name] = true
	return name
}

type fragmentGen struct {
	buf   *lir.Buffer
	out   Rendered
	exits map[lir.Exit]int
	trees map[lir.Exit]int
}

func v(r lir.Ref) *jen.Statement { return jen.Id("v").Index(jen.Lit(int(r))) }

func (fg *fragmentGen) i32(r lir.Ref) *jen.Statement { return v(r).Dot("I32").Call() }
func (fg *fragmentGen) f64(r lir.Ref) *jen.Statement { return v(r).Dot("F64").Call() }

func i32Word(c jen.Code) *jen.Statement { return jen.Qual(lirPath, "I32Word").Call(c) }
func f64Word(c jen.Code) *jen.Statement { return jen.Qual(lirPath, "F64Word").Call(c) }
func b2i(c jen.Code) *jen.Statement     { return i32Word(jen.Qual(lirPath, "B2I").Call(c)) }

func floatLit(f float64) *jen.Statement {
	switch {
	case math.IsNaN(f):
		return jen.Qual("math", "NaN").Call()
	case math.IsInf(f, 1):
		return jen.Qual("math", "Inf").Call(jen.Lit(1))
	case math.IsInf(f, -1):
		return jen.Qual("math", "Inf").Call(jen.Lit(-1))
	case f == 0 && math.Signbit(f):
		return jen.Qual("math", "Copysign").Call(jen.Lit(0.0), jen.Lit(-1.0))
	}
	return jen.Lit(f)
}

// exitIndex returns the value the function returns for exit e.
func (fg *fragmentGen) exitIndex(e lir.Exit) int {
	if i, ok := fg.exits[e]; ok {
		return i
	}
	i := len(fg.out.Exits)
	fg.exits[e] = i
	fg.out.Exits = append(fg.out.Exits, e.String())
	return i
}

func (fg *fragmentGen) leave(e lir.Exit) *jen.Statement {
	return jen.Return(jen.Lit(fg.exitIndex(e))).Comment(e.String())
}

var intOps = map[lir.Opcode]string{
	lir.OpAddI: "+", lir.OpSubI: "-", lir.OpMulI: "*",
	lir.OpAndI: "&", lir.OpOrI: "|", lir.OpXorI: "^",
}

var intCmps = map[lir.Opcode]string{
	lir.OpEqI: "==", lir.OpLtI: "<", lir.OpLeI: "<=", lir.OpGtI: ">", lir.OpGeI: ">=",
	lir.OpEqF: "==", lir.OpLtF: "<", lir.OpLeF: "<=", lir.OpGtF: ">", lir.OpGeF: ">=",
}

var shiftOps = map[lir.Opcode]string{lir.OpLshI: "Lsh", lir.OpRshI: "Rsh", lir.OpUrshI: "Ursh"}

var checkedOps = map[lir.Opcode]string{
	lir.OpAddOv: "AddOv", lir.OpSubOv: "SubOv", lir.OpMulOv: "MulOv", lir.OpNegOv: "NegOv", lir.OpModOv: "ModOv",
}

var floatOps = map[lir.Opcode]string{lir.OpAddF: "+", lir.OpSubF: "-", lir.OpMulF: "*", lir.OpDivF: "/"}

// ins renders instruction r as zero or more statements.
func (fg *fragmentGen) ins(r lir.Ref) []jen.Code {
	ins := fg.buf.At(r)
	set := func(c jen.Code) []jen.Code { return []jen.Code{v(r).Op("=").Add(c)} }
	slot := func(s string) *jen.Statement {
		return jen.Id("st").Dot(s).Index(jen.Id("st").Dot("Base").Op("+").Lit(int(ins.Imm)))
	}
	global := func() *jen.Statement { return jen.Id("st").Dot("Globals").Index(jen.Lit(int(ins.Imm))) }

	switch op := ins.Op; {
	case op == lir.OpImmI32:
		return set(i32Word(jen.Lit(int(ins.Imm))))
	case op == lir.OpImmF64:
		return set(f64Word(floatLit(ins.F)))
	case op == lir.OpImmStr:
		return set(jen.Qual(lirPath, "StrWord").Call(jen.Lit(ins.S)))
	case op == lir.OpImmObj:
		i := len(fg.out.Consts)
		fg.out.Consts = append(fg.out.Consts, fmt.Sprint(ins.Aux))
		return set(jen.Id("rt").Dot("Const").Call(jen.Lit(i)))

	case op == lir.OpLdStack:
		return set(slot("Stack"))
	case op == lir.OpStStack:
		return []jen.Code{slot("Stack").Op("=").Add(v(ins.A))}
	case op == lir.OpLdGlobal:
		return set(global())
	case op == lir.OpStGlobal:
		return []jen.Code{global().Op("=").Add(v(ins.A))}

	case intOps[op] != "":
		return set(i32Word(fg.i32(ins.A).Op(intOps[op]).Add(fg.i32(ins.B))))
	case op == lir.OpNotI:
		return set(i32Word(jen.Op("^").Add(fg.i32(ins.A))))
	case shiftOps[op] != "":
		return set(i32Word(jen.Qual(lirPath, shiftOps[op]).Call(fg.i32(ins.A), fg.i32(ins.B))))
	case op >= lir.OpEqI && op <= lir.OpGeI:
		return set(b2i(fg.i32(ins.A).Op(intCmps[op]).Add(fg.i32(ins.B))))
	case op == lir.OpNot:
		return set(b2i(fg.i32(ins.A).Op("==").Lit(0)))

	case checkedOps[op] != "":
		res, ok := fmt.Sprintf("r%d", r), fmt.Sprintf("ok%d", r)
		args := []jen.Code{fg.i32(ins.A)}
		if op != lir.OpNegOv {
			args = append(args, fg.i32(ins.B))
		}
		return []jen.Code{
			jen.List(jen.Id(res), jen.Id(ok)).Op(":=").Qual(lirPath, checkedOps[op]).Call(args...),
			jen.If(jen.Op("!").Id(ok)).Block(fg.leave(ins.Exit)),
			v(r).Op("=").Add(i32Word(jen.Id(res))),
		}

	case floatOps[op] != "":
		return set(f64Word(fg.f64(ins.A).Op(floatOps[op]).Add(fg.f64(ins.B))))
	case op == lir.OpModF:
		return set(f64Word(jen.Qual(lirPath, "ModF").Call(fg.f64(ins.A), fg.f64(ins.B))))
	case op == lir.OpNegF:
		return set(f64Word(jen.Op("-").Add(fg.f64(ins.A))))
	case op.IsFloatCmp():
		return set(b2i(fg.f64(ins.A).Op(intCmps[op]).Add(fg.f64(ins.B))))

	case op == lir.OpI2F:
		return set(f64Word(jen.Float64().Call(fg.i32(ins.A))))
	case op == lir.OpU2F:
		return set(f64Word(jen.Float64().Call(jen.Uint32().Call(fg.i32(ins.A)))))
	case op == lir.OpF2I:
		return set(i32Word(jen.Qual(lirPath, "F2I").Call(fg.f64(ins.A))))
	case op == lir.OpRefEq:
		return set(b2i(v(ins.A).Dot("Ref").Op("==").Add(v(ins.B).Dot("Ref"))))

	case op == lir.OpGuard:
		cmp := "=="
		if ins.Imm == 0 {
			cmp = "!="
		}
		return []jen.Code{jen.If(fg.i32(ins.A).Op(cmp).Lit(0)).Block(fg.leave(ins.Exit))}
	case op == lir.OpExit:
		return []jen.Code{fg.leave(ins.Exit)}
	case op == lir.OpLoop:
		return []jen.Code{jen.Return(jen.Qual(selfPath, "LoopExit")).Comment("loop to " + ins.Exit.String())}

	case op == lir.OpCall:
		args := []jen.Code{jen.Lit(ins.Call.Name)}
		for _, a := range ins.Args {
			args = append(args, v(a))
		}
		call := jen.Id("rt").Dot("Call").Call(args...)
		if ins.Call.Ret == lir.Void {
			return []jen.Code{call}
		}
		return set(call)
	case op == lir.OpTreeCall:
		i, ok := fg.trees[ins.Exit]
		if !ok {
			i = len(fg.out.Trees)
			fg.trees[ins.Exit] = i
			fg.out.Trees = append(fg.out.Trees, ins.Exit.String())
		}
		return set(jen.Id("rt").Dot("TreeCall").Call(jen.Lit(i), jen.Id("st").Dot("Base").Op("+").Lit(int(ins.Imm))))

	case op == lir.OpBox:
		return set(jen.Qual(lirPath, "BoxedWord").Call(
			jen.Qual(nativePath, "Box").Call(v(ins.A), jen.Lit(int(ins.Imm)))))
	case op == lir.OpUnbox:
		return set(jen.Qual(nativePath, "Unbox").Call(v(ins.A).Dot("Boxed").Call(), jen.Lit(int(ins.Type))))
	case op == lir.OpTag:
		return set(i32Word(jen.Int32().Call(v(ins.A).Dot("Boxed").Call().Dot("Tag").Call())))
	case op == lir.OpShape:
		return set(i32Word(jen.Int32().Call(v(ins.A).Dot("Obj").Call().Dot("Shape").Call().Dot("ID").Call())))
	case op == lir.OpClass:
		return set(i32Word(jen.Int32().Call(v(ins.A).Dot("Obj").Call().Dot("Class"))))
	case op == lir.OpLdSlot:
		return set(jen.Qual(lirPath, "BoxedWord").Call(v(ins.A).Dot("Obj").Call().Dot("Slot").Call(jen.Lit(int(ins.Imm)))))
	case op == lir.OpStSlot:
		return []jen.Code{v(ins.A).Dot("Obj").Call().Dot("SetSlot").Call(jen.Lit(int(ins.Imm)), v(ins.B).Dot("Boxed").Call())}
	case op == lir.OpLdElem:
		return set(jen.Qual(lirPath, "BoxedWord").Call(v(ins.A).Dot("Obj").Call().Dot("Elems").Index(fg.i32(ins.B))))
	case op == lir.OpStElem:
		return []jen.Code{v(ins.A).Dot("Obj").Call().Dot("Elems").Index(fg.i32(ins.B)).Op("=").Add(v(ins.C).Dot("Boxed").Call())}
	case op == lir.OpLength:
		return set(i32Word(jen.Qual(nativePath, "Length").Call(v(ins.A))))
	}
	return []jen.Code{jen.Comment(fmt.Sprintf("unsupported %s", fg.buf.Format(r)))}
}
