package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tracejit.vm")

// ErrStackOverflow is returned when a call would exceed the value stack or
// the frame limit.
var ErrStackOverflow = errors.New("stack overflow")

const (
	DefaultStackSize = 1 << 16
	MaxFrames        = 1000
	stackHeadroom    = 256
)

// Addr names a value slot: an absolute stack index or a global slot.
type Addr int

const globalAddrBit = 1 << 30

// StackAddr returns the address of stack index i.
func StackAddr(i int) Addr { return Addr(i) }

// GlobalAddr returns the address of slot i of the global object.
func GlobalAddr(slot int) Addr { return Addr(globalAddrBit | slot) }

func (a Addr) IsGlobal() bool { return a&globalAddrBit != 0 }
func (a Addr) Index() int     { return int(a &^ globalAddrBit) }

func (a Addr) String() string {
	if a.IsGlobal() {
		return fmt.Sprintf("g%d", a.Index())
	}
	return fmt.Sprintf("s%d", a.Index())
}

// Frame is an activation of a bytecode function. Base is the index of the
// callee slot; SP is one past the top of the operand stack.
type Frame struct {
	Fun          *bytecode.Function
	Base         int
	PC           int
	SP           int
	Constructing bool
}

// ArgsBase returns the stack index of the first argument.
func (f *Frame) ArgsBase() int { return f.Base + 2 }

// LocalsBase returns the stack index of the first local.
func (f *Frame) LocalsBase() int { return f.Base + 2 + f.Fun.NArgs }

// StackBase returns the stack index of the operand stack bottom.
func (f *Frame) StackBase() int { return f.Base + f.Fun.FrameSlots() }

// Monitor observes interpreter execution. See package jit.
type Monitor interface {
	// Recording reports whether a trace is being recorded.
	Recording() bool
	// LoopEdge is called when the interpreter reaches a loop header. A
	// true result means compiled code ran and the top frame must be re-read.
	LoopEdge(cx *Context) bool
	// RecordOp is called before each instruction while recording. A true
	// result means interpreter state changed and the top frame must be
	// re-read.
	RecordOp(cx *Context) bool
	// EnterFrame and LeaveFrame are called after a frame is pushed or
	// popped while recording.
	EnterFrame(cx *Context)
	LeaveFrame(cx *Context)
	// AbortRecording is called when the interpreter cannot continue the
	// recorded path, e.g. on a runtime error.
	AbortRecording(cx *Context, reason string)
}

// RuntimeError is a script error raised by the interpreter.
type RuntimeError struct {
	Func string
	PC   int
	Line int
	Msg  string
}

func (e *RuntimeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d (pc %d): %s", e.Func, e.Line, e.PC, e.Msg)
	}
	return fmt.Sprintf("%s (pc %d): %s", e.Func, e.PC, e.Msg)
}

// Context is one execution context: a value stack, call frames, a global
// object and the heap. It is not safe for concurrent use.
type Context struct {
	Stack    []value.Value
	Frames   []*Frame
	Global   *value.Object
	Heap     *value.Heap
	Monitor  Monitor
	Profiler *Profiler
	Out      io.Writer

	// Steps counts interpreted instructions.
	Steps uint64
}

// NewContext creates a context with a fresh global object and the standard
// natives installed.
func NewContext(heap *value.Heap) *Context {
	if heap == nil {
		heap = value.NewHeap(0)
	}
	cx := &Context{
		Stack:    make([]value.Value, DefaultStackSize),
		Heap:     heap,
		Global:   heap.NewObject(),
		Profiler: NewProfiler(),
		Out:      os.Stdout,
	}
	cx.installNatives()
	return cx
}

// NewContextSharing creates a context over the heap and global object of
// other. The two must not run concurrently.
func NewContextSharing(other *Context) *Context {
	return &Context{
		Stack:    make([]value.Value, DefaultStackSize),
		Heap:     other.Heap,
		Global:   other.Global,
		Profiler: NewProfiler(),
		Out:      other.Out,
	}
}

// Load defines a global function object for every function in prog.
func (cx *Context) Load(prog *bytecode.Program) {
	for _, fn := range prog.Funcs {
		cx.Global.Set(fn.Name, value.Obj(cx.Heap.NewFunction(fn.Name, fn)))
	}
}

// Top returns the innermost frame, or nil.
func (cx *Context) Top() *Frame {
	if len(cx.Frames) == 0 {
		return nil
	}
	return cx.Frames[len(cx.Frames)-1]
}

// Depth returns the number of active frames.
func (cx *Context) Depth() int { return len(cx.Frames) }

// Get reads the slot at a.
func (cx *Context) Get(a Addr) value.Value {
	if a.IsGlobal() {
		return cx.Global.Slot(a.Index())
	}
	return cx.Stack[a.Index()]
}

// Set writes the slot at a.
func (cx *Context) Set(a Addr, v value.Value) {
	if a.IsGlobal() {
		cx.Global.SetSlot(a.Index(), v)
		return
	}
	cx.Stack[a.Index()] = v
}

// PushFrame pushes an activation of fn whose callee slot is at base. The
// caller has already placed callee, this and argc arguments; arguments are
// padded or truncated to fn.NArgs and locals are cleared.
func (cx *Context) PushFrame(fn *bytecode.Function, base, argc int, constructing bool) (*Frame, error) {
	if len(cx.Frames) >= MaxFrames || base+fn.FrameSlots()+stackHeadroom >= len(cx.Stack) {
		return nil, ErrStackOverflow
	}
	for i := argc; i < fn.NArgs; i++ {
		cx.Stack[base+2+i] = value.Undefined()
	}
	for i := 0; i < fn.NLocals; i++ {
		cx.Stack[base+2+fn.NArgs+i] = value.Undefined()
	}
	fr := &Frame{Fun: fn, Base: base, SP: base + fn.FrameSlots(), Constructing: constructing}
	cx.Frames = append(cx.Frames, fr)
	cx.Profiler.RecordCall(fn)
	return fr, nil
}

// Call invokes callee with this and args and returns its result.
func (cx *Context) Call(callee, this value.Value, args ...value.Value) (value.Value, error) {
	base := 0
	if top := cx.Top(); top != nil {
		base = top.SP
	}
	if base+len(args)+2+stackHeadroom >= len(cx.Stack) {
		return value.Undefined(), ErrStackOverflow
	}
	cx.Stack[base] = callee
	cx.Stack[base+1] = this
	copy(cx.Stack[base+2:], args)

	depth := len(cx.Frames)
	obj := callee.AsObject()
	switch {
	case obj != nil && obj.Class == value.ClassFunction:
		fn := obj.Fn.(*bytecode.Function)
		if _, err := cx.PushFrame(fn, base, len(args), false); err != nil {
			return value.Undefined(), err
		}
		return cx.run(depth)
	case obj != nil && obj.Class == value.ClassNative:
		return obj.Native.Fn(cx.Heap, this, args)
	}
	return value.Undefined(), fmt.Errorf("%s is not a function", callee)
}

// Run calls the global function named name with args.
func (cx *Context) Run(name string, args ...value.Value) (value.Value, error) {
	fn, ok := cx.Global.Get(name)
	if !ok {
		return value.Undefined(), fmt.Errorf("no function %q", name)
	}
	return cx.Call(fn, value.Undefined(), args...)
}

// GlobalSlot returns the slot index of a global, defining it as undefined
// when missing.
func (cx *Context) GlobalSlot(name string) int {
	if i, ok := cx.Global.Shape().Lookup(name); ok {
		return i
	}
	cx.Global.Set(name, value.Undefined())
	i, _ := cx.Global.Shape().Lookup(name)
	return i
}

func (cx *Context) errorf(fr *Frame, format string, args ...any) error {
	return &RuntimeError{Func: fr.Fun.Name, PC: fr.PC, Line: fr.Fun.Line(fr.PC), Msg: fmt.Sprintf(format, args...)}
}
