package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/tracejit/pkg/value"
)

type fixup struct {
	at    int // offset of the jump instruction
	label string
}

// Builder assembles a Function instruction by instruction.
type Builder struct {
	fn     *Function
	labels map[string]int
	fixups []fixup
	names  map[string]int
	line   int
}

// NewBuilder starts a function.
func NewBuilder(name string, nargs, nlocals int) *Builder {
	return &Builder{
		fn:     &Function{Name: name, NArgs: nargs, NLocals: nlocals},
		labels: make(map[string]int),
		names:  make(map[string]int),
	}
}

// Offset returns the offset of the next instruction.
func (b *Builder) Offset() int { return len(b.fn.Code) }

// SetLine records the source line for subsequent instructions.
func (b *Builder) SetLine(line int) { b.line = line }

// Emit appends op with its operands encoded per the opcode table.
func (b *Builder) Emit(op Opcode, operand ...int) *Builder {
	if b.line != 0 && (len(b.fn.Lines) == 0 || b.fn.Lines[len(b.fn.Lines)-1].Line != b.line) {
		b.fn.Lines = append(b.fn.Lines, LineEntry{PC: len(b.fn.Code), Line: b.line})
	}
	b.fn.Code = append(b.fn.Code, byte(op))
	n := 0
	if len(operand) > 0 {
		n = operand[0]
	}
	switch op.OperandLen() {
	case 1:
		b.fn.Code = append(b.fn.Code, byte(n))
	case 2:
		b.fn.Code = binary.BigEndian.AppendUint16(b.fn.Code, uint16(n))
	case 4:
		b.fn.Code = binary.BigEndian.AppendUint32(b.fn.Code, uint32(int32(n)))
	}
	return b
}

// Label binds name to the next instruction.
func (b *Builder) Label(name string) error {
	if _, dup := b.labels[name]; dup {
		return fmt.Errorf("label %q defined twice", name)
	}
	b.labels[name] = b.Offset()
	return nil
}

// Jump emits a jump to a label that may be defined later.
func (b *Builder) Jump(op Opcode, label string) *Builder {
	b.fixups = append(b.fixups, fixup{at: b.Offset(), label: label})
	return b.Emit(op, 0)
}

// Name interns a property or global name.
func (b *Builder) Name(s string) int {
	if i, ok := b.names[s]; ok {
		return i
	}
	b.names[s] = len(b.fn.Names)
	b.fn.Names = append(b.fn.Names, s)
	return b.names[s]
}

// Const adds a constant to the pool, reusing identical entries.
func (b *Builder) Const(v value.Value) int {
	for i, c := range b.fn.Consts {
		if c.Identical(v) {
			return i
		}
	}
	b.fn.Consts = append(b.fn.Consts, v)
	return len(b.fn.Consts) - 1
}

// Number emits the shortest instruction pushing f.
func (b *Builder) Number(f float64) *Builder {
	i, isInt := value.Int32Of(f)
	switch {
	case isInt && i == 0:
		return b.Emit(OpZero)
	case isInt && i == 1:
		return b.Emit(OpOne)
	case isInt && i >= math.MinInt8 && i <= math.MaxInt8:
		return b.Emit(OpInt8, int(i))
	case isInt:
		return b.Emit(OpInt32, int(i))
	}
	return b.Emit(OpConst, b.Const(value.Double(f)))
}

// String emits a push of the string s.
func (b *Builder) String(s string) *Builder {
	return b.Emit(OpConst, b.Const(value.Str(s)))
}

// Finish resolves labels and validates the code.
func (b *Builder) Finish() (*Function, error) {
	for _, fx := range b.fixups {
		target, ok := b.labels[fx.label]
		if !ok {
			return nil, fmt.Errorf("%s: undefined label %q", b.fn.Name, fx.label)
		}
		off := target - fx.at
		if off < math.MinInt16 || off > math.MaxInt16 {
			return nil, fmt.Errorf("%s: jump to %q out of range", b.fn.Name, fx.label)
		}
		binary.BigEndian.PutUint16(b.fn.Code[fx.at+1:], uint16(int16(off)))
	}
	if err := b.fn.analyzeLoops(); err != nil {
		return nil, err
	}
	return b.fn, nil
}
