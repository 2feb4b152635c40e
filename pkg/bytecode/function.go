package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/tracejit/pkg/value"
)

// LineEntry maps a bytecode offset to a source line.
type LineEntry struct {
	PC   int
	Line int
}

// Function is an immutable unit of bytecode. Frames of a function lay out
// callee, this, NArgs arguments, NLocals locals, then the operand stack.
type Function struct {
	ID      int
	Name    string
	NArgs   int
	NLocals int
	Code    []byte
	Consts  []value.Value
	Names   []string
	Lines   []LineEntry

	loops map[int]int // loop header pc -> end of loop extent
}

// FrameSlots returns the number of fixed slots in a frame of f.
func (f *Function) FrameSlots() int { return 2 + f.NArgs + f.NLocals }

// Op returns the opcode at pc.
func (f *Function) Op(pc int) Opcode { return Opcode(f.Code[pc]) }

// Next returns the pc of the instruction following the one at pc.
func (f *Function) Next(pc int) int { return pc + f.Op(pc).InstructionLen() }

// U8 reads the one-byte operand of the instruction at pc.
func (f *Function) U8(pc int) int { return int(f.Code[pc+1]) }

// I8 reads a signed one-byte operand.
func (f *Function) I8(pc int) int { return int(int8(f.Code[pc+1])) }

// U16 reads a big-endian two-byte operand.
func (f *Function) U16(pc int) int { return int(binary.BigEndian.Uint16(f.Code[pc+1:])) }

// I16 reads a signed big-endian two-byte operand.
func (f *Function) I16(pc int) int { return int(int16(binary.BigEndian.Uint16(f.Code[pc+1:]))) }

// I32 reads a signed big-endian four-byte operand.
func (f *Function) I32(pc int) int32 { return int32(binary.BigEndian.Uint32(f.Code[pc+1:])) }

// JumpTarget returns the destination of the jump at pc. Offsets are
// relative to the jump instruction itself.
func (f *Function) JumpTarget(pc int) int { return pc + f.I16(pc) }

// NameAt returns the name operand of the instruction at pc.
func (f *Function) NameAt(pc int) string { return f.Names[f.U16(pc)] }

// ConstAt returns the constant operand of the instruction at pc.
func (f *Function) ConstAt(pc int) value.Value { return f.Consts[f.U16(pc)] }

// Line returns the source line of pc, or 0 when unknown.
func (f *Function) Line(pc int) int {
	line := 0
	for _, e := range f.Lines {
		if e.PC > pc {
			break
		}
		line = e.Line
	}
	return line
}

// IsLoopEdge reports whether the instruction at pc is a backward jump onto
// a loop header.
func (f *Function) IsLoopEdge(pc int) bool {
	if !f.Op(pc).IsJump() {
		return false
	}
	target := f.JumpTarget(pc)
	return target <= pc && f.Op(target) == OpLoopHead
}

// LoopExtent returns [header, end) covering the loop whose header is at pc:
// everything up to and including its last back edge.
func (f *Function) LoopExtent(header int) (int, int, bool) {
	end, ok := f.loops[header]
	return header, end, ok
}

// InLoop reports whether pc lies within the loop headed at header.
func (f *Function) InLoop(header, pc int) bool {
	start, end, ok := f.LoopExtent(header)
	return ok && pc >= start && pc < end
}

// Loops returns the loop headers of f.
func (f *Function) Loops() map[int]int { return f.loops }

func (f *Function) analyzeLoops() error {
	f.loops = make(map[int]int)
	for pc := 0; pc < len(f.Code); {
		op := f.Op(pc)
		if !op.IsKnown() {
			return fmt.Errorf("%s: unknown opcode 0x%02X at %d", f.Name, byte(op), pc)
		}
		next := pc + op.InstructionLen()
		if next > len(f.Code) {
			return fmt.Errorf("%s: truncated %s at %d", f.Name, op, pc)
		}
		if op.IsJump() {
			target := f.JumpTarget(pc)
			if target < 0 || target >= len(f.Code) {
				return fmt.Errorf("%s: jump at %d leaves function", f.Name, pc)
			}
			if target <= pc && f.Op(target) == OpLoopHead && next > f.loops[target] {
				f.loops[target] = next
			}
		}
		pc = next
	}
	return nil
}

// Program is a set of functions loaded together.
type Program struct {
	Funcs  []*Function
	byName map[string]*Function
}

// Lookup finds a function by name.
func (p *Program) Lookup(name string) (*Function, bool) {
	f, ok := p.byName[name]
	return f, ok
}

// Add appends f to the program, assigning its ID.
func (p *Program) Add(f *Function) error {
	if p.byName == nil {
		p.byName = make(map[string]*Function)
	}
	if _, dup := p.byName[f.Name]; dup {
		return fmt.Errorf("duplicate function %q", f.Name)
	}
	f.ID = len(p.Funcs) + 1
	p.Funcs = append(p.Funcs, f)
	p.byName[f.Name] = f
	return nil
}
