package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the function.
func (f *Function) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s (args %d, locals %d) ===\n", f.Name, f.NArgs, f.NLocals))
	if len(f.Consts) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range f.Consts {
			sb.WriteString(fmt.Sprintf(";   [%d] %s\n", i, ConstString(c)))
		}
	}
	for pc := 0; pc < len(f.Code); pc = f.Next(pc) {
		marker := "  "
		if _, ok := f.loops[pc]; ok {
			marker = "L>"
		}
		sb.WriteString(fmt.Sprintf("%s %04d  %s\n", marker, pc, f.DisassembleInstruction(pc)))
	}
	return sb.String()
}

// DisassembleInstruction renders the instruction at pc.
func (f *Function) DisassembleInstruction(pc int) string {
	op := f.Op(pc)
	switch {
	case op.IsJump():
		return fmt.Sprintf("%-10s %+d -> %04d", op, f.I16(pc), f.JumpTarget(pc))
	case op == OpGetGlobal || op == OpSetGlobal || op == OpGetProp || op == OpSetProp:
		return fmt.Sprintf("%-10s %s", op, f.NameAt(pc))
	case op == OpConst:
		return fmt.Sprintf("%-10s %s", op, ConstString(f.ConstAt(pc)))
	case op == OpInt8:
		return fmt.Sprintf("%-10s %d", op, f.I8(pc))
	case op == OpInt32:
		return fmt.Sprintf("%-10s %d", op, f.I32(pc))
	case op.OperandLen() == 1:
		return fmt.Sprintf("%-10s %d", op, f.U8(pc))
	}
	return op.String()
}
