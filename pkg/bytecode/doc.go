// Package bytecode defines the instruction set executed by the interpreter
// and observed by the trace recorder.
//
// # Architecture Overview
//
//   - Opcodes: a small stack-based instruction set covering constants,
//     variables, properties, arithmetic, comparison, control flow and calls.
//     Each opcode carries static metadata (stack effect, operand length)
//     in a table the recorder and disassembler consult.
//
//   - Function: an immutable unit of bytecode with its constant pool, name
//     table and line table. Loop headers are marked by OpLoopHead and the
//     extent of each loop is computed when the function is finished.
//
//   - Builder and Assemble: programmatic and textual construction of
//     functions. The textual format is what the command-line tool runs.
//
// # Frame layout
//
// A call frame occupies a contiguous region of the interpreter stack:
//
//	base+0            callee
//	base+1            this
//	base+2 ...        arguments (exactly NArgs, padded with undefined)
//	base+2+NArgs ...  locals
//	...               operand stack
//
// Jump offsets are signed and relative to the jump instruction.
package bytecode
