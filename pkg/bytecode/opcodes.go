package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpUndefined Opcode = 0x10 // Push undefined
	OpNull      Opcode = 0x11 // Push null
	OpTrue      Opcode = 0x12 // Push true
	OpFalse     Opcode = 0x13 // Push false
	OpZero      Opcode = 0x14 // Push 0
	OpOne       Opcode = 0x15 // Push 1
	OpInt8      Opcode = 0x16 // Push small integer: OpInt8 <value:i8>
	OpInt32     Opcode = 0x17 // Push integer: OpInt32 <value:i32>
	OpConst     Opcode = 0x18 // Push constant from pool: OpConst <index:u16>

	// ========================================================================
	// Variables (0x20-0x2F)
	// ========================================================================

	OpGetArg    Opcode = 0x20 // Push argument: OpGetArg <index:u8>
	OpSetArg    Opcode = 0x21 // Store TOS to argument (value stays): OpSetArg <index:u8>
	OpGetLocal  Opcode = 0x22 // Push local: OpGetLocal <slot:u8>
	OpSetLocal  Opcode = 0x23 // Store TOS to local (value stays): OpSetLocal <slot:u8>
	OpGetGlobal Opcode = 0x24 // Push global: OpGetGlobal <name:u16>
	OpSetGlobal Opcode = 0x25 // Store TOS to global (value stays): OpSetGlobal <name:u16>
	OpThis      Opcode = 0x26 // Push this

	// ========================================================================
	// Properties and elements (0x30-0x3F)
	// ========================================================================

	OpGetProp   Opcode = 0x30 // obj -> obj.name: OpGetProp <name:u16>
	OpSetProp   Opcode = 0x31 // obj val -> val: OpSetProp <name:u16>
	OpGetElem   Opcode = 0x32 // obj idx -> obj[idx]
	OpSetElem   Opcode = 0x33 // obj idx val -> val
	OpLength    Opcode = 0x34 // obj -> obj.length
	OpNewArray  Opcode = 0x35 // v1..vn -> array: OpNewArray <count:u8>
	OpNewObject Opcode = 0x36 // Push empty object

	// ========================================================================
	// Arithmetic and bitwise (0x40-0x4F)
	// ========================================================================

	OpAdd    Opcode = 0x40 // Pop two, push sum (or string concatenation)
	OpSub    Opcode = 0x41 // Pop two, push difference (a - b where b is TOS)
	OpMul    Opcode = 0x42 // Pop two, push product
	OpDiv    Opcode = 0x43 // Pop two, push quotient
	OpMod    Opcode = 0x44 // Pop two, push remainder
	OpNeg    Opcode = 0x45 // Negate top of stack
	OpBitAnd Opcode = 0x46
	OpBitOr  Opcode = 0x47
	OpBitXor Opcode = 0x48
	OpBitNot Opcode = 0x49
	OpLsh    Opcode = 0x4A
	OpRsh    Opcode = 0x4B
	OpUrsh   Opcode = 0x4C

	// ========================================================================
	// Comparison (0x50-0x5F)
	// ========================================================================

	OpLt       Opcode = 0x50
	OpLe       Opcode = 0x51
	OpGt       Opcode = 0x52
	OpGe       Opcode = 0x53
	OpEq       Opcode = 0x54
	OpNe       Opcode = 0x55
	OpStrictEq Opcode = 0x56
	OpStrictNe Opcode = 0x57
	OpNot      Opcode = 0x58 // Logical NOT of truthiness
	OpTypeof   Opcode = 0x59 // Push type name string

	// ========================================================================
	// Control flow (0x60-0x6F)
	// ========================================================================

	OpGoto     Opcode = 0x60 // Unconditional jump: OpGoto <offset:i16>
	OpIfFalse  Opcode = 0x61 // Pop, jump if falsy: OpIfFalse <offset:i16>
	OpIfTrue   Opcode = 0x62 // Pop, jump if truthy: OpIfTrue <offset:i16>
	OpLoopHead Opcode = 0x63 // Marks a loop header; target of the loop's back edge

	// ========================================================================
	// Calls (0x70-0x7F)
	// ========================================================================

	OpCall   Opcode = 0x70 // callee this a1..an -> result: OpCall <argc:u8>
	OpNew    Opcode = 0x71 // callee this a1..an -> object: OpNew <argc:u8>
	OpReturn Opcode = 0x72 // Return TOS to caller

	// ========================================================================
	// Miscellaneous (0xF0-0xFF)
	// ========================================================================

	OpEval Opcode = 0xF0 // Evaluate source string; never traced
	OpStop Opcode = 0xFF // Halt the interpreter
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:  {"NOP", 0, 0, 0},
	OpPop:  {"POP", 1, 0, 0},
	OpDup:  {"DUP", 1, 2, 0},
	OpSwap: {"SWAP", 2, 2, 0},

	// Constants
	OpUndefined: {"UNDEFINED", 0, 1, 0},
	OpNull:      {"NULL", 0, 1, 0},
	OpTrue:      {"TRUE", 0, 1, 0},
	OpFalse:     {"FALSE", 0, 1, 0},
	OpZero:      {"ZERO", 0, 1, 0},
	OpOne:       {"ONE", 0, 1, 0},
	OpInt8:      {"INT8", 0, 1, 1},
	OpInt32:     {"INT32", 0, 1, 4},
	OpConst:     {"CONST", 0, 1, 2},

	// Variables
	OpGetArg:    {"GETARG", 0, 1, 1},
	OpSetArg:    {"SETARG", 1, 1, 1},
	OpGetLocal:  {"GETLOCAL", 0, 1, 1},
	OpSetLocal:  {"SETLOCAL", 1, 1, 1},
	OpGetGlobal: {"GETGLOBAL", 0, 1, 2},
	OpSetGlobal: {"SETGLOBAL", 1, 1, 2},
	OpThis:      {"THIS", 0, 1, 0},

	// Properties and elements
	OpGetProp:   {"GETPROP", 1, 1, 2},
	OpSetProp:   {"SETPROP", 2, 1, 2},
	OpGetElem:   {"GETELEM", 2, 1, 0},
	OpSetElem:   {"SETELEM", 3, 1, 0},
	OpLength:    {"LENGTH", 1, 1, 0},
	OpNewArray:  {"NEWARRAY", -1, 1, 1},
	OpNewObject: {"NEWOBJECT", 0, 1, 0},

	// Arithmetic
	OpAdd:    {"ADD", 2, 1, 0},
	OpSub:    {"SUB", 2, 1, 0},
	OpMul:    {"MUL", 2, 1, 0},
	OpDiv:    {"DIV", 2, 1, 0},
	OpMod:    {"MOD", 2, 1, 0},
	OpNeg:    {"NEG", 1, 1, 0},
	OpBitAnd: {"BITAND", 2, 1, 0},
	OpBitOr:  {"BITOR", 2, 1, 0},
	OpBitXor: {"BITXOR", 2, 1, 0},
	OpBitNot: {"BITNOT", 1, 1, 0},
	OpLsh:    {"LSH", 2, 1, 0},
	OpRsh:    {"RSH", 2, 1, 0},
	OpUrsh:   {"URSH", 2, 1, 0},

	// Comparison
	OpLt:       {"LT", 2, 1, 0},
	OpLe:       {"LE", 2, 1, 0},
	OpGt:       {"GT", 2, 1, 0},
	OpGe:       {"GE", 2, 1, 0},
	OpEq:       {"EQ", 2, 1, 0},
	OpNe:       {"NE", 2, 1, 0},
	OpStrictEq: {"STRICTEQ", 2, 1, 0},
	OpStrictNe: {"STRICTNE", 2, 1, 0},
	OpNot:      {"NOT", 1, 1, 0},
	OpTypeof:   {"TYPEOF", 1, 1, 0},

	// Control flow
	OpGoto:     {"GOTO", 0, 0, 2},
	OpIfFalse:  {"IFFALSE", 1, 0, 2},
	OpIfTrue:   {"IFTRUE", 1, 0, 2},
	OpLoopHead: {"LOOPHEAD", 0, 0, 0},

	// Calls
	OpCall:   {"CALL", -1, 1, 1},
	OpNew:    {"NEW", -1, 1, 1},
	OpReturn: {"RETURN", 1, 0, 0},

	// Miscellaneous
	OpEval: {"EVAL", 1, 1, 0},
	OpStop: {"STOP", 0, 0, 0},
}

// opcodesByName is the reverse of opcodeInfoTable, used by the assembler.
var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), StackPop: 0, StackPush: 0, OperandLen: 0}
}

// LookupOpcode finds an opcode by its mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// String returns the opcode name.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total instruction length (opcode + operands).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this is a jump instruction.
func (op Opcode) IsJump() bool {
	return op >= OpGoto && op <= OpIfTrue
}

// IsConditional returns true for jumps that pop a condition.
func (op Opcode) IsConditional() bool {
	return op == OpIfFalse || op == OpIfTrue
}

// IsCall returns true for call and construct instructions.
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpNew
}

// IsKnown reports whether op has an entry in the opcode table.
func (op Opcode) IsKnown() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}
