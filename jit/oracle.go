package jit

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Kinds of fact the oracle remembers. They are mixed into the hash so the
// same numbers in different roles do not collide systematically.
const (
	factGlobal uint64 = iota + 1
	factStack
	factInstruction
)

// Oracle remembers slots and instructions that proved not to stay int32, so
// later recordings speculate double for them. It is a fixed-size bit set
// keyed by hash; a collision only makes speculation more conservative.
type Oracle struct {
	bits []uint64
	size uint64
}

// NewOracle returns an oracle of size bits, rounded up to a multiple of 64.
func NewOracle(size int) *Oracle {
	words := (size + 63) / 64
	if words < 1 {
		words = 1
	}
	return &Oracle{bits: make([]uint64, words), size: uint64(words * 64)}
}

func (o *Oracle) index(parts ...uint64) uint64 {
	var buf [32]byte
	b := buf[:0]
	for _, p := range parts {
		b = binary.LittleEndian.AppendUint64(b, p)
	}
	return xxh3.Hash(b) % o.size
}

func (o *Oracle) mark(i uint64)      { o.bits[i/64] |= 1 << (i % 64) }
func (o *Oracle) test(i uint64) bool { return o.bits[i/64]&(1<<(i%64)) != 0 }

// MarkGlobalSlotUndemotable records that global slot must be a double.
func (o *Oracle) MarkGlobalSlotUndemotable(slot int) {
	o.mark(o.index(factGlobal, uint64(slot)))
}

func (o *Oracle) IsGlobalSlotUndemotable(slot int) bool {
	return o.test(o.index(factGlobal, uint64(slot)))
}

// MarkStackSlotUndemotable records that the stack slot at offset slot from
// the frame of the loop at (fun, pc) must be a double.
func (o *Oracle) MarkStackSlotUndemotable(fun, pc, slot int) {
	o.mark(o.index(factStack, uint64(fun), uint64(pc), uint64(slot)))
}

func (o *Oracle) IsStackSlotUndemotable(fun, pc, slot int) bool {
	return o.test(o.index(factStack, uint64(fun), uint64(pc), uint64(slot)))
}

// MarkInstructionUndemotable records that the arithmetic instruction at
// (fun, pc) overflowed and must be recorded in double form.
func (o *Oracle) MarkInstructionUndemotable(fun, pc int) {
	o.mark(o.index(factInstruction, uint64(fun), uint64(pc)))
}

func (o *Oracle) IsInstructionUndemotable(fun, pc int) bool {
	return o.test(o.index(factInstruction, uint64(fun), uint64(pc)))
}

// Clear forgets everything.
func (o *Oracle) Clear() {
	clear(o.bits)
}
