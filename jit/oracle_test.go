package jit

import "testing"

func TestOracleIsMonotonic(t *testing.T) {
	o := NewOracle(4096)
	if o.IsGlobalSlotUndemotable(3) || o.IsStackSlotUndemotable(1, 10, 4) || o.IsInstructionUndemotable(1, 12) {
		t.Fatal("fresh oracle reports facts")
	}

	o.MarkGlobalSlotUndemotable(3)
	o.MarkStackSlotUndemotable(1, 10, 4)
	o.MarkInstructionUndemotable(1, 12)
	for i := 0; i < 3; i++ {
		o.MarkGlobalSlotUndemotable(100 + i)
		if !o.IsGlobalSlotUndemotable(3) || !o.IsStackSlotUndemotable(1, 10, 4) || !o.IsInstructionUndemotable(1, 12) {
			t.Fatal("oracle forgot a fact")
		}
	}

	o.Clear()
	if o.IsGlobalSlotUndemotable(3) || o.IsStackSlotUndemotable(1, 10, 4) || o.IsInstructionUndemotable(1, 12) {
		t.Fatal("facts survived Clear")
	}
}

func TestOracleSizeRoundsUp(t *testing.T) {
	for _, n := range []int{0, 1, 64, 65} {
		o := NewOracle(n)
		if o.size == 0 || o.size%64 != 0 || int(o.size) < n {
			t.Errorf("NewOracle(%d).size = %d", n, o.size)
		}
		o.MarkInstructionUndemotable(1, 2)
		if !o.IsInstructionUndemotable(1, 2) {
			t.Errorf("NewOracle(%d) lost a fact", n)
		}
	}
}
