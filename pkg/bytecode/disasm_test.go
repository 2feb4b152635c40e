package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleSimple(t *testing.T) {
	b := NewBuilder("f", 0, 1)
	b.Number(3)
	b.Number(2.5)
	b.Emit(OpAdd)
	b.Emit(OpReturn)
	fn, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}

	output := fn.Disassemble()

	for _, want := range []string{"=== f", "INT8", "CONST", "2.5", "ADD", "RETURN"} {
		if !strings.Contains(output, want) {
			t.Errorf("listing missing %q:\n%s", want, output)
		}
	}
}

func TestDisassembleMarksLoops(t *testing.T) {
	prog, err := AssembleString(`
.func f 0 1
loop:
	loophead
	goto loop
.end`)
	if err != nil {
		t.Fatal(err)
	}
	fn, _ := prog.Lookup("f")
	output := fn.Disassemble()
	if !strings.Contains(output, "L> 0000  LOOPHEAD") {
		t.Errorf("loop header not marked:\n%s", output)
	}
	if !strings.Contains(output, "-> 0000") {
		t.Errorf("jump target not shown:\n%s", output)
	}
}
