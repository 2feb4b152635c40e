package integration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/tracejit/config"
	"github.com/chazu/tracejit/jit"
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

// load assembles one of the programs under examples/ into a fresh context.
func load(t *testing.T, file string) *vm.Context {
	t.Helper()
	f, err := os.Open(filepath.Join("..", "..", "examples", file))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	prog, err := bytecode.Assemble(f)
	if err != nil {
		t.Fatalf("assemble %s: %v", file, err)
	}
	cx := vm.NewContext(nil)
	cx.Load(prog)
	return cx
}

var programs = []struct {
	file  string
	entry string
	args  []value.Value
}{
	{"sum.tjasm", "main", []value.Value{value.Int(1000)}},
	{"sum.tjasm", "main", []value.Value{value.Int(1)}},
	{"nest.tjasm", "nest", []value.Value{value.Int(20), value.Int(30)}},
	{"grow.tjasm", "main", []value.Value{value.Int(40)}},
}

func TestExamplesMatchInterpreter(t *testing.T) {
	policies := map[string]config.Policy{
		"default": config.DefaultPolicy(),
	}
	eager := config.DefaultPolicy()
	eager.HotLoop = 1
	eager.PreferJoin = true
	policies["eager"] = eager

	for name, p := range policies {
		for _, prog := range programs {
			t.Run(name+"/"+prog.file, func(t *testing.T) {
				want, err := load(t, prog.file).Run(prog.entry, prog.args...)
				if err != nil {
					t.Fatal(err)
				}

				cx := load(t, prog.file)
				s := jit.NewSession(cx, jit.WithPolicy(p))
				defer s.Close()
				got, err := cx.Run(prog.entry, prog.args...)
				if err != nil {
					t.Fatal(err)
				}
				if !got.Identical(want) {
					t.Fatalf("traced %v, interpreted %v", got, want)
				}
				if s.Recording() {
					t.Error("still recording after return")
				}
			})
		}
	}
}

func TestExamplesCompile(t *testing.T) {
	for _, prog := range programs {
		cx := load(t, prog.file)
		s := jit.NewSession(cx)
		if _, err := cx.Run(prog.entry, prog.args...); err != nil {
			t.Fatal(err)
		}
		s.Close()
		st := s.Stats()
		if len(prog.args) > 0 && prog.args[0].Identical(value.Int(1)) {
			if st.Compiled != 0 {
				t.Errorf("%s: compiled a loop that ran once", prog.file)
			}
			continue
		}
		if st.Compiled == 0 || st.Executions == 0 {
			t.Errorf("%s: compiled %d, executed %d", prog.file, st.Compiled, st.Executions)
		}
	}
}

func TestSessionsOnSeparateContexts(t *testing.T) {
	a, b := load(t, "sum.tjasm"), load(t, "sum.tjasm")
	sa, sb := jit.NewSession(a), jit.NewSession(b)
	defer sa.Close()
	defer sb.Close()

	for i := 0; i < 3; i++ {
		for _, cx := range []*vm.Context{a, b} {
			v, err := cx.Run("main", value.Int(100))
			if err != nil {
				t.Fatal(err)
			}
			if !v.Identical(value.Int(4950)) {
				t.Fatalf("sum = %v", v)
			}
		}
	}
	if sa.Stats().Compiled != 1 || sb.Stats().Compiled != 1 {
		t.Errorf("compiled %d and %d trees, want 1 each", sa.Stats().Compiled, sb.Stats().Compiled)
	}
}
