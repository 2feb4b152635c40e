package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/tracejit/config"
	"github.com/chazu/tracejit/jit"
	"github.com/chazu/tracejit/pkg/codegen"
	"github.com/chazu/tracejit/pkg/value"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want value.Value
	}{
		{"12", value.Int(12)},
		{"-3", value.Int(-3)},
		{"2.5", value.Double(2.5)},
		{"true", value.Bool(true)},
		{"abc", value.Str("abc")},
	}
	for _, tt := range tests {
		if got := parseArg(tt.in); !got.Identical(tt.want) {
			t.Errorf("parseArg(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRunWritesTraceOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Trace.Dump = filepath.Join(dir, "trees.cbor")
	cfg.Trace.EmitGo = filepath.Join(dir, "traces")
	cfg.Trace.Events = filepath.Join(dir, "events.db")

	if err := run(cfg, "../../examples/sum.tjasm", "main", []string{"100"}, true, false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.Trace.Dump)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := jit.DecodeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Sites) != 1 || len(snap.Sites[0].Trees) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	src, err := os.ReadFile(filepath.Join(cfg.Trace.EmitGo, "traces.go"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(src), "package traces") {
		t.Errorf("generated source:\n%s", src)
	}
	if errs := codegen.Validate("traces.go", string(src)); len(errs) > 0 {
		t.Errorf("generated source does not parse:\n%s", codegen.FormatValidationErrors(errs))
	}
	if _, err := os.Stat(cfg.Trace.Events); err != nil {
		t.Errorf("event log: %v", err)
	}
}

func TestRunWithoutJIT(t *testing.T) {
	cfg := config.Default()
	cfg.Trace.Dump = filepath.Join(t.TempDir(), "trees.cbor")
	if err := run(cfg, "../../examples/nest.tjasm", "nest", []string{"5", "5"}, false, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Trace.Dump); !os.IsNotExist(err) {
		t.Error("interpreted run wrote a snapshot")
	}
}

func TestRunUnknownEntry(t *testing.T) {
	if err := run(config.Default(), "../../examples/sum.tjasm", "nope", nil, true, false); err == nil {
		t.Fatal("ran a missing function")
	}
}
