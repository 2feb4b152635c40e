package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[jit]
hot-loop = 5
hot-exit = 3
max-branches = 4
max-peers = 2
prefer-join = true

[trace]
events = "trace.db"
dump = "/tmp/trees.cbor"
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.JIT.HotLoop != 5 {
		t.Errorf("hot-loop = %d, want 5", c.JIT.HotLoop)
	}
	if c.JIT.HotExit != 3 {
		t.Errorf("hot-exit = %d, want 3", c.JIT.HotExit)
	}
	if c.JIT.MaxBranches != 4 {
		t.Errorf("max-branches = %d, want 4", c.JIT.MaxBranches)
	}
	if c.JIT.MaxPeers != 2 {
		t.Errorf("max-peers = %d, want 2", c.JIT.MaxPeers)
	}
	if !c.JIT.PreferJoin {
		t.Error("prefer-join = false, want true")
	}
	if want := filepath.Join(dir, "trace.db"); c.Trace.Events != want {
		t.Errorf("events = %q, want %q", c.Trace.Events, want)
	}
	if c.Trace.Dump != "/tmp/trees.cbor" {
		t.Errorf("dump = %q, want absolute path kept", c.Trace.Dump)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[jit]
hot-loop = 7
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := DefaultPolicy()
	want.HotLoop = 7
	if c.JIT != want {
		t.Errorf("policy = %+v, want %+v", c.JIT, want)
	}
	if c.Trace.Events != "" {
		t.Errorf("events = %q, want empty", c.Trace.Events)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[jit\nhot-loop = 1", "parse error"},
		{"range", "[jit]\nhot-loop = 0", "hot-loop"},
		{"oracle", "[jit]\noracle-size = 8", "oracle-size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[jit]\nmax-peers = 3\n")
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.JIT.MaxPeers != 3 {
		t.Errorf("max-peers = %d, want 3", c.JIT.MaxPeers)
	}
	if filepath.Dir(c.Path) != root {
		t.Errorf("path = %q, want file in %q", c.Path, root)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	_, err := FindAndLoad(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDefaultPolicyValid(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}
