// Package config handles tracejit.toml configuration: the JIT policy
// thresholds and optional trace output.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "tracejit.toml"

// ErrNotFound is returned by FindAndLoad when no configuration file exists
// in the directory or any of its parents.
var ErrNotFound = errors.New("no " + FileName + " found")

// Config represents a tracejit.toml file.
type Config struct {
	JIT   Policy `toml:"jit"`
	Trace Trace  `toml:"trace"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Policy holds the thresholds that drive recording, extension and
// blacklisting.
type Policy struct {
	// Loop header visits before a tree is recorded.
	HotLoop int `toml:"hot-loop"`
	// Side exit hits before a branch is recorded from it.
	HotExit int `toml:"hot-exit"`
	// Branch fragments per tree.
	MaxBranches int `toml:"max-branches"`
	// Trees (peers) per loop site.
	MaxPeers int `toml:"max-peers"`
	// Inlined call depth while recording.
	MaxCallDepth int `toml:"max-call-depth"`
	// Native stack words.
	MaxNativeStack int `toml:"max-native-stack"`
	// IR instructions per fragment.
	MaxIR int `toml:"max-ir"`
	// Callee mismatch exits tolerated before the tree is trashed.
	MaxMismatch int `toml:"max-mismatch"`
	// Loop header visits skipped after an aborted recording, scaled by the
	// number of aborts so far.
	BlacklistBackoff int `toml:"blacklist-backoff"`
	// Aborts after which a site is blacklisted for good for a type map.
	MaxSiteAborts int `toml:"max-site-aborts"`
	// Bits in the oracle's fact set.
	OracleSize int `toml:"oracle-size"`
	// Boxed doubles kept in reserve for flushing native state.
	RecoveryPool int `toml:"recovery-pool"`
	// Link an unstable loop exit to a matching peer before demoting slots.
	PreferJoin bool `toml:"prefer-join"`
}

// Trace configures optional observability output.
type Trace struct {
	// Events is a SQLite database receiving lifecycle events.
	Events string `toml:"events"`
	// Dump is a file receiving a CBOR snapshot of the trees at exit.
	Dump string `toml:"dump"`
	// EmitGo is a directory receiving Go renderings of compiled fragments.
	EmitGo string `toml:"emit-go"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		HotLoop:          2,
		HotExit:          1,
		MaxBranches:      32,
		MaxPeers:         9,
		MaxCallDepth:     10,
		MaxNativeStack:   4096,
		MaxIR:            8192,
		MaxMismatch:      20,
		BlacklistBackoff: 4,
		MaxSiteAborts:    5,
		OracleSize:       4096,
		RecoveryPool:     64,
	}
}

// Default returns a configuration with the default policy and no trace
// output.
func Default() *Config {
	return &Config{JIT: DefaultPolicy()}
}

// Validate reports the first threshold that is out of range.
func (p Policy) Validate() error {
	checks := []struct {
		name string
		v    int
		min  int
	}{
		{"hot-loop", p.HotLoop, 1},
		{"hot-exit", p.HotExit, 1},
		{"max-branches", p.MaxBranches, 0},
		{"max-peers", p.MaxPeers, 1},
		{"max-call-depth", p.MaxCallDepth, 0},
		{"max-native-stack", p.MaxNativeStack, 64},
		{"max-ir", p.MaxIR, 64},
		{"max-mismatch", p.MaxMismatch, 0},
		{"blacklist-backoff", p.BlacklistBackoff, 0},
		{"max-site-aborts", p.MaxSiteAborts, 1},
		{"oracle-size", p.OracleSize, 64},
		{"recovery-pool", p.RecoveryPool, 0},
	}
	for _, c := range checks {
		if c.v < c.min {
			return fmt.Errorf("jit.%s = %d, must be at least %d", c.name, c.v, c.min)
		}
	}
	return nil
}

// Load parses the configuration file at path. Keys missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := c.JIT.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.Trace.Events = c.resolve(c.Trace.Events)
	c.Trace.Dump = c.resolve(c.Trace.Dump)
	c.Trace.EmitGo = c.resolve(c.Trace.EmitGo)
	return c, nil
}

// resolve makes a trace output path relative to the configuration file.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.Path), p)
}

// FindAndLoad walks up from startDir to find a tracejit.toml file, then
// loads it. It returns ErrNotFound when there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}
