// tracejit runs an assembled bytecode program under the trace compiler.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chazu/tracejit/config"
	"github.com/chazu/tracejit/jit"
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/codegen"
	"github.com/chazu/tracejit/pkg/eventlog"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("tracejit")

func main() {
	configPath := flag.String("config", "", "Configuration file (default: nearest "+config.FileName+")")
	verbose := flag.Int("v", 0, "Log verbosity (0-6)")
	stats := flag.Bool("stats", false, "Print session statistics")
	events := flag.String("events", "", "SQLite database receiving lifecycle events")
	emitGo := flag.String("emit-go", "", "Directory receiving Go renderings of compiled fragments")
	dump := flag.String("dump", "", "File receiving a CBOR snapshot of the trees")
	noJIT := flag.Bool("nojit", false, "Interpret only")
	entry := flag.String("entry", "main", "Function to run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tracejit [options] program.tjasm [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Assembles the program and runs its entry function, recording and\n")
		fmt.Fprintf(os.Stderr, "compiling hot loops as it goes.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tracejit examples/sum.tjasm 1000                # Run main(1000)\n")
		fmt.Fprintf(os.Stderr, "  tracejit -entry nest -stats examples/nest.tjasm 20 30\n")
		fmt.Fprintf(os.Stderr, "  tracejit -events jit.db -dump trees.cbor examples/sum.tjasm 100\n")
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	commonlog.Configure(*verbose, nil)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *events != "" {
		cfg.Trace.Events = *events
	}
	if *emitGo != "" {
		cfg.Trace.EmitGo = *emitGo
	}
	if *dump != "" {
		cfg.Trace.Dump = *dump
	}

	if err := run(cfg, flag.Arg(0), *entry, flag.Args()[1:], !*noJIT, *stats); err != nil {
		fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return cfg, err
}

func run(cfg *config.Config, path, entry string, rawArgs []string, useJIT, printStats bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	prog, err := bytecode.Assemble(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	args := make([]value.Value, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseArg(a)
	}

	cx := vm.NewContext(nil)
	cx.Load(prog)

	var s *jit.Session
	if useJIT {
		opts := []jit.Option{jit.WithPolicy(cfg.JIT)}
		if cfg.Trace.Events != "" {
			events, err := eventlog.Open(cfg.Trace.Events)
			if err != nil {
				return err
			}
			defer events.Close()
			opts = append(opts, jit.WithEvents(events))
		}
		s = jit.NewSession(cx, opts...)
		defer s.Close()
	}

	result, err := cx.Run(entry, args...)
	if err != nil {
		return err
	}
	fmt.Println(result)

	if printStats {
		printProfile(cx.Profiler)
	}
	if s == nil {
		return nil
	}
	if printStats {
		printSessionStats(s)
	}
	if cfg.Trace.Dump != "" {
		if err := writeSnapshot(s, cfg.Trace.Dump); err != nil {
			return err
		}
	}
	if cfg.Trace.EmitGo != "" {
		if err := writeGo(s, cfg.Trace.EmitGo); err != nil {
			return err
		}
	}
	return nil
}

// parseArg reads a command-line argument as a number when it parses as
// one and as a string otherwise.
func parseArg(a string) value.Value {
	switch a {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	}
	if n, err := strconv.ParseFloat(a, 64); err == nil {
		return value.Number(n)
	}
	return value.Str(a)
}

// printProfile reports what the interpreter itself executed. Loop visits
// absorbed by compiled code are not counted.
func printProfile(p *vm.Profiler) {
	st := p.Stats()
	fmt.Fprintf(os.Stderr, "interpreter: %d calls, %d loop visits\n", st.Calls, st.LoopVisits)
	for _, lp := range p.Loops() {
		fmt.Fprintf(os.Stderr, "  %s@%d  visits %d\n", lp.Fun.Name, lp.Header, lp.Visits)
	}
}

func printSessionStats(s *jit.Session) {
	st := s.Stats()
	fmt.Fprintf(os.Stderr, "recordings %d  compiled %d  branches %d  aborts %d\n",
		st.Recordings, st.Compiled, st.Branches, st.Aborts)
	fmt.Fprintf(os.Stderr, "executions %d  iterations %d  tree calls %d  transfers %d\n",
		st.Executions, st.Iterations, st.TreeCalls, st.Transfers)
	fmt.Fprintf(os.Stderr, "links %d  demotions %d  trashed %d  flushes %d\n",
		st.Links, st.Demotions, st.Trashed, st.Flushes)
	for k := jit.ExitKind(0); int(k) < len(st.Exits); k++ {
		if n := st.ExitCount(k); n > 0 {
			fmt.Fprintf(os.Stderr, "  %-10s exits %d\n", k, n)
		}
	}
	for _, site := range s.Sites() {
		fmt.Fprintf(os.Stderr, "  %s  %s  trees %d  hits %d\n", site, site.State, len(site.Trees), site.Hits)
	}
}

func writeSnapshot(s *jit.Session, path string) error {
	data, err := jit.EncodeSnapshot(s.Snapshot())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	log.Infof("wrote snapshot to %s (%d bytes)", path, len(data))
	return nil
}

func writeGo(s *jit.Session, dir string) error {
	gen := codegen.New("traces")
	for _, t := range s.Trees() {
		for _, f := range t.Fragments {
			if f.Code == nil {
				continue
			}
			if _, err := gen.Add(codegen.Fragment{Name: f.Name(), Buf: f.Code.Buffer()}); err != nil {
				log.Warningf("skipping %s: %s", f.Name(), err)
			}
		}
	}
	src, err := gen.Render()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "traces.go")
	if errs := codegen.Validate(path, src); len(errs) > 0 {
		return fmt.Errorf("generated source does not parse:\n%s", codegen.FormatValidationErrors(errs))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return err
	}
	log.Infof("wrote %d functions to %s", len(gen.Rendered()), path)
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
