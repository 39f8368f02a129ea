// lumen runs, disassembles and precompiles lumen bytecode programs.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/lumen/asm"
	"github.com/chazu/lumen/manifest"
	"github.com/chazu/lumen/vm"
	"github.com/chazu/lumen/vm/dump"

	_ "github.com/tliron/commonlog/simple"
)

type cliOptions struct {
	verbosity   int // -1 defers to the configuration file
	configPath  string
	disassemble bool
	output      string
	stats       bool
	file        string
	args        []string
}

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (0-5); overrides [log] verbosity")
	configPath := flag.String("config", "", "Configuration file (default: nearest lumen.toml or lumen.yaml)")
	disassemble := flag.Bool("d", false, "Print a listing instead of running")
	output := flag.String("o", "", "Write the loaded program as a chunk file instead of running")
	stats := flag.Bool("stats", false, "Print collector statistics after the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lumen [options] file.{lasm,lbc} [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lumen hello.lasm world        # Assemble and run\n")
		fmt.Fprintf(os.Stderr, "  lumen -o hello.lbc hello.lasm # Precompile\n")
		fmt.Fprintf(os.Stderr, "  lumen -d hello.lbc            # Disassemble a chunk\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := cliOptions{
		verbosity:   *verbosity,
		configPath:  *configPath,
		disassemble: *disassemble,
		output:      *output,
		stats:       *stats,
		file:        flag.Arg(0),
		args:        flag.Args()[1:],
	}
	if err := run(opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "lumen: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the explicit configuration file, or the nearest one above
// the program, or falls back to the defaults.
func loadConfig(opts cliOptions) (*manifest.Config, error) {
	if opts.configPath != "" {
		return manifest.Load(opts.configPath)
	}
	cfg, err := manifest.FindAndLoad(filepath.Dir(opts.file))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	return cfg, nil
}

func run(opts cliOptions, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	verbosity := cfg.Log.Verbosity
	if opts.verbosity >= 0 {
		verbosity = opts.verbosity
	}
	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(verbosity, logPath)

	s := vm.New(append(cfg.Options(), vm.WithOutput(stdout))...)

	fn, err := loadProgram(s, opts.file)
	if err != nil {
		return err
	}
	defer s.Release(s.Lock(fn))

	switch {
	case opts.output != "":
		return dump.WriteFile(opts.output, s, fn)
	case opts.disassemble:
		_, err := io.WriteString(stdout, s.DisassembleFunction(fn))
		return err
	}

	args := make([]vm.Value, len(opts.args))
	for i, a := range opts.args {
		args[i] = s.Intern(a)
		defer s.Release(s.Lock(args[i]))
	}

	results, err := s.Run(fn, args...)
	if err == nil {
		// Returned values are printed the way a debugger shows them.
		inspector := vm.NewInspector(s)
		for _, r := range results {
			io.WriteString(stdout, inspector.Inspect(r).String())
		}
	}
	if opts.stats {
		printStats(stderr, s.GCStats(), s.EntityCount(), s.GCThreshold())
	}
	return err
}

func loadProgram(s *vm.State, path string) (vm.Value, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".lasm":
		src, err := os.ReadFile(path)
		if err != nil {
			return vm.Nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		return asm.Assemble(s, string(src), path)
	case ".lbc":
		return dump.ReadFile(s, path)
	default:
		return vm.Nil, fmt.Errorf("%s: unknown file type %q (want .lasm or .lbc)", path, ext)
	}
}

func printStats(w io.Writer, st vm.GCStats, live, threshold int) {
	fmt.Fprintf(w, "gc: %d cycles, %d live entities, next at %d\n", st.Cycle, live, threshold)
	if st.Cycle > 0 {
		fmt.Fprintf(w, "gc: last cycle marked %d, reclaimed %d, finalized %d, cleared %d in %s\n",
			st.Marked, st.Reclaimed, st.Finalized, st.Cleared, st.Duration)
	}
}
