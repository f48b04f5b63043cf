// Command kgstore is a thin, scriptable command-line front end over a
// persistent embedded knowledge-graph store (package kgraph): create
// entities, relate them, attach observations, list the graph, and recompute
// rank — useful during development or recovery without standing up the
// RPC tool surface the store is normally driven through.
//
// Usage:
//
//	kgstore [global flags] <command> [args]
//
// Commands:
//
//	create-entity <name> <type>          Create an entity
//	relate <from> <to> <relType>         Relate two entities by name
//	unrelate <from> <to> <relType>       Remove a relation
//	observe <entity> <text>              Attach an observation
//	unobserve <entity> <text>             Remove an observation
//	ls                                   List every entity
//	rank                                  Recompute MERW rank
//	migrate                              Open the store, migrating v1 graphs
//	config                                Show effective configuration
//	repl                                  Interactive shell
//
// Global flags:
//
//	-h, --help              Show help
//	-C, --cwd <dir>         Run as if started in <dir>
//	-c, --config <file>     Use specified config file
//	--store-dir <dir>       Override the store directory
//	--damping <f>           Override the rank damping factor
//	-v, --verbose           Log store lifecycle and operation detail to stderr
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Levalicious/server-memory-sub000/pkg/kgraph"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args, os.Environ(), os.Stdout, os.Stderr))
}

func run(args, environ []string, out, errOut io.Writer) int {
	globalFlags := flag.NewFlagSet("kgstore", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagStoreDir := globalFlags.String("store-dir", "", "Override the store `directory`")
	flagDamping := globalFlags.Float64("damping", 0, "Override the rank damping `factor`")
	flagVerbose := globalFlags.BoolP("verbose", "v", false, "Log store lifecycle and operation detail to stderr")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		workDir = wd
	}

	cfg, sources, err := LoadConfig(
		workDir, *flagConfig,
		Config{StoreDir: *flagStoreDir, Damping: *flagDamping},
		globalFlags.Changed("store-dir"), globalFlags.Changed("damping"),
		environ,
	)
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	cfg.Verbose = *flagVerbose

	commandAndArgs := globalFlags.Args()

	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(out)
		return 0
	}

	cmdName, cmdArgs := commandAndArgs[0], commandAndArgs[1:]

	storeDir := cfg.StoreDir
	if !filepath.IsAbs(storeDir) {
		storeDir = filepath.Join(workDir, storeDir)
	}

	switch cmdName {
	case "create-entity":
		return cmdCreateEntity(out, errOut, storeDir, cfg, cmdArgs)
	case "relate":
		return cmdRelate(out, errOut, storeDir, cfg, cmdArgs)
	case "unrelate":
		return cmdUnrelate(out, errOut, storeDir, cfg, cmdArgs)
	case "observe":
		return cmdObserve(out, errOut, storeDir, cfg, cmdArgs)
	case "unobserve":
		return cmdUnobserve(out, errOut, storeDir, cfg, cmdArgs)
	case "ls":
		return cmdLs(out, errOut, storeDir, cfg, cmdArgs)
	case "rank":
		return cmdRank(out, errOut, storeDir, cfg, cmdArgs)
	case "migrate":
		return cmdMigrate(out, errOut, storeDir, cfg, cmdArgs)
	case "config":
		return cmdConfig(out, errOut, workDir, cfg, sources, cmdArgs)
	case "repl":
		return cmdRepl(out, errOut, storeDir, cfg, cmdArgs)
	default:
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut)

		return 1
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func fprintf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}

func openStore(errOut io.Writer, storeDir string, cfg Config) (*kgraph.Store, bool) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		fprintln(errOut, "error:", err)
		return nil, false
	}

	level := kgraph.LogLevelInfo
	if cfg.Verbose {
		level = kgraph.LogLevelDebug
	}

	s, err := kgraph.Open(storeDir, kgraph.Options{
		Damping: cfg.Damping,
		Logger:  kgraph.NewLogger(errOut, level),
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		return nil, false
	}

	return s, true
}

const globalOptionsHelp = `  -h, --help              Show help
  -C, --cwd <dir>         Run as if started in <dir>
  -c, --config <file>     Use specified config file
  --store-dir <dir>       Override the store directory
  --damping <f>           Override the rank damping factor`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: kgstore [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'kgstore --help' for a list of commands.")
}

func printUsage(w io.Writer) {
	fprintln(w, "kgstore - embedded knowledge-graph store CLI")
	fprintln(w)
	fprintln(w, "Usage: kgstore [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")
	fprintln(w, "  create-entity <name> <type>      Create an entity")
	fprintln(w, "  relate <from> <to> <relType>     Relate two entities by name")
	fprintln(w, "  unrelate <from> <to> <relType>   Remove a relation")
	fprintln(w, "  observe <entity> <text>          Attach an observation")
	fprintln(w, "  unobserve <entity> <text>        Remove an observation")
	fprintln(w, "  ls                               List every entity")
	fprintln(w, "  rank                             Recompute MERW rank")
	fprintln(w, "  migrate                          Open the store, migrating v1 graphs")
	fprintln(w, "  config                           Show effective configuration")
	fprintln(w, "  repl                             Interactive shell")
}
