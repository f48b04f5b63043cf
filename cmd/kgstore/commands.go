package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
	"github.com/Levalicious/server-memory-sub000/pkg/kgraph"
	"github.com/Levalicious/server-memory-sub000/pkg/rank"

	flag "github.com/spf13/pflag"
)

func cmdCreateEntity(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("create-entity", flag.ContinueOnError)
	flags.SetOutput(errOut)

	mtime := flags.Uint64("mtime", uint64(time.Now().Unix()), "Creation timestamp (unix seconds)")
	hasObsMtime := flags.Bool("obs-mtime", false, "Seed obs_mtime with mtime")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	if flags.NArg() != 2 {
		fprintln(errOut, "usage: kgstore create-entity <name> <type>")
		return 1
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	rec, err := s.CreateEntity(flags.Arg(0), flags.Arg(1), *mtime, *hasObsMtime)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "created entity %q (type=%q) at offset %d\n", flags.Arg(0), flags.Arg(1), rec.Offset)

	return 0
}

func cmdRelate(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("relate", flag.ContinueOnError)
	flags.SetOutput(errOut)

	mtime := flags.Uint64("mtime", uint64(time.Now().Unix()), "Relation timestamp (unix seconds)")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	if flags.NArg() != 3 {
		fprintln(errOut, "usage: kgstore relate <from> <to> <relType>")
		return 1
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	from, to, exitCode := resolvePair(errOut, s, flags.Arg(0), flags.Arg(1))
	if exitCode != 0 {
		return exitCode
	}

	if err := s.Relate(from.Offset, to.Offset, flags.Arg(2), *mtime); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "related %q -[%s]-> %q\n", flags.Arg(0), flags.Arg(2), flags.Arg(1))

	return 0
}

func cmdUnrelate(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	if len(args) != 3 {
		fprintln(errOut, "usage: kgstore unrelate <from> <to> <relType>")
		return 1
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	from, to, exitCode := resolvePair(errOut, s, args[0], args[1])
	if exitCode != 0 {
		return exitCode
	}

	if err := s.Unrelate(from.Offset, to.Offset, args[2]); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "unrelated %q -[%s]-> %q\n", args[0], args[2], args[1])

	return 0
}

func cmdObserve(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("observe", flag.ContinueOnError)
	flags.SetOutput(errOut)

	mtime := flags.Uint64("mtime", uint64(time.Now().Unix()), "Observation timestamp (unix seconds)")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	if flags.NArg() != 2 {
		fprintln(errOut, "usage: kgstore observe <entity> <text>")
		return 1
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	rec, found, err := s.FindEntity(flags.Arg(0))
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	if !found {
		fprintln(errOut, "error: no such entity:", flags.Arg(0))
		return 1
	}

	if err := s.AddObservation(rec.Offset, flags.Arg(1), *mtime); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "observed %q on %q\n", flags.Arg(1), flags.Arg(0))

	return 0
}

func cmdUnobserve(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("unobserve", flag.ContinueOnError)
	flags.SetOutput(errOut)

	mtime := flags.Uint64("mtime", uint64(time.Now().Unix()), "Observation timestamp (unix seconds)")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	if flags.NArg() != 2 {
		fprintln(errOut, "usage: kgstore unobserve <entity> <text>")
		return 1
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	rec, found, err := s.FindEntity(flags.Arg(0))
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	if !found {
		fprintln(errOut, "error: no such entity:", flags.Arg(0))
		return 1
	}

	removed, err := s.RemoveObservation(rec.Offset, flags.Arg(1), *mtime)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	if removed {
		fprintf(out, "removed observation %q from %q\n", flags.Arg(1), flags.Arg(0))
	} else {
		fprintf(out, "%q had no observation %q\n", flags.Arg(0), flags.Arg(1))
	}

	return 0
}

func cmdLs(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	flags.SetOutput(errOut)

	typeFilter := flags.String("type", "", "Only show entities of this type")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	entities, err := s.Entities()
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	type row struct {
		offset uint64
		name   string
		typ    string
		obs    []string
		rank   float64
	}

	rows := make([]row, 0, len(entities))

	for _, rec := range entities {
		name, err := s.EntityName(rec)
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		typ, err := s.EntityType(rec)
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		if *typeFilter != "" && typ != *typeFilter {
			continue
		}

		obs, err := s.Observations(rec)
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		rows = append(rows, row{offset: rec.Offset, name: name, typ: typ, obs: obs, rank: rec.Psi})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	for _, r := range rows {
		fprintf(out, "%-20s [%s] psi=%.6f offset=%d", r.name, r.typ, r.rank, r.offset)

		if len(r.obs) > 0 {
			fprintf(out, " obs=%v", r.obs)
		}

		fprintln(out)
	}

	return 0
}

func cmdRank(out, errOut io.Writer, storeDir string, cfg Config, args []string) int {
	flags := flag.NewFlagSet("rank", flag.ContinueOnError)
	flags.SetOutput(errOut)

	damping := flags.Float64("damping", 0, "Teleport complement override")
	maxIter := flags.Int("max-iter", 0, "MERW maximum iterations")
	tol := flags.Float64("tol", 0, "MERW convergence tolerance")
	structural := flags.Int("structural", 0, "Run N structural-sample iterations instead of MERW")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	if *structural > 0 {
		if err := s.StructuralSample(*structural); err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		fprintf(out, "ran %d structural-sample iteration(s)\n", *structural)

		return 0
	}

	iters, err := s.Recompute(rank.MERWOptions{Damping: *damping, MaxIter: *maxIter, Tol: *tol})
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "MERW converged after %d iteration(s)\n", iters)

	return 0
}

func cmdMigrate(out, errOut io.Writer, storeDir string, cfg Config, _ []string) int {
	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	count, err := s.EntityCount()
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	fprintf(out, "store at %s is on the current layout (%d entities)\n", storeDir, count)

	return 0
}

func cmdConfig(out, _ io.Writer, workDir string, cfg Config, sources ConfigSources, args []string) int {
	flags := flag.NewFlagSet("config", flag.ContinueOnError)
	flags.SetOutput(out)

	write := flags.Bool("write", false, "Persist the effective config to the project file")

	if err := flags.Parse(args); err != nil {
		return helpExitCode(err)
	}

	formatted, err := FormatConfig(cfg)
	if err != nil {
		fprintln(out, "error:", err)
		return 1
	}

	fprintln(out, formatted)
	fprintln(out)
	fprintln(out, "# sources")

	if sources.Global == "" && sources.Project == "" {
		fprintln(out, "(defaults only)")
	} else {
		if sources.Global != "" {
			fprintln(out, "global_config="+sources.Global)
		}

		if sources.Project != "" {
			fprintln(out, "project_config="+sources.Project)
		}
	}

	if *write {
		path := filepath.Join(workDir, ConfigFileName)

		if err := SaveConfig(path, cfg); err != nil {
			fprintln(out, "error:", err)
			return 1
		}

		fprintln(out, "wrote "+path)
	}

	return 0
}

func resolvePair(errOut io.Writer, s *kgraph.Store, fromName, toName string) (fromRec, toRec graph.Record, exitCode int) {
	from, found, err := s.FindEntity(fromName)
	if err != nil {
		fprintln(errOut, "error:", err)
		return graph.Record{}, graph.Record{}, 1
	}

	if !found {
		fprintln(errOut, "error: no such entity:", fromName)
		return graph.Record{}, graph.Record{}, 1
	}

	to, found, err := s.FindEntity(toName)
	if err != nil {
		fprintln(errOut, "error:", err)
		return graph.Record{}, graph.Record{}, 1
	}

	if !found {
		fprintln(errOut, "error: no such entity:", toName)
		return graph.Record{}, graph.Record{}, 1
	}

	return from, to, 0
}

func helpExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}

	return 1
}
