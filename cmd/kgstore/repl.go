package main

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
	"github.com/Levalicious/server-memory-sub000/pkg/kgraph"
	"github.com/Levalicious/server-memory-sub000/pkg/rank"

	"github.com/peterh/liner"
)

func cmdRepl(out, errOut io.Writer, storeDir string, cfg Config, _ []string) int {
	s, ok := openStore(errOut, storeDir, cfg)
	if !ok {
		return 1
	}
	defer s.Close()

	r := &repl{store: s, out: out}

	if err := r.run(); err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	return 0
}

// repl is the interactive command loop over an already-open store.
type repl struct {
	store *kgraph.Store
	out   io.Writer
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kgstore_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fprintln(r.out, "kgstore repl - type 'help' for commands")

	for {
		line, err := r.liner.Prompt("kgstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fprintln(r.out, "bye")
				break
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fprintln(r.out, "bye")
			break
		}

		r.dispatch(cmd, args)
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{
		"create-entity", "relate", "unrelate", "observe", "unobserve",
		"ls", "rank", "help", "exit", "quit", "q",
	}

	lower := strings.ToLower(line)

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) dispatch(cmd string, args []string) {
	switch cmd {
	case "help", "?":
		r.printHelp()
	case "create-entity":
		r.cmdCreateEntity(args)
	case "relate":
		r.cmdRelate(args)
	case "unrelate":
		r.cmdUnrelate(args)
	case "observe":
		r.cmdObserve(args)
	case "unobserve":
		r.cmdUnobserve(args)
	case "ls":
		r.cmdLs(args)
	case "rank":
		r.cmdRank(args)
	default:
		fprintf(r.out, "unknown command: %s (type 'help')\n", cmd)
	}
}

func (r *repl) printHelp() {
	fprintln(r.out, "commands:")
	fprintln(r.out, "  create-entity <name> <type>      create an entity")
	fprintln(r.out, "  relate <from> <to> <relType>     relate two entities")
	fprintln(r.out, "  unrelate <from> <to> <relType>   remove a relation")
	fprintln(r.out, "  observe <entity> <text>          attach an observation")
	fprintln(r.out, "  unobserve <entity> <text>        remove an observation")
	fprintln(r.out, "  ls                               list every entity")
	fprintln(r.out, "  rank [n]                          recompute MERW rank, or run n structural-sample iterations")
	fprintln(r.out, "  help                              show this help")
	fprintln(r.out, "  exit / quit / q                   leave the repl")
}

func (r *repl) cmdCreateEntity(args []string) {
	if len(args) != 2 {
		fprintln(r.out, "usage: create-entity <name> <type>")
		return
	}

	rec, err := r.store.CreateEntity(args[0], args[1], uint64(time.Now().Unix()), false)
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	fprintf(r.out, "created %q (type=%q) at offset %d\n", args[0], args[1], rec.Offset)
}

func (r *repl) resolvePair(fromName, toName string) (from, to uint64, ok bool) {
	fromRec, found, err := r.store.FindEntity(fromName)
	if err != nil {
		fprintln(r.out, "error:", err)
		return 0, 0, false
	}

	if !found {
		fprintln(r.out, "no such entity:", fromName)
		return 0, 0, false
	}

	toRec, found, err := r.store.FindEntity(toName)
	if err != nil {
		fprintln(r.out, "error:", err)
		return 0, 0, false
	}

	if !found {
		fprintln(r.out, "no such entity:", toName)
		return 0, 0, false
	}

	return fromRec.Offset, toRec.Offset, true
}

func (r *repl) cmdRelate(args []string) {
	if len(args) != 3 {
		fprintln(r.out, "usage: relate <from> <to> <relType>")
		return
	}

	from, to, ok := r.resolvePair(args[0], args[1])
	if !ok {
		return
	}

	if err := r.store.Relate(from, to, args[2], uint64(time.Now().Unix())); err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	fprintf(r.out, "related %q -[%s]-> %q\n", args[0], args[2], args[1])
}

func (r *repl) cmdUnrelate(args []string) {
	if len(args) != 3 {
		fprintln(r.out, "usage: unrelate <from> <to> <relType>")
		return
	}

	from, to, ok := r.resolvePair(args[0], args[1])
	if !ok {
		return
	}

	if err := r.store.Unrelate(from, to, args[2]); err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	fprintf(r.out, "unrelated %q -[%s]-> %q\n", args[0], args[2], args[1])
}

func (r *repl) cmdObserve(args []string) {
	if len(args) != 2 {
		fprintln(r.out, "usage: observe <entity> <text>")
		return
	}

	rec, found, err := r.store.FindEntity(args[0])
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	if !found {
		fprintln(r.out, "no such entity:", args[0])
		return
	}

	if err := r.store.AddObservation(rec.Offset, args[1], uint64(time.Now().Unix())); err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	fprintf(r.out, "observed %q on %q\n", args[1], args[0])
}

func (r *repl) cmdUnobserve(args []string) {
	if len(args) != 2 {
		fprintln(r.out, "usage: unobserve <entity> <text>")
		return
	}

	rec, found, err := r.store.FindEntity(args[0])
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	if !found {
		fprintln(r.out, "no such entity:", args[0])
		return
	}

	removed, err := r.store.RemoveObservation(rec.Offset, args[1], uint64(time.Now().Unix()))
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	if removed {
		fprintf(r.out, "removed observation %q from %q\n", args[1], args[0])
	} else {
		fprintf(r.out, "%q had no observation %q\n", args[0], args[1])
	}
}

func (r *repl) cmdLs(_ []string) {
	entities, err := r.store.Entities()
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	type row struct {
		name string
		typ  string
		rec  graph.Record
	}

	rows := make([]row, 0, len(entities))

	for _, rec := range entities {
		name, err := r.store.EntityName(rec)
		if err != nil {
			fprintln(r.out, "error:", err)
			return
		}

		typ, err := r.store.EntityType(rec)
		if err != nil {
			fprintln(r.out, "error:", err)
			return
		}

		rows = append(rows, row{name: name, typ: typ, rec: rec})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	for _, row := range rows {
		fprintf(r.out, "%-20s [%s] psi=%.6f offset=%d\n", row.name, row.typ, row.rec.Psi, row.rec.Offset)
	}
}

func (r *repl) cmdRank(args []string) {
	iterations := 0

	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fprintln(r.out, "error: iterations must be an integer")
			return
		}

		iterations = n
	}

	if iterations > 0 {
		if err := r.store.StructuralSample(iterations); err != nil {
			fprintln(r.out, "error:", err)
			return
		}

		fprintf(r.out, "ran %d structural-sample iteration(s)\n", iterations)

		return
	}

	iters, err := r.store.Recompute(rank.MERWOptions{})
	if err != nil {
		fprintln(r.out, "error:", err)
		return
	}

	fprintf(r.out, "MERW converged after %d iteration(s)\n", iters)
}
