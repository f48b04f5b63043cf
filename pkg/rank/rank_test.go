package rank

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
	"github.com/Levalicious/server-memory-sub000/pkg/strtable"
)

func openTemp(t *testing.T) (*graph.Graph, *strtable.Table) {
	t.Helper()

	dir := t.TempDir()

	str, err := strtable.Open(filepath.Join(dir, "strings.bin"))
	if err != nil {
		t.Fatalf("strtable.Open: %v", err)
	}

	t.Cleanup(func() { _ = str.Close() })

	g, err := graph.Open(filepath.Join(dir, "graph.bin"), str)
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}

	t.Cleanup(func() { _ = g.Close() })

	return g, str
}

// buildCycle creates n entities wired into a directed cycle 0->1->...->n-1->0,
// a strongly connected graph suitable for MERW convergence checks.
func buildCycle(t *testing.T, g *graph.Graph, str *strtable.Table, n int) []uint64 {
	t.Helper()

	rel, err := str.Intern([]byte("NEXT"))
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}

	offsets := make([]uint64, n)

	for i := 0; i < n; i++ {
		rec, err := g.CreateEntity(string(rune('a'+i)), "Node", 0, false)
		if err != nil {
			t.Fatalf("CreateEntity #%d: %v", i, err)
		}

		offsets[i] = rec.Offset
	}

	for i := 0; i < n; i++ {
		target := offsets[(i+1)%n]

		if err := g.AddEdge(offsets[i], graph.AdjEntry{Target: target, Dir: graph.DirForward, RelTypeID: uint32(rel), Mtime: 0}); err != nil {
			t.Fatalf("AddEdge #%d: %v", i, err)
		}
	}

	return offsets
}

func TestMERW_ConvergesOnCycle(t *testing.T) {
	g, str := openTemp(t)

	offsets := buildCycle(t, g, str, 6)

	iters, err := MERWIterate(g, MERWOptions{})
	if err != nil {
		t.Fatalf("MERW: %v", err)
	}

	if iters == 0 {
		t.Fatalf("MERW: want at least one iteration on a non-empty graph")
	}

	sumSq := 0.0

	for _, off := range offsets {
		psi, err := g.GetPsi(off)
		if err != nil {
			t.Fatalf("GetPsi: %v", err)
		}

		if psi < 0 {
			t.Fatalf("psi=%v, want >= 0", psi)
		}

		sumSq += psi * psi
	}

	if math.Abs(sumSq-1) > 1e-4 {
		t.Fatalf("sum of psi^2 = %v, want ~1", sumSq)
	}

	// A symmetric cycle must converge to a (near-)uniform eigenvector.
	want := 1 / math.Sqrt(float64(len(offsets)))

	for _, off := range offsets {
		psi, err := g.GetPsi(off)
		if err != nil {
			t.Fatalf("GetPsi: %v", err)
		}

		if math.Abs(psi-want) > 1e-3 {
			t.Fatalf("psi=%v, want ~%v on a symmetric cycle", psi, want)
		}
	}
}

func TestMERW_EmptyGraphShortCircuits(t *testing.T) {
	g, _ := openTemp(t)

	iters, err := MERWIterate(g, MERWOptions{})
	if err != nil {
		t.Fatalf("MERW: %v", err)
	}

	if iters != 0 {
		t.Fatalf("iters=%d, want 0 on an empty graph", iters)
	}
}

func TestStructuralSample_RankSumsToOne(t *testing.T) {
	g, str := openTemp(t)

	offsets := buildCycle(t, g, str, 5)

	surfer := NewSurfer(g, 0, rand.New(rand.NewSource(42)))

	if err := surfer.StructuralSample(500); err != nil {
		t.Fatalf("StructuralSample: %v", err)
	}

	sum := 0.0

	for _, off := range offsets {
		r, err := g.GetStructuralRank(off)
		if err != nil {
			t.Fatalf("GetStructuralRank: %v", err)
		}

		sum += r
	}

	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("sum of structural ranks = %v, want ~1", sum)
	}
}

func TestStructuralSample_TerminatesWithNoOutgoingEdges(t *testing.T) {
	g, _ := openTemp(t)

	rec, err := g.CreateEntity("lonely", "Node", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	surfer := NewSurfer(g, 0, rand.New(rand.NewSource(7)))

	if err := surfer.StructuralSample(10); err != nil {
		t.Fatalf("StructuralSample: %v", err)
	}

	rank, err := g.GetStructuralRank(rec.Offset)
	if err != nil {
		t.Fatalf("GetStructuralRank: %v", err)
	}

	if rank != 1 {
		t.Fatalf("GetStructuralRank=%v, want 1 (only entity, every walk visits it)", rank)
	}
}
