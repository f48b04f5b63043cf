package kgraph

import (
	"testing"

	"github.com/Levalicious/server-memory-sub000/pkg/rank"
)

func openTemp(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestCreateEntity_ThenReadBack(t *testing.T) {
	s := openTemp(t)

	rec, err := s.CreateEntity("Alice", "Person", 1, false)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	got, err := s.Entity(rec.Offset)
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}

	name, err := s.EntityName(got)
	if err != nil {
		t.Fatalf("EntityName: %v", err)
	}

	if name != "Alice" {
		t.Fatalf("name=%q, want %q", name, "Alice")
	}
}

func TestRelate_CreatesMirroredForwardAndBackwardEdges(t *testing.T) {
	s := openTemp(t)

	a, err := s.CreateEntity("A", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity A: %v", err)
	}

	b, err := s.CreateEntity("B", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity B: %v", err)
	}

	if err := s.Relate(a.Offset, b.Offset, "KNOWS", 5); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	neighborsA, err := s.Neighbors(a.Offset)
	if err != nil {
		t.Fatalf("Neighbors A: %v", err)
	}

	if len(neighborsA) != 1 || neighborsA[0].Target != b.Offset {
		t.Fatalf("Neighbors A = %+v, want single forward edge to B", neighborsA)
	}

	neighborsB, err := s.Neighbors(b.Offset)
	if err != nil {
		t.Fatalf("Neighbors B: %v", err)
	}

	if len(neighborsB) != 1 || neighborsB[0].Target != a.Offset {
		t.Fatalf("Neighbors B = %+v, want single backward edge to A", neighborsB)
	}
}

func TestUnrelate_RemovesBothCopies(t *testing.T) {
	s := openTemp(t)

	a, err := s.CreateEntity("A", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity A: %v", err)
	}

	b, err := s.CreateEntity("B", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity B: %v", err)
	}

	if err := s.Relate(a.Offset, b.Offset, "KNOWS", 5); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	if err := s.Unrelate(a.Offset, b.Offset, "KNOWS"); err != nil {
		t.Fatalf("Unrelate: %v", err)
	}

	neighborsA, err := s.Neighbors(a.Offset)
	if err != nil {
		t.Fatalf("Neighbors A: %v", err)
	}

	if len(neighborsA) != 0 {
		t.Fatalf("Neighbors A = %+v, want none after Unrelate", neighborsA)
	}

	neighborsB, err := s.Neighbors(b.Offset)
	if err != nil {
		t.Fatalf("Neighbors B: %v", err)
	}

	if len(neighborsB) != 0 {
		t.Fatalf("Neighbors B = %+v, want none after Unrelate", neighborsB)
	}
}

func TestDeleteEntity_RemovesMirroredEdgesAndReleasesStrings(t *testing.T) {
	s := openTemp(t)

	a, err := s.CreateEntity("A", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity A: %v", err)
	}

	b, err := s.CreateEntity("B", "Person", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity B: %v", err)
	}

	if err := s.Relate(a.Offset, b.Offset, "KNOWS", 5); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	if err := s.DeleteEntity(a.Offset); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	neighborsB, err := s.Neighbors(b.Offset)
	if err != nil {
		t.Fatalf("Neighbors B: %v", err)
	}

	if len(neighborsB) != 0 {
		t.Fatalf("Neighbors B = %+v, want none after deleting A", neighborsB)
	}

	entities, err := s.Entities()
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}

	if len(entities) != 1 || entities[0].Offset != b.Offset {
		t.Fatalf("Entities = %+v, want only B", entities)
	}

	for _, released := range []string{"KNOWS", "A"} {
		_, found, err := s.str.Find([]byte(released))
		if err != nil {
			t.Fatalf("Find(%q): %v", released, err)
		}

		if found {
			t.Fatalf("Find(%q): still interned after deleting A", released)
		}
	}
}

func TestAddObservation_ThenObsFull(t *testing.T) {
	s := openTemp(t)

	n, err := s.CreateEntity("N", "Thing", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	if err := s.AddObservation(n.Offset, "x", 10); err != nil {
		t.Fatalf("AddObservation x: %v", err)
	}

	if err := s.AddObservation(n.Offset, "y", 11); err != nil {
		t.Fatalf("AddObservation y: %v", err)
	}

	if err := s.AddObservation(n.Offset, "z", 12); err == nil {
		t.Fatalf("AddObservation z: want error, got nil")
	}

	removed, err := s.RemoveObservation(n.Offset, "x", 13)
	if err != nil {
		t.Fatalf("RemoveObservation: %v", err)
	}

	if !removed {
		t.Fatalf("RemoveObservation: want true")
	}
}

func TestRecompute_ReturnsPositiveIterationsOnNonEmptyGraph(t *testing.T) {
	s := openTemp(t)

	a, err := s.CreateEntity("A", "Thing", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity A: %v", err)
	}

	b, err := s.CreateEntity("B", "Thing", 0, false)
	if err != nil {
		t.Fatalf("CreateEntity B: %v", err)
	}

	if err := s.Relate(a.Offset, b.Offset, "LINKS", 0); err != nil {
		t.Fatalf("Relate: %v", err)
	}

	iters, err := s.Recompute(rank.MERWOptions{})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if iters == 0 {
		t.Fatalf("Recompute: want at least one iteration")
	}
}

func TestReopen_SamplesOnceWhenNonEmpty(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.CreateEntity("A", "Thing", 0, false); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entities, err := s2.Entities()
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}

	if len(entities) != 1 {
		t.Fatalf("Entities = %+v, want exactly one", entities)
	}

	rank, err := s2.g.GetStructuralRank(entities[0].Offset)
	if err != nil {
		t.Fatalf("GetStructuralRank: %v", err)
	}

	if rank != 1 {
		t.Fatalf("GetStructuralRank=%v, want 1 after the reopen sampling pass", rank)
	}
}
