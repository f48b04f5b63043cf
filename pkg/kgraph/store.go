// Package kgraph is the composition root that ties [arena], [strtable],
// [graph], and [rank] together into one handle: a persistent, embedded
// knowledge-graph store.
//
// Grounded on the registry/handle composition pattern of the teacher's
// pkg/slotcache.Cache (one struct owning fd + mmap + registry entry + lock
// path) and the lock-ordering discipline documented in pkg/slotcache/lock.go,
// generalized from one cache file to a pair of files that must be locked,
// refreshed, mutated, synced, and unlocked together.
package kgraph

import (
	"fmt"
	"path/filepath"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
	"github.com/Levalicious/server-memory-sub000/pkg/kgerr"
	"github.com/Levalicious/server-memory-sub000/pkg/rank"
	"github.com/Levalicious/server-memory-sub000/pkg/strtable"
)

const (
	stringsFileName = "strings.kgs"
	graphFileName   = "graph.kgs"
)

// Options configures [Open].
type Options struct {
	// Damping is the random-surfer / MERW teleport complement. Zero selects
	// [rank.DefaultDamping].
	Damping float64

	// Logger receives lifecycle and per-operation diagnostics. A nil Logger
	// discards everything.
	Logger *Logger
}

// Store composes one string table and one graph file living in the same
// directory, and wraps every mutating operation in the lock -> refresh ->
// mutate -> sync -> unlock envelope required of a multi-process-safe
// embedded store.
//
// Store is not safe for concurrent use by multiple goroutines; callers that
// share one Store across goroutines must serialize themselves. Only the
// cross-process advisory lock is built in.
type Store struct {
	str     *strtable.Table
	g       *graph.Graph
	damping float64
	log     *Logger
}

// Open opens or creates the store's two files under dir, migrating the
// graph file if it is a v1 layout, and running one structural-sampling
// iteration if the graph is already non-empty.
func Open(dir string, opts Options) (*Store, error) {
	log := opts.Logger

	str, err := strtable.Open(filepath.Join(dir, stringsFileName))
	if err != nil {
		log.Errorf("open string table under %s: %v", dir, err)
		return nil, fmt.Errorf("kgraph: open string table: %w", err)
	}

	g, err := graph.Open(filepath.Join(dir, graphFileName), str)
	if err != nil {
		_ = str.Close()
		log.Errorf("open graph file under %s: %v", dir, err)

		return nil, fmt.Errorf("kgraph: open graph file: %w", err)
	}

	s := &Store{str: str, g: g, damping: opts.Damping, log: log}

	count, err := g.GetEntityCount()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	log.Infof("opened store dir=%s entities=%d", dir, count)

	if count > 0 {
		if err := s.withExclusive(s.sampleOnce); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) sampleOnce() error {
	if s.damping == 0 {
		return rank.StructuralSample(s.g, 1)
	}

	return rank.NewSurfer(s.g, s.damping, nil).StructuralSample(1)
}

// withExclusive runs fn under the §5 exclusive-lock envelope: lock both
// files, refresh both mappings, run fn, sync both files, unlock both — in
// that order, always unlocking even if fn or sync fails.
func (s *Store) withExclusive(fn func() error) error {
	if err := s.str.LockExclusive(); err != nil {
		return fmt.Errorf("kgraph: lock string table: %w", err)
	}

	defer func() { _ = s.str.Unlock() }()

	if err := s.g.LockExclusive(); err != nil {
		return fmt.Errorf("kgraph: lock graph file: %w", err)
	}

	defer func() { _ = s.g.Unlock() }()

	if err := s.str.Refresh(); err != nil {
		return fmt.Errorf("kgraph: refresh string table: %w", err)
	}

	if err := s.g.Refresh(); err != nil {
		return fmt.Errorf("kgraph: refresh graph file: %w", err)
	}

	if err := fn(); err != nil {
		return err
	}

	if err := s.str.Sync(); err != nil {
		return fmt.Errorf("kgraph: sync string table: %w", err)
	}

	if err := s.g.Sync(); err != nil {
		return fmt.Errorf("kgraph: sync graph file: %w", err)
	}

	return nil
}

// withShared runs fn under the §5 shared-lock envelope for read-only
// sequences.
func (s *Store) withShared(fn func() error) error {
	if err := s.str.LockShared(); err != nil {
		return fmt.Errorf("kgraph: lock string table: %w", err)
	}

	defer func() { _ = s.str.Unlock() }()

	if err := s.g.LockShared(); err != nil {
		return fmt.Errorf("kgraph: lock graph file: %w", err)
	}

	defer func() { _ = s.g.Unlock() }()

	if err := s.str.Refresh(); err != nil {
		return fmt.Errorf("kgraph: refresh string table: %w", err)
	}

	if err := s.g.Refresh(); err != nil {
		return fmt.Errorf("kgraph: refresh graph file: %w", err)
	}

	return fn()
}

// CreateEntity interns name/entityType, allocates a new entity record, and
// samples one structural-PageRank iteration.
func (s *Store) CreateEntity(name, entityType string, mtime uint64, hasObsMtime bool) (graph.Record, error) {
	var rec graph.Record

	err := s.withExclusive(func() error {
		var err error

		rec, err = s.g.CreateEntity(name, entityType, mtime, hasObsMtime)
		if err != nil {
			return err
		}

		return s.sampleOnce()
	})

	if err == nil {
		s.log.Debugf("created entity %q type=%q offset=%d", name, entityType, rec.Offset)
	}

	return rec, err
}

// DeleteEntity removes every edge copy offset's own adjacency block holds —
// releasing that copy's rel_type_id reference and removing its mirror on
// the other side, which also releases a reference — before deleting the
// entity itself. Both the forward and backward copies of every relation
// touching offset live somewhere in offset's own block (a relation a->b
// stores its forward copy on a and its backward copy on b; from either
// endpoint's perspective, its own block holds one copy of every relation it
// participates in), so this single scan suffices without visiting every
// other entity.
func (s *Store) DeleteEntity(offset uint64) error {
	err := s.withExclusive(func() error {
		edges, err := s.g.GetEdges(offset)
		if err != nil {
			return err
		}

		for _, e := range edges {
			mirrorDir := oppositeDir(e.Dir)

			removed, err := s.g.RemoveEdge(e.Target, offset, e.RelTypeID, mirrorDir)
			if err != nil {
				return err
			}

			if removed {
				if err := s.str.Release(uint64(e.RelTypeID)); err != nil {
					return err
				}
			}

			removedOwn, err := s.g.RemoveEdge(offset, e.Target, e.RelTypeID, e.Dir)
			if err != nil {
				return err
			}

			if removedOwn {
				if err := s.str.Release(uint64(e.RelTypeID)); err != nil {
					return err
				}
			}
		}

		if err := s.g.DeleteEntity(offset); err != nil {
			return err
		}

		return s.sampleOnce()
	})

	if err == nil {
		s.log.Debugf("deleted entity offset=%d", offset)
	}

	return err
}

func oppositeDir(d uint8) uint8 {
	switch d {
	case graph.DirForward:
		return graph.DirBackward
	case graph.DirBackward:
		return graph.DirForward
	default:
		return d
	}
}

// AddObservation adds an observation to offset.
func (s *Store) AddObservation(offset uint64, text string, mtime uint64) error {
	return s.withExclusive(func() error {
		return s.g.AddObservation(offset, text, mtime)
	})
}

// RemoveObservation removes an observation from offset, reporting whether a
// removal occurred.
func (s *Store) RemoveObservation(offset uint64, text string, mtime uint64) (bool, error) {
	var removed bool

	err := s.withExclusive(func() error {
		var err error
		removed, err = s.g.RemoveObservation(offset, text, mtime)
		return err
	})

	return removed, err
}

// Relate interns relType once per stored copy and adds the forward
// (from -> to) and backward (to -> from) edge pair atomically under one
// exclusive-lock envelope, keeping each copy's own refcount on relType.
func (s *Store) Relate(from, to uint64, relType string, mtime uint64) error {
	err := s.withExclusive(func() error {
		forwardID, err := s.str.Intern([]byte(relType))
		if err != nil {
			return err
		}

		if err := s.g.AddEdge(from, graph.AdjEntry{Target: to, Dir: graph.DirForward, RelTypeID: uint32(forwardID), Mtime: mtime}); err != nil {
			return err
		}

		backwardID, err := s.str.Intern([]byte(relType))
		if err != nil {
			return err
		}

		if err := s.g.AddEdge(to, graph.AdjEntry{Target: from, Dir: graph.DirBackward, RelTypeID: uint32(backwardID), Mtime: mtime}); err != nil {
			return err
		}

		return s.sampleOnce()
	})

	if err == nil {
		s.log.Debugf("related %d -(%s)-> %d", from, relType, to)
	}

	return err
}

// Unrelate removes both the forward and backward copies of a relation,
// releasing each copy's owned rel_type_id reference.
func (s *Store) Unrelate(from, to uint64, relType string) error {
	err := s.withExclusive(func() error {
		relID, found, err := s.str.Find([]byte(relType))
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("kgraph: unrelate: relation %q: %w", relType, kgerr.ErrNotFound)
		}

		removedForward, err := s.g.RemoveEdge(from, to, uint32(relID), graph.DirForward)
		if err != nil {
			return err
		}

		if removedForward {
			if err := s.str.Release(relID); err != nil {
				return err
			}
		}

		removedBackward, err := s.g.RemoveEdge(to, from, uint32(relID), graph.DirBackward)
		if err != nil {
			return err
		}

		if removedBackward {
			if err := s.str.Release(relID); err != nil {
				return err
			}
		}

		return s.sampleOnce()
	})

	if err == nil {
		s.log.Debugf("unrelated %d -(%s)-> %d", from, relType, to)
	}

	return err
}

// Entity reads a single entity record under a shared-lock envelope.
func (s *Store) Entity(offset uint64) (graph.Record, error) {
	var rec graph.Record

	err := s.withShared(func() error {
		var err error
		rec, err = s.g.ReadEntity(offset)
		return err
	})

	return rec, err
}

// Entities returns every live entity record.
func (s *Store) Entities() ([]graph.Record, error) {
	var out []graph.Record

	err := s.withShared(func() error {
		offsets, err := s.g.GetAllEntityOffsets()
		if err != nil {
			return err
		}

		out = make([]graph.Record, 0, len(offsets))

		for _, off := range offsets {
			rec, err := s.g.ReadEntity(off)
			if err != nil {
				return err
			}

			out = append(out, rec)
		}

		return nil
	})

	return out, err
}

// EntityCount returns the number of live entities.
func (s *Store) EntityCount() (uint32, error) {
	var count uint32

	err := s.withShared(func() error {
		var err error
		count, err = s.g.GetEntityCount()
		return err
	})

	return count, err
}

// Neighbors returns offset's adjacency entries.
func (s *Store) Neighbors(offset uint64) ([]graph.AdjEntry, error) {
	var edges []graph.AdjEntry

	err := s.withShared(func() error {
		var err error
		edges, err = s.g.GetEdges(offset)
		return err
	})

	return edges, err
}

// EntityName resolves an entity's interned name to a string.
func (s *Store) EntityName(rec graph.Record) (string, error) {
	var name string

	err := s.withShared(func() error {
		var err error
		name, err = s.internedString(uint64(rec.NameID))
		return err
	})

	return name, err
}

// EntityType resolves an entity's interned type to a string.
func (s *Store) EntityType(rec graph.Record) (string, error) {
	var typ string

	err := s.withShared(func() error {
		var err error
		typ, err = s.internedString(uint64(rec.TypeID))
		return err
	})

	return typ, err
}

// Observations resolves an entity's (up to two) interned observation
// strings, in slot order.
func (s *Store) Observations(rec graph.Record) ([]string, error) {
	var obs []string

	err := s.withShared(func() error {
		ids := []uint32{}

		if rec.ObsCount >= 1 {
			ids = append(ids, rec.Obs0ID)
		}

		if rec.ObsCount >= 2 {
			ids = append(ids, rec.Obs1ID)
		}

		obs = make([]string, 0, len(ids))

		for _, id := range ids {
			text, err := s.internedString(uint64(id))
			if err != nil {
				return err
			}

			obs = append(obs, text)
		}

		return nil
	})

	return obs, err
}

// RelationName resolves a relation type id to a string.
func (s *Store) RelationName(relTypeID uint32) (string, error) {
	var name string

	err := s.withShared(func() error {
		var err error
		name, err = s.internedString(uint64(relTypeID))
		return err
	})

	return name, err
}

// FindEntity looks up the first live entity whose interned name equals
// name, for name-addressed CLI/REPL use. Offsets are the addressing scheme
// everywhere else in this package; this is the one place that bridges the
// two because operators don't type offsets.
func (s *Store) FindEntity(name string) (graph.Record, bool, error) {
	var (
		rec   graph.Record
		found bool
	)

	err := s.withShared(func() error {
		offsets, err := s.g.GetAllEntityOffsets()
		if err != nil {
			return err
		}

		for _, off := range offsets {
			candidate, err := s.g.ReadEntity(off)
			if err != nil {
				return err
			}

			candidateName, err := s.internedString(uint64(candidate.NameID))
			if err != nil {
				return err
			}

			if candidateName == name {
				rec, found = candidate, true
				return nil
			}
		}

		return nil
	})

	return rec, found, err
}

func (s *Store) internedString(id uint64) (string, error) {
	b, err := s.str.Get(id)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// StructuralSample runs iterations random-surfer sampling passes under an
// exclusive lock, using the store's configured damping (or [rank.DefaultDamping]
// when unset).
func (s *Store) StructuralSample(iterations int) error {
	err := s.withExclusive(func() error {
		for i := 0; i < iterations; i++ {
			if err := s.sampleOnce(); err != nil {
				return err
			}
		}

		return nil
	})

	if err == nil {
		s.log.Infof("structural sample: %d iterations", iterations)
	}

	return err
}

// Recompute runs MERW power iteration under an exclusive lock and returns
// the iteration count actually performed.
func (s *Store) Recompute(opts rank.MERWOptions) (int, error) {
	var iters int

	if opts.Damping == 0 {
		opts.Damping = s.damping
	}

	err := s.withExclusive(func() error {
		var err error
		iters, err = rank.MERWIterate(s.g, opts)
		return err
	})

	if err != nil {
		s.log.Warnf("recompute did not converge cleanly: %v", err)
	} else {
		s.log.Infof("recompute: converged after %d iterations", iters)
	}

	return iters, err
}

// Close closes both underlying files. The graph file is closed first since
// it does not own the string table's lifecycle.
func (s *Store) Close() error {
	gerr := s.g.Close()
	serr := s.str.Close()

	if gerr != nil {
		s.log.Errorf("close graph file: %v", gerr)
		return gerr
	}

	if serr != nil {
		s.log.Errorf("close string table: %v", serr)
		return serr
	}

	s.log.Debugf("closed store")

	return nil
}
