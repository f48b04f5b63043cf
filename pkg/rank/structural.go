// Package rank implements the two ranking kernels that sit on top of a
// [graph.Graph]: incremental structural PageRank via random-surfer sampling,
// and the batch MERW (Maximum-Entropy Random Walk) power iteration.
//
// Neither kernel touches the string table; both operate purely on entity
// offsets and forward adjacency, grounded on the same plain-numeric-Go style
// as the rest of this module (no BLAS or sparse-matrix dependency — see
// DESIGN.md).
package rank

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
)

// DefaultDamping is the default random-surfer / MERW teleport complement α.
const DefaultDamping = 0.85

// Surfer drives structural-PageRank sampling over a graph.
type Surfer struct {
	g      *graph.Graph
	damping float64
	rng    *rand.Rand
}

// NewSurfer builds a Surfer with the given damping factor. A damping of 0
// selects [DefaultDamping]. A nil rng seeds its own source from the current
// time.
func NewSurfer(g *graph.Graph, damping float64, rng *rand.Rand) *Surfer {
	if damping == 0 {
		damping = DefaultDamping
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Surfer{g: g, damping: damping, rng: rng}
}

// StructuralSample runs iterations random walks against g using
// [DefaultDamping] and a time-seeded source. It is the entry point the store
// facade calls after every structural mutation and once at open.
func StructuralSample(g *graph.Graph, iterations int) error {
	return NewSurfer(g, DefaultDamping, nil).StructuralSample(iterations)
}

// StructuralSample runs iterations random walks, one starting at every
// entity currently in the node log per iteration.
func (s *Surfer) StructuralSample(iterations int) error {
	for i := 0; i < iterations; i++ {
		if err := s.sampleOnce(); err != nil {
			return fmt.Errorf("rank: structural sample #%d: %w", i, err)
		}
	}

	return nil
}

func (s *Surfer) sampleOnce() error {
	offsets, err := s.g.GetAllEntityOffsets()
	if err != nil {
		return err
	}

	for _, off := range offsets {
		if err := s.walk(off); err != nil {
			return err
		}
	}

	return nil
}

// walk performs one random-surfer walk starting at offset: visit, then with
// probability damping follow a uniformly chosen forward edge and recurse;
// otherwise (or when there are no forward edges) terminate.
func (s *Surfer) walk(offset uint64) error {
	for {
		if err := s.g.IncrementStructuralVisit(offset); err != nil {
			return err
		}

		if s.rng.Float64() >= s.damping {
			return nil
		}

		next, ok, err := s.randomForwardTarget(offset)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		offset = next
	}
}

func (s *Surfer) randomForwardTarget(offset uint64) (uint64, bool, error) {
	edges, err := s.g.GetEdges(offset)
	if err != nil {
		return 0, false, err
	}

	forward := edges[:0:0]

	for _, e := range edges {
		if e.Dir == graph.DirForward {
			forward = append(forward, e)
		}
	}

	if len(forward) == 0 {
		return 0, false, nil
	}

	pick := forward[s.rng.Intn(len(forward))]

	return pick.Target, true, nil
}
