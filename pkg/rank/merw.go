package rank

import (
	"fmt"
	"math"

	"github.com/Levalicious/server-memory-sub000/pkg/graph"
)

// MERWOptions bundles the tunables of [MERWIterate]; a zero value selects
// this package's defaults.
type MERWOptions struct {
	Damping float64
	MaxIter int
	Tol     float64
}

func (p MERWOptions) withDefaults() MERWOptions {
	if p.Damping == 0 {
		p.Damping = DefaultDamping
	}

	if p.MaxIter == 0 {
		p.MaxIter = 200
	}

	if p.Tol == 0 {
		p.Tol = 1e-8
	}

	return p
}

// MERWIterate runs the Maximum-Entropy Random Walk power iteration over g's
// current entity set and forward adjacency, writing the converged
// eigenvector component back to each entity's psi field. Returns the number
// of iterations actually performed.
func MERWIterate(g *graph.Graph, params MERWOptions) (int, error) {
	params = params.withDefaults()

	offsets, err := g.GetAllEntityOffsets()
	if err != nil {
		return 0, err
	}

	n := len(offsets)
	if n == 0 {
		return 0, nil
	}

	index := make(map[uint64]int, n)
	for i, off := range offsets {
		index[off] = i
	}

	// adj[j] lists the source indices i with a forward edge i -> j, matching
	// the iteration's Sigma_{i->j} psi_i term.
	adj := make([][]int, n)

	for i, off := range offsets {
		edges, err := g.GetEdges(off)
		if err != nil {
			return 0, fmt.Errorf("rank: merw: get edges for entity %d: %w", off, err)
		}

		for _, e := range edges {
			if e.Dir != graph.DirForward {
				continue
			}

			j, ok := index[e.Target]
			if !ok {
				continue
			}

			adj[j] = append(adj[j], i)
		}
	}

	psi := make([]float64, n)

	sum := 0.0
	nonZero := 0

	for i, off := range offsets {
		rec, err := g.ReadEntity(off)
		if err != nil {
			return 0, err
		}

		psi[i] = rec.Psi

		if rec.Psi != 0 {
			sum += rec.Psi
			nonZero++
		}
	}

	switch {
	case nonZero == 0:
		init := 1 / math.Sqrt(float64(n))
		for i := range psi {
			psi[i] = init
		}
	case nonZero < n:
		mean := sum / float64(nonZero)
		for i := range psi {
			if psi[i] == 0 {
				psi[i] = mean
			}
		}
	}

	l2Normalize(psi)

	teleport := (1 - params.Damping) / float64(n)

	next := make([]float64, n)

	iter := 0

	for ; iter < params.MaxIter; iter++ {
		teleportMass := 0.0
		for _, v := range psi {
			teleportMass += v
		}

		teleportMass *= teleport

		for j := range next {
			acc := 0.0
			for _, i := range adj[j] {
				acc += psi[i]
			}

			next[j] = params.Damping*acc + teleportMass
		}

		l2Normalize(next)

		diff := l2Distance(next, psi)

		copy(psi, next)

		if diff < params.Tol {
			iter++
			break
		}
	}

	for i := range psi {
		if psi[i] < 0 {
			psi[i] = 0
		}
	}

	for i, off := range offsets {
		if err := g.SetPsi(off, psi[i]); err != nil {
			return 0, err
		}
	}

	return iter, nil
}

func l2Normalize(v []float64) {
	sumSq := 0.0
	for _, x := range v {
		sumSq += x * x
	}

	if sumSq == 0 {
		return
	}

	norm := math.Sqrt(sumSq)
	for i := range v {
		v[i] /= norm
	}
}

func l2Distance(a, b []float64) float64 {
	sumSq := 0.0
	for i := range a {
		d := a[i] - b[i]
		sumSq += d * d
	}

	return math.Sqrt(sumSq)
}
