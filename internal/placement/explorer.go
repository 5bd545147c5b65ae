package placement

import (
	"github.com/zyedidia/generic/mapset"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
)

// Explorer yields grid-aligned candidate points in rings of increasing
// neighbour distance around an origin. It is lazy: ring k+1 is only computed
// once ring k has been consumed. An Explorer is single use.
type Explorer struct {
	grid    grid.Grid
	origin  grid.Point
	rings   int
	visited mapset.Set[string]

	frontier []grid.Cell
	pending  []grid.Point
	ring     int
	last     int
	started  bool
}

// NewExplorer returns an explorer expanding at most rings rings from origin.
// A negative rings is treated as zero.
func NewExplorer(g grid.Grid, origin grid.Point, rings int) *Explorer {
	return &Explorer{
		grid:    g,
		origin:  origin,
		rings:   max(rings, 0),
		visited: mapset.New[string](),
	}
}

// Next returns the next candidate, or false when the traversal is exhausted.
func (e *Explorer) Next() (grid.Point, bool) {
	if !e.started {
		e.start()
		e.last = 0
		return e.origin, true
	}

	for len(e.pending) == 0 {
		if !e.expand() {
			return grid.Point{}, false
		}
	}

	p := e.pending[0]
	e.pending = e.pending[1:]
	e.last = e.ring
	return p, true
}

// Ring reports the ring of the point most recently returned by Next. The seed
// and its snapped alternative are ring 0.
func (e *Explorer) Ring() int {
	return e.last
}

// start marks the seed cell and, when snapping moves the seed into another
// cell, queues the snapped point and continues from there.
func (e *Explorer) start() {
	e.started = true

	seed := e.grid.CellOf(e.origin)
	e.visited.Put(grid.CellKey(seed))

	snapped := e.grid.Snap(e.origin)
	snappedCell := e.grid.CellOf(snapped)
	if snappedCell != seed {
		e.visited.Put(grid.CellKey(snappedCell))
		e.pending = append(e.pending, snapped)
		e.frontier = []grid.Cell{snappedCell}
		return
	}
	e.frontier = []grid.Cell{seed}
}

// expand computes the next ring. It returns false once the ring limit is
// reached or the previous ring produced no unvisited neighbours.
func (e *Explorer) expand() bool {
	if e.ring >= e.rings || len(e.frontier) == 0 {
		return false
	}
	e.ring++

	var next []grid.Cell
	for _, c := range e.frontier {
		for _, n := range e.grid.Neighbors(c) {
			key := grid.CellKey(n)
			if e.visited.Has(key) {
				continue
			}
			e.visited.Put(key)
			next = append(next, n)
			e.pending = append(e.pending, e.grid.OriginOf(n))
		}
	}
	e.frontier = next
	return len(next) > 0
}
