package placement

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/logger"
)

// OccupantIndex answers "what occupies this rectangle?" for one layer.
type OccupantIndex interface {
	Overlapping(r grid.Rect) ([]string, error)
}

// WallTester reports whether movement between two points is blocked.
type WallTester interface {
	Blocked(a, b grid.Point) bool
}

// DebugDrawer receives every rectangle tested when visualisation is enabled.
type DebugDrawer interface {
	DrawRect(r grid.Rect)
}

const (
	DefaultSearchRange = 6
	// MaxSearchRange caps ring counts taken from requests and settings. A
	// search visits on the order of range squared cells.
	MaxSearchRange = 50
	DefaultInset   = 10.0
)

// Options configures a Search. Start from DefaultOptions.
type Options struct {
	// AvoidWalls rejects candidates whose centre cannot be reached from the
	// original centre without crossing a movement-blocking wall.
	AvoidWalls bool
	// SearchRange is the number of rings expanded before giving up.
	SearchRange int
	// Layers are queried in order; a candidate is clear only when every layer
	// reports no overlap. nil means the primary layer of the Env; an empty
	// non-nil slice means no layers, so every candidate is clear.
	Layers []OccupantIndex
	// Visualize draws each tested rectangle on Env.Debug.
	Visualize bool
	// Inset shrinks the tested rectangle on every side so that tokens which
	// merely touch are not treated as overlapping.
	Inset float64
}

func DefaultOptions() Options {
	return Options{
		AvoidWalls:  true,
		SearchRange: DefaultSearchRange,
		Inset:       DefaultInset,
	}
}

// Env bundles the collaborators a search reads from. Only Grid is required.
type Env struct {
	Grid    grid.Grid
	Primary OccupantIndex
	Walls   WallTester
	Debug   DebugDrawer
	Log     *logrus.Entry
}

// Search finds the nearest free grid-aligned origin for a footprint.
type Search struct {
	env       Env
	footprint grid.Rect
	opts      Options
	layers    []OccupantIndex
}

// New prepares a search. It never fails: a negative SearchRange is treated as
// zero, so only the seed and its snapped position are tested.
func New(env Env, footprint grid.Rect, opts Options) *Search {
	if env.Log == nil {
		env.Log = logger.Component("placement")
	}
	if opts.SearchRange < 0 {
		env.Log.WithField("search_range", opts.SearchRange).Warn("negative search range, testing seed only")
		opts.SearchRange = 0
	}

	layers := opts.Layers
	if layers == nil && env.Primary != nil {
		layers = []OccupantIndex{env.Primary}
	}

	return &Search{
		env:       env,
		footprint: footprint,
		opts:      opts,
		layers:    layers,
	}
}

// Find walks the candidates ring by ring and returns the first origin at
// which the footprint is clear. The bool is false when no candidate within
// range is clear; the error is set only when a collaborator fails.
func (s *Search) Find() (grid.Point, bool, error) {
	ex := NewExplorer(s.env.Grid, s.footprint.Origin(), s.opts.SearchRange)
	origin := s.footprint.Center()
	tested := 0

	for {
		candidate, more := ex.Next()
		if !more {
			break
		}
		tested++

		free, err := s.SpaceClear(candidate)
		if err != nil {
			return grid.Point{}, false, err
		}
		if !free {
			continue
		}
		if s.wallBlocks(origin, candidate) {
			continue
		}

		s.env.Log.WithFields(logrus.Fields{
			"x":      candidate.X,
			"y":      candidate.Y,
			"ring":   ex.Ring(),
			"tested": tested,
		}).Debug("placement found")
		return candidate, true, nil
	}

	s.env.Log.WithFields(logrus.Fields{
		"x":      s.footprint.X,
		"y":      s.footprint.Y,
		"range":  s.opts.SearchRange,
		"tested": tested,
	}).Debug("no free placement in range")
	return grid.Point{}, false, nil
}

// SpaceClear reports whether the footprint placed at p overlaps nothing on any
// configured layer.
func (s *Search) SpaceClear(p grid.Point) (bool, error) {
	r := s.footprint.At(p).Inset(s.opts.Inset)
	if s.opts.Visualize && s.env.Debug != nil {
		s.env.Debug.DrawRect(r)
	}

	for i, layer := range s.layers {
		hits, err := layer.Overlapping(r)
		if err != nil {
			return false, fmt.Errorf("query layer %d: %w", i, err)
		}
		if len(hits) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Search) wallBlocks(origin, candidate grid.Point) bool {
	if !s.opts.AvoidWalls || s.env.Walls == nil {
		return false
	}
	return s.env.Walls.Blocked(origin, s.footprint.At(candidate).Center())
}
