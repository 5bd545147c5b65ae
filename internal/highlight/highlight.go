package highlight

import (
	"sort"
	"sync"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/placement"
)

// DebugLayer is the overlay layer that placement visualisation draws on.
const DebugLayer = "placement-debug"

var DefaultPalette = []string{"#ff4500", "#ffa500", "#ffd700", "#9acd32", "#20b2aa", "#4169e1"}

// Ring is one band of highlighted cells at a fixed neighbour distance.
type Ring struct {
	Index  int          `json:"index"`
	Color  string       `json:"color"`
	Points []grid.Point `json:"points"`
}

// Rings groups the cells within n rings of origin by ring, colouring each ring
// from palette in order and wrapping around when there are more rings than
// colours.
func Rings(g grid.Grid, origin grid.Point, n int, palette []string) []Ring {
	if len(palette) == 0 {
		palette = DefaultPalette
	}

	ex := placement.NewExplorer(g, origin, n)
	var out []Ring
	for {
		p, ok := ex.Next()
		if !ok {
			break
		}
		k := ex.Ring()
		for len(out) <= k {
			out = append(out, Ring{Index: len(out), Color: palette[len(out)%len(palette)]})
		}
		out[k].Points = append(out[k].Points, p)
	}
	return out
}

// Shape is a drawn highlight: either a ring band or a debug rectangle.
type Shape struct {
	Ring *Ring      `json:"ring,omitempty"`
	Rect *grid.Rect `json:"rect,omitempty"`
}

// Overlay holds the named highlight layers of one scene.
type Overlay struct {
	mu     sync.RWMutex
	layers map[string][]Shape
}

func NewOverlay() *Overlay {
	return &Overlay{layers: make(map[string][]Shape)}
}

// DrawRings replaces the contents of layer with rings.
func (o *Overlay) DrawRings(layer string, rings []Ring) {
	shapes := make([]Shape, 0, len(rings))
	for i := range rings {
		r := rings[i]
		shapes = append(shapes, Shape{Ring: &r})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.layers[layer] = shapes
}

// DrawRect appends a rectangle to the debug layer.
func (o *Overlay) DrawRect(r grid.Rect) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.layers[DebugLayer] = append(o.layers[DebugLayer], Shape{Rect: &r})
}

func (o *Overlay) Clear(layer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.layers, layer)
}

func (o *Overlay) Layer(layer string) []Shape {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Shape(nil), o.layers[layer]...)
}

func (o *Overlay) Layers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.layers))
	for name := range o.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ placement.DebugDrawer = (*Overlay)(nil)
