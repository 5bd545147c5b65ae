package grid

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Point is a position in canvas pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Cell identifies a discrete grid position.
type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Rect is an axis-aligned rectangle given by its top-left origin and size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Origin returns the top-left corner.
func (r Rect) Origin() Point {
	return Point{X: r.X, Y: r.Y}
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// At returns a copy of r moved to origin p.
func (r Rect) At(p Point) Rect {
	r.X, r.Y = p.X, p.Y
	return r
}

// Inset shrinks the rectangle by m on every side.
func (r Rect) Inset(m float64) Rect {
	return Rect{X: r.X + m, Y: r.Y + m, Width: r.Width - 2*m, Height: r.Height - 2*m}
}

// Overlaps reports whether the interiors of r and o intersect. Rectangles that
// only share an edge do not overlap.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// GenerateID returns a short random identifier with the given prefix.
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id[:16]
}

// CellKey encodes a cell as "col.row".
func CellKey(c Cell) string {
	return strconv.Itoa(c.Col) + "." + strconv.Itoa(c.Row)
}

// Epsilon absorbs float error in pixel arithmetic, e.g. a point landing
// exactly on a cell boundary.
const Epsilon = 1e-9

func floorDiv(v, size float64) int {
	return int(math.Floor(v/size + Epsilon))
}
