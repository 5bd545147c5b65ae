package grid

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownKind = errors.New("unknown grid kind")

// Grid converts between pixel space and grid cells and enumerates neighbours.
type Grid interface {
	CellOf(p Point) Cell
	Snap(p Point) Point
	Neighbors(c Cell) []Cell
	OriginOf(c Cell) Point
}

const (
	KindSquare  = "square"
	KindSquare4 = "square4"
	KindHex     = "hex"
)

// New builds a grid of the named kind with cells of the given pixel size.
func New(kind string, size float64) (Grid, error) {
	if size <= 0 {
		return nil, fmt.Errorf("grid size must be > 0, got %v", size)
	}
	switch kind {
	case KindSquare, "":
		return SquareGrid{Size: size, Diagonals: true}, nil
	case KindSquare4:
		return SquareGrid{Size: size}, nil
	case KindHex:
		return HexGrid{Size: size}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// SquareGrid is a regular square grid. With Diagonals set every cell has eight
// neighbours, otherwise four.
type SquareGrid struct {
	Size      float64
	Diagonals bool
}

var (
	squareOffsets8 = [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	squareOffsets4 = [][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
)

func (g SquareGrid) CellOf(p Point) Cell {
	return Cell{Col: floorDiv(p.X, g.Size), Row: floorDiv(p.Y, g.Size)}
}

func (g SquareGrid) OriginOf(c Cell) Point {
	return Point{X: float64(c.Col) * g.Size, Y: float64(c.Row) * g.Size}
}

func (g SquareGrid) Snap(p Point) Point {
	return Point{
		X: math.Round(p.X/g.Size) * g.Size,
		Y: math.Round(p.Y/g.Size) * g.Size,
	}
}

func (g SquareGrid) Neighbors(c Cell) []Cell {
	offsets := squareOffsets4
	if g.Diagonals {
		offsets = squareOffsets8
	}
	out := make([]Cell, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, Cell{Col: c.Col + o[0], Row: c.Row + o[1]})
	}
	return out
}

// HexGrid is a pointy-top hex grid in "odd-r" offset layout: odd rows are
// shifted right by half a column. Size is the column width in pixels; origins
// are the top-left corners of each hexagon's bounding box.
type HexGrid struct {
	Size float64
}

var (
	hexOffsetsEven = [][2]int{{1, 0}, {0, -1}, {-1, -1}, {-1, 0}, {-1, 1}, {0, 1}}
	hexOffsetsOdd  = [][2]int{{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {0, 1}, {1, 1}}
)

func (g HexGrid) height() float64 {
	return g.Size * 2 / math.Sqrt(3)
}

func (g HexGrid) rowStep() float64 {
	return g.height() * 0.75
}

func (g HexGrid) shift(row int) float64 {
	if row&1 == 1 {
		return g.Size / 2
	}
	return 0
}

func (g HexGrid) CellOf(p Point) Cell {
	row := floorDiv(p.Y, g.rowStep())
	return Cell{Col: floorDiv(p.X-g.shift(row), g.Size), Row: row}
}

func (g HexGrid) OriginOf(c Cell) Point {
	return Point{X: float64(c.Col)*g.Size + g.shift(c.Row), Y: float64(c.Row) * g.rowStep()}
}

func (g HexGrid) Snap(p Point) Point {
	row := int(math.Round(p.Y / g.rowStep()))
	col := int(math.Round((p.X - g.shift(row)) / g.Size))
	return g.OriginOf(Cell{Col: col, Row: row})
}

func (g HexGrid) Neighbors(c Cell) []Cell {
	offsets := hexOffsetsEven
	if c.Row&1 == 1 {
		offsets = hexOffsetsOdd
	}
	out := make([]Cell, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, Cell{Col: c.Col + o[0], Row: c.Row + o[1]})
	}
	return out
}
