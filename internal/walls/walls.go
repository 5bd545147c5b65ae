package walls

import (
	"errors"
	"sort"
	"sync"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
)

var (
	ErrWallNotFound = errors.New("wall not found")
	ErrMissingID    = errors.New("wall id required")
	ErrNotDoor      = errors.New("wall is not a door")
	ErrInvalidDoor  = errors.New("unknown door state")
)

// Restriction is how a wall treats movement.
type Restriction int

const (
	MoveNone Restriction = iota
	MoveNormal
)

type DoorState int

const (
	DoorNone DoorState = iota
	DoorClosed
	DoorOpen
	DoorLocked
)

type Wall struct {
	ID   string      `json:"id"`
	A    grid.Point  `json:"a"`
	B    grid.Point  `json:"b"`
	Move Restriction `json:"move"`
	Door DoorState   `json:"door,omitempty"`
}

// BlocksMovement reports whether the wall stops anything moving through it.
func (w Wall) BlocksMovement() bool {
	return w.Move != MoveNone && w.Door != DoorOpen
}

// Store persists the walls of one scene.
type Store interface {
	Put(w Wall) error
	Remove(id string) error
	// SetDoor changes the door state of a wall and returns the updated wall.
	SetDoor(id string, state DoorState) (Wall, error)
	Get(id string) (Wall, error)
	List() ([]Wall, error)
}

// Set holds the walls of one scene in memory. It is both a Store and the
// collision test used during placement.
type Set struct {
	mu    sync.RWMutex
	walls map[string]Wall
}

func NewSet() *Set {
	return &Set{walls: make(map[string]Wall)}
}

// NewSetOf builds a Set holding ws, typically a snapshot read from a Store.
func NewSetOf(ws []Wall) *Set {
	s := NewSet()
	for _, w := range ws {
		s.walls[w.ID] = w
	}
	return s
}

// Put adds or replaces a wall.
func (s *Set) Put(w Wall) error {
	if w.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walls[w.ID] = w
	return nil
}

func (s *Set) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.walls[id]; !ok {
		return ErrWallNotFound
	}
	delete(s.walls, id)
	return nil
}

func (s *Set) SetDoor(id string, state DoorState) (Wall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.walls[id]
	if !ok {
		return Wall{}, ErrWallNotFound
	}
	w.Door = state
	s.walls[id] = w
	return w, nil
}

func (s *Set) Get(id string) (Wall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.walls[id]
	if !ok {
		return Wall{}, ErrWallNotFound
	}
	return w, nil
}

func (s *Set) List() ([]Wall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Wall, 0, len(s.walls))
	for _, w := range s.walls {
		out = append(out, w)
	}
	sortWalls(out)
	return out, nil
}

func sortWalls(ws []Wall) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
}

// Blocked reports whether moving in a straight line from a to b crosses any
// wall that blocks movement. Touching a wall endpoint counts as crossing.
func (s *Set) Blocked(a, b grid.Point) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.walls {
		if w.BlocksMovement() && segmentsIntersect(a, b, w.A, w.B) {
			return true
		}
	}
	return false
}

func orient(a, b, c grid.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func sign(v float64) int {
	switch {
	case v > grid.Epsilon:
		return 1
	case v < -grid.Epsilon:
		return -1
	}
	return 0
}

func onSegment(a, b, p grid.Point) bool {
	return min(a.X, b.X) <= p.X && p.X <= max(a.X, b.X) &&
		min(a.Y, b.Y) <= p.Y && p.Y <= max(a.Y, b.Y)
}

func segmentsIntersect(p1, p2, q1, q2 grid.Point) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}
