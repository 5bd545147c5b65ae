package occupancy

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/zyedidia/generic/mapset"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
)

var (
	ErrOccupantNotFound = errors.New("occupant not found")
	ErrOccupantExists   = errors.New("occupant already placed")
	ErrMissingID        = errors.New("occupant id required")
)

// Occupant is anything placed on a scene layer: a token, a tile, a template.
type Occupant struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Owner  string    `json:"owner,omitempty"`
	Bounds grid.Rect `json:"bounds"`
}

// Index is the set of occupants of one scene layer.
type Index interface {
	Place(o Occupant) error
	Get(id string) (Occupant, error)
	Move(id string, bounds grid.Rect) error
	Remove(id string) error
	List() ([]Occupant, error)
	// Overlapping returns the IDs of occupants whose bounds overlap r, sorted.
	Overlapping(r grid.Rect) ([]string, error)
}

// Store hands out the index for a scene layer, creating it on first use.
type Store interface {
	Layer(sceneID, layer string) Index
}

type MemStore struct {
	mu         sync.Mutex
	bucketSize float64
	layers     map[string]*MemIndex
}

func NewMemStore(bucketSize float64) Store {
	return &MemStore{
		bucketSize: bucketSize,
		layers:     make(map[string]*MemIndex),
	}
}

func (s *MemStore) Layer(sceneID, layer string) Index {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := layerKey(sceneID, layer)
	idx, ok := s.layers[key]
	if !ok {
		idx = NewMemIndex(s.bucketSize)
		s.layers[key] = idx
	}
	return idx
}

func layerKey(sceneID, layer string) string {
	return "scene:" + sceneID + ":layer:" + layer
}

const DefaultBucketSize = 100.0

// MemIndex buckets occupants into square cells of bucketSize pixels so that
// overlap queries only inspect occupants near the query rectangle.
type MemIndex struct {
	mu         sync.RWMutex
	bucketSize float64
	occupants  map[string]Occupant
	buckets    map[grid.Cell]mapset.Set[string]
}

func NewMemIndex(bucketSize float64) *MemIndex {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return &MemIndex{
		bucketSize: bucketSize,
		occupants:  make(map[string]Occupant),
		buckets:    make(map[grid.Cell]mapset.Set[string]),
	}
}

func (idx *MemIndex) Place(o Occupant) error {
	if o.ID == "" {
		return ErrMissingID
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.occupants[o.ID]; exists {
		return ErrOccupantExists
	}
	idx.occupants[o.ID] = o
	idx.insert(o)
	return nil
}

func (idx *MemIndex) Get(id string) (Occupant, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	o, ok := idx.occupants[id]
	if !ok {
		return Occupant{}, ErrOccupantNotFound
	}
	return o, nil
}

func (idx *MemIndex) Move(id string, bounds grid.Rect) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	o, ok := idx.occupants[id]
	if !ok {
		return ErrOccupantNotFound
	}
	idx.erase(o)
	o.Bounds = bounds
	idx.occupants[id] = o
	idx.insert(o)
	return nil
}

func (idx *MemIndex) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	o, ok := idx.occupants[id]
	if !ok {
		return ErrOccupantNotFound
	}
	idx.erase(o)
	delete(idx.occupants, id)
	return nil
}

func (idx *MemIndex) List() ([]Occupant, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Occupant, 0, len(idx.occupants))
	for _, o := range idx.occupants {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (idx *MemIndex) Overlapping(r grid.Rect) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var hits []string
	c0, c1, r0, r1 := idx.span(r)
	if (c1-c0+1)*(r1-r0+1) > 4*len(idx.occupants)+16 {
		// Scanning every occupant is cheaper than walking a huge bucket range.
		for id, o := range idx.occupants {
			if o.Bounds.Overlaps(r) {
				hits = append(hits, id)
			}
		}
	} else {
		seen := mapset.New[string]()
		for _, c := range idx.cellsFor(r) {
			bucket, ok := idx.buckets[c]
			if !ok {
				continue
			}
			bucket.Each(func(id string) {
				if seen.Has(id) {
					return
				}
				seen.Put(id)
				if idx.occupants[id].Bounds.Overlaps(r) {
					hits = append(hits, id)
				}
			})
		}
	}
	sort.Strings(hits)
	return hits, nil
}

func (idx *MemIndex) insert(o Occupant) {
	for _, c := range idx.cellsFor(o.Bounds) {
		bucket, ok := idx.buckets[c]
		if !ok {
			bucket = mapset.New[string]()
			idx.buckets[c] = bucket
		}
		bucket.Put(o.ID)
	}
}

func (idx *MemIndex) erase(o Occupant) {
	for _, c := range idx.cellsFor(o.Bounds) {
		bucket, ok := idx.buckets[c]
		if !ok {
			continue
		}
		bucket.Remove(o.ID)
		if bucket.Size() == 0 {
			delete(idx.buckets, c)
		}
	}
}

func (idx *MemIndex) span(r grid.Rect) (c0, c1, r0, r1 int) {
	x0, x1 := math.Min(r.X, r.X+r.Width), math.Max(r.X, r.X+r.Width)
	y0, y1 := math.Min(r.Y, r.Y+r.Height), math.Max(r.Y, r.Y+r.Height)

	c0 = int(math.Floor(x0 / idx.bucketSize))
	c1 = int(math.Floor(x1 / idx.bucketSize))
	r0 = int(math.Floor(y0 / idx.bucketSize))
	r1 = int(math.Floor(y1 / idx.bucketSize))
	return c0, c1, r0, r1
}

func (idx *MemIndex) cellsFor(r grid.Rect) []grid.Cell {
	c0, c1, r0, r1 := idx.span(r)
	cells := make([]grid.Cell, 0, (c1-c0+1)*(r1-r0+1))
	for col := c0; col <= c1; col++ {
		for row := r0; row <= r1; row++ {
			cells = append(cells, grid.Cell{Col: col, Row: row})
		}
	}
	return cells
}
