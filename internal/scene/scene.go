package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/highlight"
	"github.com/ManadaHerath/token-placement-server/internal/occupancy"
	"github.com/ManadaHerath/token-placement-server/internal/walls"
)

var (
	ErrSceneNotFound = errors.New("scene not found")
	ErrSceneExists   = errors.New("scene already exists")
)

// TokenLayer is the primary occupant layer placements collide against.
const TokenLayer = "tokens"

// Meta is the persisted description of a scene.
type Meta struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	GridKind string  `json:"grid"`
	GridSize float64 `json:"gridSize"`
}

// Scene is one map: its grid, walls, occupant layers and highlight overlay.
// The overlay is local to this process.
type Scene struct {
	ID       string
	Name     string
	GridKind string
	GridSize float64
	Grid     grid.Grid
	Walls    walls.Store
	Overlay  *highlight.Overlay

	store occupancy.Store
}

// Layer returns the occupant index of the named layer.
func (s *Scene) Layer(name string) occupancy.Index {
	return s.store.Layer(s.ID, name)
}

// Registry resolves scenes from a Catalog and caches the live Scene values so
// every request on a scene shares one overlay.
type Registry struct {
	mu      sync.Mutex
	store   occupancy.Store
	catalog Catalog
	scenes  map[string]*Scene
}

func NewRegistry(store occupancy.Store, catalog Catalog) *Registry {
	return &Registry{
		store:   store,
		catalog: catalog,
		scenes:  make(map[string]*Scene),
	}
}

// Create adds a scene. An empty id is replaced by a generated one.
func (r *Registry) Create(id, name, kind string, size float64) (*Scene, error) {
	if _, err := grid.New(kind, size); err != nil {
		return nil, err
	}
	if id == "" {
		id = grid.GenerateID("s")
	}
	if kind == "" {
		kind = grid.KindSquare
	}

	m := Meta{ID: id, Name: name, GridKind: kind, GridSize: size}
	if err := r.catalog.Add(m); err != nil {
		if errors.Is(err, ErrSceneExists) {
			return nil, fmt.Errorf("%w: %s", ErrSceneExists, id)
		}
		return nil, err
	}
	return r.resolve(m)
}

func (r *Registry) Get(id string) (*Scene, error) {
	r.mu.Lock()
	sc, ok := r.scenes[id]
	r.mu.Unlock()
	if ok {
		return sc, nil
	}

	m, err := r.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	return r.resolve(m)
}

// List returns every scene in the catalog ordered by ID.
func (r *Registry) List() ([]*Scene, error) {
	metas, err := r.catalog.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Scene, 0, len(metas))
	for _, m := range metas {
		sc, err := r.resolve(m)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// resolve returns the cached Scene for m, building it on first use.
func (r *Registry) resolve(m Meta) (*Scene, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.scenes[m.ID]; ok {
		return sc, nil
	}

	g, err := grid.New(m.GridKind, m.GridSize)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", m.ID, err)
	}
	sc := &Scene{
		ID:       m.ID,
		Name:     m.Name,
		GridKind: m.GridKind,
		GridSize: m.GridSize,
		Grid:     g,
		Walls:    r.catalog.Walls(m.ID),
		Overlay:  highlight.NewOverlay(),
		store:    r.store,
	}
	r.scenes[m.ID] = sc
	return sc, nil
}
