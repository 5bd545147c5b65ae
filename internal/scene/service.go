package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/highlight"
	"github.com/ManadaHerath/token-placement-server/internal/logger"
	"github.com/ManadaHerath/token-placement-server/internal/occupancy"
	"github.com/ManadaHerath/token-placement-server/internal/permissions"
	"github.com/ManadaHerath/token-placement-server/internal/placement"
	"github.com/ManadaHerath/token-placement-server/internal/settings"
	"github.com/ManadaHerath/token-placement-server/internal/socket"
	"github.com/ManadaHerath/token-placement-server/internal/walls"
)

var (
	ErrNoSpace      = errors.New("no free space in range")
	ErrMissingToken = errors.New("payload must name a token")
)

// Service carries out scene actions on behalf of users and tells every
// connected client about the result.
type Service struct {
	Scenes   *Registry
	Settings *settings.Registry
	Users    *permissions.Directory
	Bus      socket.Bus
	Router   *socket.Router
	Locks    Locker

	log *logrus.Entry
}

func NewService(scenes *Registry, reg *settings.Registry, users *permissions.Directory, bus socket.Bus, locks Locker) *Service {
	return &Service{
		Scenes:   scenes,
		Settings: reg,
		Users:    users,
		Bus:      bus,
		Router:   socket.NewRouter(bus, users),
		Locks:    locks,
		log:      logger.Component("scene"),
	}
}

// CreateScene adds an empty scene. Only GMs may create scenes.
func (s *Service) CreateScene(userID, id, name, kind string, size float64) (*Scene, error) {
	if err := s.requireGM(userID); err != nil {
		return nil, err
	}
	sc, err := s.Scenes.Create(id, name, kind, size)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"scene": sc.ID, "grid": sc.GridKind}).Info("scene created")
	return sc, nil
}

// PlacementRequest asks for free space for Footprint. Unset fields take the
// registered setting values.
type PlacementRequest struct {
	Footprint   grid.Rect `json:"footprint"`
	SearchRange *int      `json:"searchRange,omitempty"`
	AvoidWalls  *bool     `json:"avoidWalls,omitempty"`
	Visualize   *bool     `json:"visualize,omitempty"`
	Layers      []string  `json:"layers,omitempty"`
}

type PlaceTokenRequest struct {
	PlacementRequest
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	// Force places the token at the requested position when nothing is free.
	Force bool `json:"force,omitempty"`
}

// Options resolves the search options for req on sc.
func (s *Service) Options(sc *Scene, req PlacementRequest) (placement.Options, error) {
	opts := placement.DefaultOptions()

	var err error
	if opts.SearchRange, err = s.Settings.Int(settings.KeySearchRange); err != nil {
		return opts, err
	}
	if opts.AvoidWalls, err = s.Settings.Bool(settings.KeyAvoidWalls); err != nil {
		return opts, err
	}
	if opts.Visualize, err = s.Settings.Bool(settings.KeyVisualize); err != nil {
		return opts, err
	}
	names := req.Layers
	if names == nil {
		if names, err = s.Settings.Strings(settings.KeyCollisionLayers); err != nil {
			return opts, err
		}
	}

	if req.SearchRange != nil {
		if err := checkRange(*req.SearchRange); err != nil {
			return opts, err
		}
		opts.SearchRange = *req.SearchRange
	}
	if req.AvoidWalls != nil {
		opts.AvoidWalls = *req.AvoidWalls
	}
	if req.Visualize != nil {
		opts.Visualize = *req.Visualize
	}

	opts.Layers = make([]placement.OccupantIndex, 0, len(names))
	for _, name := range names {
		opts.Layers = append(opts.Layers, sc.Layer(name))
	}
	return opts, nil
}

func (s *Service) search(sc *Scene, req PlacementRequest) (grid.Point, bool, error) {
	opts, err := s.Options(sc, req)
	if err != nil {
		return grid.Point{}, false, err
	}
	if opts.Visualize {
		sc.Overlay.Clear(highlight.DebugLayer)
	}

	env := placement.Env{
		Grid:    sc.Grid,
		Primary: sc.Layer(TokenLayer),
		Debug:   sc.Overlay,
		Log:     s.log.WithField("scene", sc.ID),
	}
	if opts.AvoidWalls {
		ws, err := sc.Walls.List()
		if err != nil {
			return grid.Point{}, false, fmt.Errorf("load walls: %w", err)
		}
		env.Walls = walls.NewSetOf(ws)
	}
	return placement.New(env, req.Footprint, opts).Find()
}

// FindPlacement returns the nearest free origin for the footprint without
// placing anything.
func (s *Service) FindPlacement(sceneID string, req PlacementRequest) (grid.Point, bool, error) {
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return grid.Point{}, false, err
	}
	return s.search(sc, req)
}

// PlaceToken finds free space near the requested footprint and places a token
// owned by userID there. The scene stays locked from the search until the
// token is stored.
func (s *Service) PlaceToken(ctx context.Context, userID, sceneID string, req PlaceTokenRequest) (occupancy.Occupant, error) {
	user, err := s.Users.Get(userID)
	if err != nil {
		return occupancy.Occupant{}, err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return occupancy.Occupant{}, err
	}

	unlock, err := s.Locks.Lock(ctx, sceneID)
	if err != nil {
		return occupancy.Occupant{}, err
	}
	defer unlock()

	p, ok, err := s.search(sc, req.PlacementRequest)
	if err != nil {
		return occupancy.Occupant{}, fmt.Errorf("find placement: %w", err)
	}
	if !ok {
		if !req.Force {
			return occupancy.Occupant{}, ErrNoSpace
		}
		p = req.Footprint.Origin()
		s.log.WithFields(logrus.Fields{"scene": sceneID, "user": userID}).Info("no free space, placing at requested position")
	}

	tok := occupancy.Occupant{
		ID:     req.ID,
		Name:   req.Name,
		Owner:  user.ID,
		Bounds: req.Footprint.At(p),
	}
	if tok.ID == "" {
		tok.ID = grid.GenerateID("t")
	}
	if err := sc.Layer(TokenLayer).Place(tok); err != nil {
		return occupancy.Occupant{}, err
	}

	s.publish(ctx, sceneID, socket.TypeTokenPlaced, userID, tok)
	return tok, nil
}

// RemoveToken deletes a token. Only its owner or a GM may do so.
func (s *Service) RemoveToken(ctx context.Context, userID, sceneID, tokenID string) error {
	user, err := s.Users.Get(userID)
	if err != nil {
		return err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return err
	}
	layer := sc.Layer(TokenLayer)
	tok, err := layer.Get(tokenID)
	if err != nil {
		return err
	}

	if err := TokenDocument(tok).Require(user, permissions.Owner); err != nil {
		return err
	}
	if err := layer.Remove(tokenID); err != nil {
		return err
	}

	s.publish(ctx, sceneID, socket.TypeTokenRemoved, userID, map[string]string{"id": tokenID})
	return nil
}

// TokenDocument exposes a token's ownership for permission checks.
func TokenDocument(tok occupancy.Occupant) permissions.Document {
	doc := permissions.Document{ID: tok.ID, Default: permissions.Limited}
	if tok.Owner != "" {
		doc.Ownership = map[string]permissions.Level{tok.Owner: permissions.Owner}
	}
	return doc
}

// PutWall adds or replaces a wall. Walls are GM-only.
func (s *Service) PutWall(ctx context.Context, userID, sceneID string, w walls.Wall) (walls.Wall, error) {
	if err := s.requireGM(userID); err != nil {
		return walls.Wall{}, err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return walls.Wall{}, err
	}
	if w.ID == "" {
		w.ID = grid.GenerateID("w")
	}
	if err := sc.Walls.Put(w); err != nil {
		return walls.Wall{}, err
	}

	s.publish(ctx, sceneID, socket.TypeWallChanged, userID, w)
	return w, nil
}

// RemoveWall deletes a wall. Walls are GM-only.
func (s *Service) RemoveWall(ctx context.Context, userID, sceneID, wallID string) error {
	if err := s.requireGM(userID); err != nil {
		return err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return err
	}
	if err := sc.Walls.Remove(wallID); err != nil {
		return err
	}

	s.publish(ctx, sceneID, socket.TypeWallRemoved, userID, map[string]string{"id": wallID})
	return nil
}

// SetDoor changes the state of a door. GMs may set any state; players may
// only open or close a door that is not locked.
func (s *Service) SetDoor(ctx context.Context, userID, sceneID, wallID string, state walls.DoorState) (walls.Wall, error) {
	user, err := s.Users.Get(userID)
	if err != nil {
		return walls.Wall{}, err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return walls.Wall{}, err
	}
	if state < walls.DoorNone || state > walls.DoorLocked {
		return walls.Wall{}, walls.ErrInvalidDoor
	}

	if !user.IsGM() {
		current, err := sc.Walls.Get(wallID)
		if err != nil {
			return walls.Wall{}, err
		}
		if current.Door == walls.DoorNone {
			return walls.Wall{}, walls.ErrNotDoor
		}
		if current.Door == walls.DoorLocked || (state != walls.DoorOpen && state != walls.DoorClosed) {
			return walls.Wall{}, permissions.ErrForbidden
		}
	}

	w, err := sc.Walls.SetDoor(wallID, state)
	if err != nil {
		return walls.Wall{}, err
	}
	s.publish(ctx, sceneID, socket.TypeWallChanged, userID, w)
	return w, nil
}

// Highlight draws the rings around origin on the named overlay layer and
// shares them with the scene.
func (s *Service) Highlight(ctx context.Context, userID, sceneID, layer string, origin grid.Point, rings int) ([]highlight.Ring, error) {
	if _, err := s.Users.Get(userID); err != nil {
		return nil, err
	}
	if err := checkRange(rings); err != nil {
		return nil, err
	}
	sc, err := s.Scenes.Get(sceneID)
	if err != nil {
		return nil, err
	}
	palette, err := s.Settings.Strings(settings.KeyRingPalette)
	if err != nil {
		return nil, err
	}

	out := highlight.Rings(sc.Grid, origin, rings, palette)
	sc.Overlay.DrawRings(layer, out)

	s.publish(ctx, sceneID, socket.TypeHighlight, userID, map[string]any{"layer": layer, "rings": out})
	return out, nil
}

// SetSetting changes a setting. World settings need a GM.
func (s *Service) SetSetting(ctx context.Context, userID, key string, value any) error {
	def, err := s.Settings.Lookup(key)
	if err != nil {
		return err
	}
	if def.Scope == settings.ScopeWorld {
		err = s.requireGM(userID)
	} else {
		_, err = s.Users.Get(userID)
	}
	if err != nil {
		return err
	}
	if err := s.Settings.Set(key, value); err != nil {
		return err
	}

	current, err := s.Settings.Get(key)
	if err != nil {
		return err
	}
	scenes, err := s.Scenes.List()
	if err != nil {
		return err
	}
	for _, sc := range scenes {
		s.publish(ctx, sc.ID, socket.TypeSettingChange, userID, map[string]any{"key": key, "value": current})
	}
	return nil
}

// Relay forwards a message sent by a connected client. Messages addressed to
// socket.RecipientGM go to the first active GM only; messages addressed to
// socket.RecipientOwner go to whoever should act on the token named in the
// payload.
func (s *Service) Relay(ctx context.Context, userID string, m socket.Message) error {
	if _, err := s.Users.Get(userID); err != nil {
		return err
	}
	m.ID = ""
	m.Sent = time.Time{}
	m.Sender = userID

	if len(m.Recipients) == 1 {
		switch m.Recipients[0] {
		case socket.RecipientGM:
			_, err := s.Router.ToGM(ctx, m)
			return err
		case socket.RecipientOwner:
			tok, err := s.relayToken(m)
			if err != nil {
				return err
			}
			_, err = s.Router.ToOwner(ctx, m, TokenDocument(tok))
			return err
		}
	}
	return s.Bus.Publish(ctx, m)
}

func (s *Service) relayToken(m socket.Message) (occupancy.Occupant, error) {
	var payload struct {
		Token string `json:"token"`
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return occupancy.Occupant{}, fmt.Errorf("%w: %v", ErrMissingToken, err)
		}
	}
	if payload.Token == "" {
		return occupancy.Occupant{}, ErrMissingToken
	}
	sc, err := s.Scenes.Get(m.Scene)
	if err != nil {
		return occupancy.Occupant{}, err
	}
	return sc.Layer(TokenLayer).Get(payload.Token)
}

func (s *Service) requireGM(userID string) error {
	user, err := s.Users.Get(userID)
	if err != nil {
		return err
	}
	if !user.IsGM() {
		return permissions.ErrForbidden
	}
	return nil
}

func checkRange(n int) error {
	if n < 0 || n > placement.MaxSearchRange {
		return fmt.Errorf("%w: range %d outside 0..%d", settings.ErrInvalidValue, n, placement.MaxSearchRange)
	}
	return nil
}

// publish is best effort: the action already happened, so a bus failure is
// logged rather than returned.
func (s *Service) publish(ctx context.Context, sceneID, typ, sender string, payload any) {
	msg, err := socket.NewMessage(sceneID, typ, sender, payload)
	if err == nil {
		err = s.Router.Broadcast(ctx, msg)
	}
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"scene": sceneID, "type": typ}).Warn("publish failed")
	}
}
