package scene

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/highlight"
	"github.com/ManadaHerath/token-placement-server/internal/occupancy"
	"github.com/ManadaHerath/token-placement-server/internal/permissions"
	"github.com/ManadaHerath/token-placement-server/internal/placement"
	"github.com/ManadaHerath/token-placement-server/internal/settings"
	"github.com/ManadaHerath/token-placement-server/internal/socket"
	"github.com/ManadaHerath/token-placement-server/internal/walls"
)

var token = grid.Rect{X: 100, Y: 100, Width: 100, Height: 100}

func newService(t *testing.T) *Service {
	t.Helper()
	reg := settings.NewRegistry(settings.NewMemStore())
	require.NoError(t, settings.RegisterBuiltin(reg, nil))

	users := permissions.NewDirectory([]permissions.User{
		{ID: "gm", Role: permissions.RoleGM, Active: true},
		{ID: "alice", Role: permissions.RolePlayer, Active: true},
		{ID: "bob", Role: permissions.RolePlayer, Active: true},
	})
	scenes := NewRegistry(occupancy.NewMemStore(occupancy.DefaultBucketSize), NewMemCatalog())
	_, err := scenes.Create("s1", "Cellar", grid.KindSquare, 100)
	require.NoError(t, err)

	return NewService(scenes, reg, users, socket.NewMemBus(), NewMemLocker())
}

// newRedisService builds a Service whose scenes, walls, tokens and locks all
// live in rdb, the way the server runs with store: redis.
func newRedisService(t *testing.T, rdb *redis.Client) *Service {
	t.Helper()
	reg := settings.NewRegistry(settings.NewRedisStore(rdb, "test"))
	require.NoError(t, settings.RegisterBuiltin(reg, nil))

	users := permissions.NewDirectory([]permissions.User{
		{ID: "gm", Role: permissions.RoleGM, Active: true},
		{ID: "alice", Role: permissions.RolePlayer, Active: true},
	})
	scenes := NewRegistry(occupancy.NewRedisStore(rdb), NewRedisCatalog(rdb))
	return NewService(scenes, reg, users, socket.NewRedisBus(rdb), NewRedisLocker(rdb))
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func subscribe(t *testing.T, svc *Service, scene string) *socket.Subscription {
	t.Helper()
	sub, err := svc.Bus.Subscribe(context.Background(), scene)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func next(t *testing.T, sub *socket.Subscription) socket.Message {
	t.Helper()
	select {
	case m := <-sub.C:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return socket.Message{}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(occupancy.NewMemStore(0), NewMemCatalog())

	sc, err := r.Create("", "Anywhere", "", 50)
	require.NoError(t, err)
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, grid.KindSquare, sc.GridKind)

	_, err = r.Create(sc.ID, "Again", grid.KindHex, 50)
	assert.ErrorIs(t, err, ErrSceneExists)
	_, err = r.Create("bad", "Bad", "triangle", 50)
	assert.ErrorIs(t, err, grid.ErrUnknownKind)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrSceneNotFound)
	list, err := r.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	again, err := r.Get(sc.ID)
	require.NoError(t, err)
	assert.Same(t, sc, again)
}

func TestRedisRegistrySurvivesRestart(t *testing.T) {
	rdb := newRedis(t)
	ctx := context.Background()

	svc := newRedisService(t, rdb)
	_, err := svc.CreateScene("gm", "s1", "Cellar", grid.KindHex, 80)
	require.NoError(t, err)
	w, err := svc.PutWall(ctx, "gm", "s1", walls.Wall{A: grid.Point{X: 90, Y: -1000}, B: grid.Point{X: 90, Y: 1000}, Move: walls.MoveNormal})
	require.NoError(t, err)

	restarted := newRedisService(t, rdb)
	sc, err := restarted.Scenes.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "Cellar", sc.Name)
	assert.IsType(t, grid.HexGrid{}, sc.Grid)

	ws, err := sc.Walls.List()
	require.NoError(t, err)
	assert.Equal(t, []walls.Wall{w}, ws)

	list, err := restarted.Scenes.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	_, err = restarted.CreateScene("gm", "s1", "Again", grid.KindSquare, 100)
	assert.ErrorIs(t, err, ErrSceneExists)
	_, err = restarted.Scenes.Get("missing")
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestCreateSceneRequiresGM(t *testing.T) {
	svc := newService(t)

	_, err := svc.CreateScene("alice", "s2", "Attic", grid.KindHex, 50)
	assert.ErrorIs(t, err, permissions.ErrForbidden)

	sc, err := svc.CreateScene("gm", "s2", "Attic", grid.KindHex, 50)
	require.NoError(t, err)
	assert.IsType(t, grid.HexGrid{}, sc.Grid)
	list, err := svc.Scenes.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPlaceTokenFindsFreeSpace(t *testing.T) {
	svc := newService(t)
	sub := subscribe(t, svc, "s1")
	ctx := context.Background()

	first, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}, Name: "Goblin"})
	require.NoError(t, err)
	assert.Equal(t, token, first.Bounds)
	assert.Equal(t, "alice", first.Owner)
	assert.NotEmpty(t, first.ID)

	msg := next(t, sub)
	assert.Equal(t, socket.TypeTokenPlaced, msg.Type)
	assert.Equal(t, "alice", msg.Sender)
	var placed occupancy.Occupant
	require.NoError(t, json.Unmarshal(msg.Payload, &placed))
	assert.Equal(t, first, placed)

	second, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)
	assert.Equal(t, grid.Point{X: 0, Y: 0}, second.Bounds.Origin())
}

func TestPlaceTokenNoSpace(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	req := PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token, SearchRange: intPtr(0)}}

	_, err := svc.PlaceToken(ctx, "alice", "s1", req)
	require.NoError(t, err)

	_, err = svc.PlaceToken(ctx, "alice", "s1", req)
	assert.ErrorIs(t, err, ErrNoSpace)

	req.Force = true
	forced, err := svc.PlaceToken(ctx, "alice", "s1", req)
	require.NoError(t, err)
	assert.Equal(t, token, forced.Bounds)
}

func TestPlaceTokenUnknownUserOrScene(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	req := PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}}

	_, err := svc.PlaceToken(ctx, "mallory", "s1", req)
	assert.ErrorIs(t, err, permissions.ErrUnknownUser)
	_, err = svc.PlaceToken(ctx, "alice", "nowhere", req)
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestFindPlacementUsesSettings(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)

	require.NoError(t, svc.SetSetting(ctx, "gm", settings.KeySearchRange, 0))
	_, ok, err := svc.FindPlacement("s1", PlacementRequest{Footprint: token})
	require.NoError(t, err)
	assert.False(t, ok)

	p, ok, err := svc.FindPlacement("s1", PlacementRequest{Footprint: token, SearchRange: intPtr(1)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grid.Point{X: 0, Y: 0}, p)

	// An empty layer list means nothing can collide.
	p, ok, err = svc.FindPlacement("s1", PlacementRequest{Footprint: token, Layers: []string{}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token.Origin(), p)
}

func TestFindPlacementWallsAndVisualize(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)

	// Cuts the token off from everything left of x=90.
	_, err = svc.PutWall(ctx, "gm", "s1", walls.Wall{A: grid.Point{X: 90, Y: -1000}, B: grid.Point{X: 90, Y: 1000}, Move: walls.MoveNormal})
	require.NoError(t, err)

	p, ok, err := svc.FindPlacement("s1", PlacementRequest{Footprint: token, Visualize: boolPtr(true)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grid.Point{X: 100, Y: 0}, p)

	sc, err := svc.Scenes.Get("s1")
	require.NoError(t, err)
	drawn := sc.Overlay.Layer(highlight.DebugLayer)
	require.NotEmpty(t, drawn)
	assert.Equal(t, token.Inset(placement.DefaultInset), *drawn[0].Rect)

	p, ok, err = svc.FindPlacement("s1", PlacementRequest{Footprint: token, AvoidWalls: boolPtr(false)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grid.Point{X: 0, Y: 0}, p)
}

func TestFindPlacementSeesWallsStoredInRedis(t *testing.T) {
	rdb := newRedis(t)
	ctx := context.Background()

	svc := newRedisService(t, rdb)
	_, err := svc.CreateScene("gm", "s1", "Cellar", grid.KindSquare, 100)
	require.NoError(t, err)
	_, err = svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)
	_, err = svc.PutWall(ctx, "gm", "s1", walls.Wall{A: grid.Point{X: 90, Y: -1000}, B: grid.Point{X: 90, Y: 1000}, Move: walls.MoveNormal})
	require.NoError(t, err)

	p, ok, err := newRedisService(t, rdb).FindPlacement("s1", PlacementRequest{Footprint: token})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grid.Point{X: 100, Y: 0}, p)
}

func TestSearchRangeIsBounded(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, _, err := svc.FindPlacement("s1", PlacementRequest{Footprint: token, SearchRange: intPtr(placement.MaxSearchRange + 1)})
	assert.ErrorIs(t, err, settings.ErrInvalidValue)
	_, _, err = svc.FindPlacement("s1", PlacementRequest{Footprint: token, SearchRange: intPtr(-1)})
	assert.ErrorIs(t, err, settings.ErrInvalidValue)

	_, err = svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token, SearchRange: intPtr(100000)}})
	assert.ErrorIs(t, err, settings.ErrInvalidValue)

	_, err = svc.Highlight(ctx, "alice", "s1", "ping", grid.Point{}, 100000)
	assert.ErrorIs(t, err, settings.ErrInvalidValue)
	_, err = svc.Highlight(ctx, "alice", "s1", "ping", grid.Point{}, -1)
	assert.ErrorIs(t, err, settings.ErrInvalidValue)

	assert.ErrorIs(t, svc.SetSetting(ctx, "gm", settings.KeySearchRange, 1e300), settings.ErrInvalidValue)
}

func TestConcurrentPlacementsNeverOverlap(t *testing.T) {
	for name, svc := range map[string]*Service{
		"memory": newService(t),
		"redis": func() *Service {
			svc := newRedisService(t, newRedis(t))
			_, err := svc.CreateScene("gm", "s1", "Cellar", grid.KindSquare, 100)
			require.NoError(t, err)
			return svc
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			const n = 8
			var wg sync.WaitGroup
			placed := make([]occupancy.Occupant, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					placed[i], errs[i] = svc.PlaceToken(context.Background(), "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
				}(i)
			}
			wg.Wait()

			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				for j := i + 1; j < n; j++ {
					assert.False(t, placed[i].Bounds.Overlaps(placed[j].Bounds), "%v overlaps %v", placed[i].Bounds, placed[j].Bounds)
				}
			}
		})
	}
}

func TestLockers(t *testing.T) {
	for name, l := range map[string]Locker{
		"memory": NewMemLocker(),
		"redis":  NewRedisLocker(newRedis(t)),
	} {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "s1")
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "s1")
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			other, err := l.Lock(context.Background(), "s2")
			require.NoError(t, err, "scenes lock independently")
			other()

			unlock()
			again, err := l.Lock(context.Background(), "s1")
			require.NoError(t, err)
			again()
		})
	}
}

func TestRemoveTokenPermissions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	tok, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RemoveToken(ctx, "bob", "s1", tok.ID), permissions.ErrForbidden)
	assert.ErrorIs(t, svc.RemoveToken(ctx, "alice", "s1", "missing"), occupancy.ErrOccupantNotFound)

	sub := subscribe(t, svc, "s1")
	require.NoError(t, svc.RemoveToken(ctx, "alice", "s1", tok.ID))
	msg := next(t, sub)
	assert.Equal(t, socket.TypeTokenRemoved, msg.Type)
	assert.JSONEq(t, `{"id":"`+tok.ID+`"}`, string(msg.Payload))

	other, err := svc.PlaceToken(ctx, "bob", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)
	assert.NoError(t, svc.RemoveToken(ctx, "gm", "s1", other.ID), "GMs own everything")
}

func TestPutWallRequiresGM(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w := walls.Wall{A: grid.Point{X: 0, Y: 0}, B: grid.Point{X: 100, Y: 0}}

	_, err := svc.PutWall(ctx, "alice", "s1", w)
	assert.ErrorIs(t, err, permissions.ErrForbidden)

	sub := subscribe(t, svc, "s1")
	got, err := svc.PutWall(ctx, "gm", "s1", w)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, socket.TypeWallChanged, next(t, sub).Type)

	sc, err := svc.Scenes.Get("s1")
	require.NoError(t, err)
	ws, err := sc.Walls.List()
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestRemoveWall(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	w, err := svc.PutWall(ctx, "gm", "s1", walls.Wall{B: grid.Point{X: 100}, Move: walls.MoveNormal})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.RemoveWall(ctx, "alice", "s1", w.ID), permissions.ErrForbidden)

	sub := subscribe(t, svc, "s1")
	require.NoError(t, svc.RemoveWall(ctx, "gm", "s1", w.ID))
	msg := next(t, sub)
	assert.Equal(t, socket.TypeWallRemoved, msg.Type)
	assert.JSONEq(t, `{"id":"`+w.ID+`"}`, string(msg.Payload))

	assert.ErrorIs(t, svc.RemoveWall(ctx, "gm", "s1", w.ID), walls.ErrWallNotFound)
}

func TestSetDoor(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	door, err := svc.PutWall(ctx, "gm", "s1", walls.Wall{B: grid.Point{X: 100}, Move: walls.MoveNormal, Door: walls.DoorClosed})
	require.NoError(t, err)
	plain, err := svc.PutWall(ctx, "gm", "s1", walls.Wall{B: grid.Point{Y: 100}, Move: walls.MoveNormal})
	require.NoError(t, err)

	sub := subscribe(t, svc, "s1")
	opened, err := svc.SetDoor(ctx, "alice", "s1", door.ID, walls.DoorOpen)
	require.NoError(t, err)
	assert.Equal(t, walls.DoorOpen, opened.Door)
	msg := next(t, sub)
	assert.Equal(t, socket.TypeWallChanged, msg.Type)
	assert.Equal(t, "alice", msg.Sender)

	_, err = svc.SetDoor(ctx, "alice", "s1", door.ID, walls.DoorLocked)
	assert.ErrorIs(t, err, permissions.ErrForbidden)
	_, err = svc.SetDoor(ctx, "gm", "s1", door.ID, walls.DoorLocked)
	require.NoError(t, err)
	_, err = svc.SetDoor(ctx, "alice", "s1", door.ID, walls.DoorOpen)
	assert.ErrorIs(t, err, permissions.ErrForbidden, "locked doors stay shut for players")

	_, err = svc.SetDoor(ctx, "alice", "s1", plain.ID, walls.DoorOpen)
	assert.ErrorIs(t, err, walls.ErrNotDoor)
	_, err = svc.SetDoor(ctx, "gm", "s1", door.ID, walls.DoorState(9))
	assert.ErrorIs(t, err, walls.ErrInvalidDoor)
	_, err = svc.SetDoor(ctx, "alice", "s1", "missing", walls.DoorOpen)
	assert.ErrorIs(t, err, walls.ErrWallNotFound)
	_, err = svc.SetDoor(ctx, "mallory", "s1", door.ID, walls.DoorOpen)
	assert.ErrorIs(t, err, permissions.ErrUnknownUser)
}

func TestHighlight(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sub := subscribe(t, svc, "s1")

	rings, err := svc.Highlight(ctx, "alice", "s1", "ping", grid.Point{X: 100, Y: 100}, 1)
	require.NoError(t, err)
	require.Len(t, rings, 2)
	assert.Len(t, rings[1].Points, 8)
	assert.Equal(t, highlight.DefaultPalette[0], rings[0].Color)

	sc, err := svc.Scenes.Get("s1")
	require.NoError(t, err)
	assert.Len(t, sc.Overlay.Layer("ping"), 2)
	assert.Equal(t, socket.TypeHighlight, next(t, sub).Type)

	_, err = svc.Highlight(ctx, "mallory", "s1", "ping", grid.Point{X: 100, Y: 100}, 1)
	assert.ErrorIs(t, err, permissions.ErrUnknownUser)
	assert.Len(t, sc.Overlay.Layer("ping"), 2, "unknown users draw nothing")
}

func TestSetSetting(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sub := subscribe(t, svc, "s1")

	assert.ErrorIs(t, svc.SetSetting(ctx, "alice", settings.KeySearchRange, 2), permissions.ErrForbidden)
	assert.ErrorIs(t, svc.SetSetting(ctx, "gm", "nope", 2), settings.ErrUnknownSetting)
	assert.ErrorIs(t, svc.SetSetting(ctx, "gm", settings.KeySearchRange, "far"), settings.ErrInvalidValue)

	require.NoError(t, svc.SetSetting(ctx, "alice", settings.KeyVisualize, true), "client settings are open to everyone")
	msg := next(t, sub)
	assert.Equal(t, socket.TypeSettingChange, msg.Type)
	assert.JSONEq(t, `{"key":"placement.visualize","value":true}`, string(msg.Payload))

	require.NoError(t, svc.SetSetting(ctx, "gm", settings.KeySearchRange, 2))
	n, err := svc.Settings.Int(settings.KeySearchRange)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayToGM(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sub := subscribe(t, svc, "s1")

	err := svc.Relay(ctx, "alice", socket.Message{
		ID:         "forged",
		Type:       "door.request",
		Scene:      "s1",
		Sender:     "gm",
		Recipients: []string{socket.RecipientGM},
	})
	require.NoError(t, err)

	msg := next(t, sub)
	assert.Equal(t, "alice", msg.Sender)
	assert.NotEqual(t, "forged", msg.ID)
	assert.Equal(t, []string{"gm"}, msg.Recipients)

	require.NoError(t, svc.Users.Disconnect("gm"))
	err = svc.Relay(ctx, "alice", socket.Message{Type: "door.request", Scene: "s1", Recipients: []string{socket.RecipientGM}})
	assert.ErrorIs(t, err, socket.ErrNoRecipient)

	assert.ErrorIs(t, svc.Relay(ctx, "mallory", socket.Message{Type: "x", Scene: "s1"}), permissions.ErrUnknownUser)
}

func TestRelayToOwner(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	tok, err := svc.PlaceToken(ctx, "alice", "s1", PlaceTokenRequest{PlacementRequest: PlacementRequest{Footprint: token}})
	require.NoError(t, err)

	sub := subscribe(t, svc, "s1")
	ask := socket.Message{
		Type:       "token.request",
		Scene:      "s1",
		Recipients: []string{socket.RecipientOwner},
		Payload:    json.RawMessage(`{"token":"` + tok.ID + `"}`),
	}
	require.NoError(t, svc.Relay(ctx, "bob", ask))
	msg := next(t, sub)
	assert.Equal(t, "bob", msg.Sender)
	assert.Equal(t, []string{"alice"}, msg.Recipients)

	require.NoError(t, svc.Users.Disconnect("alice"))
	require.NoError(t, svc.Relay(ctx, "bob", ask))
	assert.Equal(t, []string{"gm"}, next(t, sub).Recipients, "falls back to the GM")

	ask.Payload = nil
	assert.ErrorIs(t, svc.Relay(ctx, "bob", ask), ErrMissingToken)
	ask.Payload = json.RawMessage(`{"token":"missing"}`)
	assert.ErrorIs(t, svc.Relay(ctx, "bob", ask), occupancy.ErrOccupantNotFound)
}
