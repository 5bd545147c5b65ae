package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ManadaHerath/token-placement-server/internal/grid"
	"github.com/ManadaHerath/token-placement-server/internal/highlight"
	"github.com/ManadaHerath/token-placement-server/internal/logger"
	"github.com/ManadaHerath/token-placement-server/internal/occupancy"
	"github.com/ManadaHerath/token-placement-server/internal/permissions"
	"github.com/ManadaHerath/token-placement-server/internal/scene"
	"github.com/ManadaHerath/token-placement-server/internal/settings"
	"github.com/ManadaHerath/token-placement-server/internal/walls"
)

// UserHeader names the request header carrying the acting user's ID.
const UserHeader = "X-User-ID"

// API holds dependencies for HTTP handlers.
type API struct {
	Service *scene.Service
	log     *logrus.Entry
}

func NewAPI(svc *scene.Service) *API {
	return &API{Service: svc, log: logger.Component("api")}
}

// ===== Helper functions =====

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func parseJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scene.ErrSceneNotFound),
		errors.Is(err, occupancy.ErrOccupantNotFound),
		errors.Is(err, walls.ErrWallNotFound),
		errors.Is(err, settings.ErrUnknownSetting):
		status = http.StatusNotFound
	case errors.Is(err, scene.ErrSceneExists),
		errors.Is(err, occupancy.ErrOccupantExists),
		errors.Is(err, scene.ErrNoSpace):
		status = http.StatusConflict
	case errors.Is(err, permissions.ErrUnknownUser):
		status = http.StatusUnauthorized
	case errors.Is(err, permissions.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, grid.ErrUnknownKind),
		errors.Is(err, walls.ErrMissingID),
		errors.Is(err, walls.ErrNotDoor),
		errors.Is(err, walls.ErrInvalidDoor),
		errors.Is(err, occupancy.ErrMissingID):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		api.log.WithError(err).Error("request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

// ===== Request/response DTOs =====

type CreateSceneRequest struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Grid     string  `json:"grid"`
	GridSize float64 `json:"gridSize"`
}

type SceneView struct {
	ID       string                       `json:"id"`
	Name     string                       `json:"name"`
	Grid     string                       `json:"grid"`
	GridSize float64                      `json:"gridSize"`
	Tokens   []occupancy.Occupant         `json:"tokens"`
	Walls    []walls.Wall                 `json:"walls"`
	Overlay  map[string][]highlight.Shape `json:"overlay,omitempty"`
}

type PlacementResponse struct {
	Found bool       `json:"found"`
	Point grid.Point `json:"point"`
}

type DoorRequest struct {
	Door walls.DoorState `json:"door"`
}

type SettingRequest struct {
	Value interface{} `json:"value"`
}

// ===== Handlers =====

// GET /scenes, POST /scenes
func (api *API) HandleScenes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := api.Service.Scenes.List()
		if err != nil {
			api.writeError(w, err)
			return
		}
		out := make([]SceneView, 0, len(list))
		for _, sc := range list {
			out = append(out, SceneView{ID: sc.ID, Name: sc.Name, Grid: sc.GridKind, GridSize: sc.GridSize})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req CreateSceneRequest
		if err := parseJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		if req.GridSize <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gridSize must be positive"})
			return
		}
		sc, err := api.Service.CreateScene(userID(r), req.ID, req.Name, req.Grid, req.GridSize)
		if err != nil {
			api.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, SceneView{ID: sc.ID, Name: sc.Name, Grid: sc.GridKind, GridSize: sc.GridSize})

	default:
		methodNotAllowed(w)
	}
}

// GET /scenes/{id}
func (api *API) HandleGetScene(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	sc, err := api.Service.Scenes.Get(sceneID)
	if err != nil {
		api.writeError(w, err)
		return
	}
	tokens, err := sc.Layer(scene.TokenLayer).List()
	if err != nil {
		api.writeError(w, err)
		return
	}
	ws, err := sc.Walls.List()
	if err != nil {
		api.writeError(w, err)
		return
	}

	resp := SceneView{
		ID:       sc.ID,
		Name:     sc.Name,
		Grid:     sc.GridKind,
		GridSize: sc.GridSize,
		Tokens:   tokens,
		Walls:    ws,
		Overlay:  make(map[string][]highlight.Shape),
	}
	for _, layer := range sc.Overlay.Layers() {
		resp.Overlay[layer] = sc.Overlay.Layer(layer)
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /scenes/{id}/placement
func (api *API) HandleFindPlacement(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req scene.PlacementRequest
	if err := parseJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	p, ok, err := api.Service.FindPlacement(sceneID, req)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlacementResponse{Found: ok, Point: p})
}

// POST /scenes/{id}/tokens
func (api *API) HandlePlaceToken(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req scene.PlaceTokenRequest
	if err := parseJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	tok, err := api.Service.PlaceToken(r.Context(), userID(r), sceneID, req)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

// DELETE /scenes/{id}/tokens/{tokenId}
func (api *API) HandleRemoveToken(w http.ResponseWriter, r *http.Request, sceneID, tokenID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	if err := api.Service.RemoveToken(r.Context(), userID(r), sceneID, tokenID); err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// POST /scenes/{id}/walls
func (api *API) HandlePutWall(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var wall walls.Wall
	if err := parseJSON(r, &wall); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	wall, err := api.Service.PutWall(r.Context(), userID(r), sceneID, wall)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wall)
}

// PATCH /scenes/{id}/walls/{wallId}, DELETE /scenes/{id}/walls/{wallId}
func (api *API) HandleWall(w http.ResponseWriter, r *http.Request, sceneID, wallID string) {
	switch r.Method {
	case http.MethodPatch:
		var req DoorRequest
		if err := parseJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		wall, err := api.Service.SetDoor(r.Context(), userID(r), sceneID, wallID, req.Door)
		if err != nil {
			api.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wall)

	case http.MethodDelete:
		if err := api.Service.RemoveWall(r.Context(), userID(r), sceneID, wallID); err != nil {
			api.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)

	default:
		methodNotAllowed(w)
	}
}

// GET /scenes/{id}/rings?x=&y=&n=&layer=
func (api *API) HandleRings(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	n, errN := strconv.Atoi(q.Get("n"))
	if errX != nil || errY != nil || errN != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "x, y and n are required"})
		return
	}
	layer := q.Get("layer")
	if layer == "" {
		layer = "rings"
	}

	rings, err := api.Service.Highlight(r.Context(), userID(r), sceneID, layer, grid.Point{X: x, Y: y}, n)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rings)
}

// GET /settings
func (api *API) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, api.Service.Settings.All())
}

// PUT /settings/{key}
func (api *API) HandleSetSetting(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}

	var req SettingRequest
	if err := parseJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if err := api.Service.SetSetting(r.Context(), userID(r), key, req.Value); err != nil {
		api.writeError(w, err)
		return
	}
	v, err := api.Service.Settings.Get(key)
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": v})
}

// Router for /scenes, /scenes/{id}... and /settings...
func (api *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/scenes", api.HandleScenes)

	mux.HandleFunc("/scenes/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/scenes/")
		parts := strings.Split(path, "/")
		if len(parts) == 0 || parts[0] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing scene id"})
			return
		}
		sceneID := parts[0]

		switch {
		case len(parts) == 1:
			api.HandleGetScene(w, r, sceneID)
		case len(parts) == 2 && parts[1] == "placement":
			api.HandleFindPlacement(w, r, sceneID)
		case len(parts) == 2 && parts[1] == "tokens":
			api.HandlePlaceToken(w, r, sceneID)
		case len(parts) == 3 && parts[1] == "tokens" && parts[2] != "":
			api.HandleRemoveToken(w, r, sceneID, parts[2])
		case len(parts) == 2 && parts[1] == "walls":
			api.HandlePutWall(w, r, sceneID)
		case len(parts) == 3 && parts[1] == "walls" && parts[2] != "":
			api.HandleWall(w, r, sceneID, parts[2])
		case len(parts) == 2 && parts[1] == "rings":
			api.HandleRings(w, r, sceneID)
		case len(parts) == 2 && parts[1] == "ws":
			api.HandleSceneWS(w, r, sceneID)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		}
	})

	mux.HandleFunc("/settings", api.HandleSettings)
	mux.HandleFunc("/settings/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/settings/")
		if key == "" || strings.Contains(key, "/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		api.HandleSetSetting(w, r, key)
	})
}
