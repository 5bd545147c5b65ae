package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ManadaHerath/token-placement-server/internal/permissions"
	"github.com/ManadaHerath/token-placement-server/internal/socket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HelloPayload is the first message a client receives after connecting.
type HelloPayload struct {
	User    permissions.User `json:"user"`
	FirstGM bool             `json:"firstGM"`
}

// GET /scenes/{id}/ws?user=
func (api *API) HandleSceneWS(w http.ResponseWriter, r *http.Request, sceneID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	uid := r.URL.Query().Get("user")
	if uid == "" {
		uid = userID(r)
	}
	user, err := api.Service.Users.Get(uid)
	if err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}
	if _, err := api.Service.Scenes.Get(sceneID); err != nil {
		http.Error(w, "scene not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := api.log.WithFields(logrus.Fields{"scene": sceneID, "user": user.ID})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := api.Service.Bus.Subscribe(ctx, sceneID)
	if err != nil {
		log.WithError(err).Error("subscribe failed")
		return
	}
	defer sub.Close()

	if err := api.Service.Users.Connect(user.ID); err != nil {
		log.WithError(err).Warn("mark active failed")
	}
	defer func() {
		if err := api.Service.Users.Disconnect(user.ID); err != nil {
			log.WithError(err).Warn("mark inactive failed")
		}
	}()
	log.Info("client connected")

	user.Active = true
	hello, err := socket.NewMessage(sceneID, socket.TypeHello, "", HelloPayload{
		User:    user,
		FirstGM: permissions.IsFirstGM(user, api.Service.Users.List()),
	})
	if err != nil {
		log.WithError(err).Error("build hello failed")
		return
	}

	local := make(chan socket.Message, 8)
	local <- hello

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		defer cancel()
		writePump(ctx, conn, sub, local, user.ID, log)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m socket.Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("read failed")
			}
			break
		}
		m.Scene = sceneID
		if err := api.Service.Relay(ctx, user.ID, m); err != nil {
			log.WithError(err).WithField("type", m.Type).Debug("relay rejected")
			reply, _ := socket.NewMessage(sceneID, socket.TypeError, "", map[string]string{"error": err.Error(), "type": m.Type})
			select {
			case local <- reply:
			default:
			}
		}
	}

	cancel()
	<-done
	log.Info("client disconnected")
}

// writePump is the only writer on conn.
func writePump(ctx context.Context, conn *websocket.Conn, sub *socket.Subscription, local <-chan socket.Message, user string, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(m socket.Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case m := <-local:
			if err := write(m); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if !m.For(user) {
				continue
			}
			if err := write(m); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}
