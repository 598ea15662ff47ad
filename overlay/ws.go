package overlay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var validate = validator.New()

// inbound is a message from an overlay.
type inbound struct {
	Type      string `json:"type" validate:"required,oneof=joinProject leaveProject ping"`
	ProjectID string `json:"projectId" validate:"required_unless=Type ping,max=128"`
}

// Handler upgrades overlay connections and serves their subscriptions.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler serves hub. A nil checkOrigin accepts any origin, since overlays
// run as OBS browser sources with no meaningful Origin.
func NewHandler(hub *Hub, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: slog.Default().With(slog.String("component", "overlay")),
	}
}

// ServeHTTP upgrades the request. A ?project=<id> query parameter joins that topic immediately.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	c := newClient()
	h.hub.register(c)
	if p := r.URL.Query().Get("project"); p != "" && len(p) <= 128 {
		h.hub.subscribe(c, p)
	}
	go h.writeLoop(conn, c)
	h.readLoop(conn, c)
}

func (h *Handler) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		h.hub.unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("overlay read error", slog.Any("err", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if err := validate.Struct(msg); err != nil {
			h.log.Debug("invalid overlay message", slog.Any("err", err))
			continue
		}
		switch msg.Type {
		case "joinProject":
			h.hub.subscribe(c, msg.ProjectID)
			h.reply(c, Envelope{Type: "joined", Data: map[string]string{"projectId": msg.ProjectID}})
		case "leaveProject":
			h.hub.unsubscribe(c, msg.ProjectID)
		case "ping":
			h.reply(c, Envelope{Type: "pong"})
		}
	}
}

func (h *Handler) reply(c *client, env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	// send is only closed under the hub write lock, so this cannot race the close
	if _, ok := h.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
