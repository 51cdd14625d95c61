// Package notify fans automation events out to a user's frontend websockets
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks frontend connections per user
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[string]*client
	log     zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]*client),
		log:     logger.With().Str("component", "notify").Logger(),
	}
}

// Notify queues ev for every connection of userID. Slow clients miss events
// rather than blocking the caller.
func (h *Hub) Notify(userID string, ev models.FrontendEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("Failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
			h.log.Warn().Str("user_id", userID).Str("client", c.id).Str("type", ev.Type).Msg("Frontend event dropped")
		}
	}
}

// Connections returns the number of open connections of userID
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and streams userID's events until the client goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade frontend connection")
		return
	}

	c := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	h.add(c)
	h.log.Info().Str("user_id", userID).Str("client", c.id).Msg("Frontend connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[string]*client)
		h.clients[c.userID] = set
	}
	set[c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c.id]; !ok {
		return
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

// readLoop only watches for the client going away; frontends never send
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.log.Info().Str("user_id", c.userID).Str("client", c.id).Msg("Frontend disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client", c.id).Msg("Frontend read error")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every frontend
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for _, c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.conn.Close()
	}
}
