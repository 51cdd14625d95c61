// Package transport carries content-script channels over websockets
package transport

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/internal/channel"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Endpoint is the platform handler a channel is attached to
type Endpoint interface {
	Connect(port channel.Port) error
	Receive(name string, msg models.Message)
	Disconnect(port channel.Port)
}

// Resolver finds the endpoint of a platform
type Resolver func(p models.Platform) (Endpoint, bool)

type Server struct {
	resolve Resolver
	log     zerolog.Logger
}

func NewServer(resolve Resolver, logger zerolog.Logger) *Server {
	return &Server{
		resolve: resolve,
		log:     logger.With().Str("component", "transport").Logger(),
	}
}

// ServePort upgrades the request into the channel called name and pumps
// inbound messages to the platform's endpoint until either side closes.
func (s *Server) ServePort(w http.ResponseWriter, r *http.Request, name string) {
	parsed, err := channel.ParseName(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	endpoint, ok := s.resolve(parsed.Platform)
	if !ok {
		http.Error(w, "unsupported platform", http.StatusNotFound)
		return
	}
	tabID, _ := strconv.Atoi(r.URL.Query().Get("tabId"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("Failed to upgrade channel")
		return
	}

	port := &wsPort{name: name, tabID: tabID, conn: conn}
	if err := endpoint.Connect(port); err != nil {
		s.log.Warn().Err(err).Str("channel", name).Msg("Channel rejected")
		port.Close()
		return
	}
	defer endpoint.Disconnect(port)

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("channel", name).Msg("Channel read error")
			}
			return
		}
		if msg.Type == "" {
			continue
		}
		endpoint.Receive(name, msg)
	}
}

// wsPort is a channel.Port over one websocket connection
type wsPort struct {
	name  string
	tabID int
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (p *wsPort) Name() string { return p.name }
func (p *wsPort) TabID() int   { return p.tabID }

func (p *wsPort) Send(msg models.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(msg)
}

func (p *wsPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}
