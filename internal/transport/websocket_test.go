package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/shehryarbajwa/applypilot/internal/channel"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

type echoEndpoint struct {
	mu           sync.Mutex
	ports        map[string]channel.Port
	received     []models.Message
	disconnected int
}

func (e *echoEndpoint) Connect(port channel.Port) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports[port.Name()] = port
	return nil
}

func (e *echoEndpoint) Receive(name string, msg models.Message) {
	e.mu.Lock()
	e.received = append(e.received, msg)
	port := e.ports[name]
	e.mu.Unlock()
	port.Send(models.NewMessage(models.MsgKeepaliveResponse, nil))
}

func (e *echoEndpoint) Disconnect(port channel.Port) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected++
}

func (e *echoEndpoint) port(name string) channel.Port {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports[name]
}

func newTestServer(t *testing.T, ep *echoEndpoint) *httptest.Server {
	t.Helper()
	s := NewServer(func(p models.Platform) (Endpoint, bool) {
		if p != models.PlatformLever {
			return nil, false
		}
		return ep, true
	}, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.ServePort(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPortRoundTrip(t *testing.T) {
	ep := &echoEndpoint{ports: map[string]channel.Port{}}
	srv := newTestServer(t, ep)

	name := "lever-search-1700000000000-ab12cd34"
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/"+name+"?tabId=42", nil)
	assert.NilError(t, err)

	assert.NilError(t, conn.WriteJSON(models.NewMessage(models.MsgKeepalive, nil)))

	var reply models.Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NilError(t, conn.ReadJSON(&reply))
	assert.Equal(t, reply.Type, models.MsgKeepaliveResponse)
	assert.Equal(t, ep.port(name).TabID(), 42)

	conn.Close()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		if ep.disconnected == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for disconnect")
	}, poll.WithTimeout(2*time.Second))
}

func TestServerClosingPortEndsConnection(t *testing.T) {
	ep := &echoEndpoint{ports: map[string]channel.Port{}}
	srv := newTestServer(t, ep)

	name := "lever-apply-1700000000000-ab12cd34"
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/"+name, nil)
	assert.NilError(t, err)
	defer conn.Close()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if ep.port(name) != nil {
			return poll.Success()
		}
		return poll.Continue("waiting for connect")
	}, poll.WithTimeout(2*time.Second))

	assert.NilError(t, ep.port(name).Close())
	assert.NilError(t, ep.port(name).Close())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Check(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestRejectsBadNames(t *testing.T) {
	ep := &echoEndpoint{ports: map[string]channel.Port{}}
	srv := newTestServer(t, ep)

	resp, err := http.Get(srv.URL + "/not-a-channel")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	resp, err = http.Get(srv.URL + "/monster-search-1-abc")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}
