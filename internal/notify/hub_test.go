package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

func TestNotifyReachesOnlyThatUser(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("userId"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	alice, _, err := websocket.DefaultDialer.Dial(wsURL+"?userId=alice", nil)
	assert.NilError(t, err)
	defer alice.Close()
	bob, _, err := websocket.DefaultDialer.Dial(wsURL+"?userId=bob", nil)
	assert.NilError(t, err)
	defer bob.Close()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if hub.Connections("alice") == 1 && hub.Connections("bob") == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for clients")
	}, poll.WithTimeout(2*time.Second))

	hub.Notify("alice", models.FrontendEvent{Type: models.EventAutomationStarted, SessionID: "s1"})

	var ev models.FrontendEvent
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NilError(t, alice.ReadJSON(&ev))
	assert.Equal(t, ev.Type, models.EventAutomationStarted)
	assert.Equal(t, ev.SessionID, "s1")
	assert.Check(t, !ev.Timestamp.IsZero())

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Check(t, err != nil)
}

func TestDisconnectRemovesClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "carol")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.NilError(t, err)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if hub.Connections("carol") == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for connect")
	}, poll.WithTimeout(2*time.Second))

	conn.Close()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if hub.Connections("carol") == 0 {
			return poll.Success()
		}
		return poll.Continue("waiting for disconnect")
	}, poll.WithTimeout(2*time.Second))

	// notifying nobody is fine
	hub.Notify("carol", models.FrontendEvent{Type: models.EventAutomationStopped})
}
