package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHubBroadcastsEvents(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Handle(domain.BreakoutDetected{Symbol: "AAAUSDT", Direction: domain.BreakoutUp, Price: 100.3})
	env := readEnvelope(t, conn)
	assert.Equal(t, "breakout_detected", env["type"])
	assert.Equal(t, "AAAUSDT", env["symbol"])
}

func TestHubFilter(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "subscribe", Events: []string{"price_trigger_fired"}}))
	require.Eventually(t, func() bool {
		for c := range snapshot(h) {
			if !c.wants("breakout_detected") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.Handle(domain.BreakoutDetected{Symbol: "AAAUSDT"})
	h.Handle(domain.PriceTriggerFired{Trigger: domain.PriceTrigger{ID: "t1", Symbol: "BBBUSDT"}, Price: 2})
	env := readEnvelope(t, conn)
	assert.Equal(t, "price_trigger_fired", env["type"], "filtered events are skipped")
}

func TestHubRunClosesClients(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, 0, h.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server closes the connection")
}

func snapshot(h *Hub) map[*client]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*client]struct{}, len(h.clients))
	for c := range h.clients {
		out[c] = struct{}{}
	}
	return out
}
