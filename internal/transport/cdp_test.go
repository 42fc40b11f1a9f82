package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newEchoCDPServer(t *testing.T, onMessage func(conn *websocket.Conn, msg cdpEnvelope)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env cdpEnvelope
			require.NoError(t, json.Unmarshal(data, &env))
			onMessage(conn, env)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestCDPSendRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newEchoCDPServer(t, func(conn *websocket.Conn, msg cdpEnvelope) {
		resp := cdpEnvelope{ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)}
		b, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, b)
	})
	defer srv.Close()

	c, err := DialCDP(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Send(context.Background(), "Runtime.evaluate", map[string]string{"expression": "1+1"}, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCDPConcurrentSendsMatchBySeq(t *testing.T) {
	t.Parallel()
	srv := newEchoCDPServer(t, func(conn *websocket.Conn, msg cdpEnvelope) {
		// Respond after an id-dependent delay so responses arrive out of
		// request order, proving correlation isn't positional.
		go func(id uint64) {
			time.Sleep(time.Duration(10-id%5) * time.Millisecond)
			resp := cdpEnvelope{ID: id, Result: json.RawMessage(`{}`)}
			b, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}(msg.ID)
	})
	defer srv.Close()

	c, err := DialCDP(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, sendErr := c.Send(context.Background(), "Debugger.pause", nil, 2*time.Second)
			errs <- sendErr
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCDPUndefinedSuffixStripped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		env := cdpEnvelope{Method: "Debugger.paused.undefined", Params: json.RawMessage(`{}`)}
		b, _ := json.Marshal(env)
		_ = conn.WriteMessage(websocket.TextMessage, b)
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := DialCDP(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	received := make(chan string, 1)
	c.OnEvent("Debugger.paused", func(ev Event) { received <- ev.Name })

	select {
	case name := <-received:
		require.Equal(t, "Debugger.paused", name)
	case <-time.After(2 * time.Second):
		t.Fatal("canonical event name was not delivered")
	}
}

func TestCDPRequestTimeout(t *testing.T) {
	t.Parallel()
	srv := newEchoCDPServer(t, func(conn *websocket.Conn, msg cdpEnvelope) {
		// never responds
	})
	defer srv.Close()

	c, err := DialCDP(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Send(context.Background(), "Debugger.pause", nil, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, 0, c.PendingCount())
}
