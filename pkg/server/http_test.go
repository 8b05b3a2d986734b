package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/aeolun/chatrelay/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	config := DefaultConfig()
	config.IdleTimeout = 30 * time.Second
	srv := NewServer(testCredentials, config)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Sessions().CloseAll()
		ts.Close()
	})
	return srv, ts
}

func TestHealthHandler(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, len(testCredentials), health["accounts"])
	assert.EqualValues(t, 0, health["online_users"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatrelay_accounts 6")
	assert.Contains(t, string(body), "chatrelay_active_sessions 0")
}

func TestTwoServersHaveSeparateMetrics(t *testing.T) {
	// Registering the same collectors twice would panic on a shared registry
	a := NewServer(testCredentials[:1], DefaultConfig())
	b := NewServer(testCredentials, DefaultConfig())
	assert.NotSame(t, a.registry, b.registry)
}

func TestWebSocketSession(t *testing.T) {
	srv, ts := newHTTPTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	conn := transport.NewWebSocketConn(ws)
	defer conn.Close()

	c := &testClient{t: t, conn: conn}
	c.send(protocol.TaskClientInit, &protocol.ClientInitMessage{Status: protocol.StatusInitSuccess})
	require.Equal(t, protocol.StatusInitSuccess, c.expectStatus(protocol.TaskServerInit))
	require.Empty(t, c.login("alice"))

	waitFor(t, func() bool { return srv.Sessions().CountOnline() == 1 })
	sess, ok := srv.Sessions().LookupByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, "websocket", sess.ConnType)

	c.command("whoelse")
	assert.Zero(t, c.expectReply(protocol.StatusTaskReady))

	c.command("logout")
	c.expectReply(protocol.StatusTaskReady)
	waitFor(t, func() bool { return srv.Sessions().Count() == 0 })
}
