package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns the client and server ends of one WebSocket
func pair(t *testing.T) (*WebSocketConn, *WebSocketConn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- ws
	}))
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)

	client := NewWebSocketConn(ws)
	server := NewWebSocketConn(<-accepted)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestFramesAcrossMessages(t *testing.T) {
	client, server := pair(t)

	frame, err := protocol.NewFrame(protocol.TaskClientUsername, &protocol.UsernameMessage{Username: "alice"})
	require.NoError(t, err)
	data, err := protocol.AppendFrame(nil, frame)
	require.NoError(t, err)

	// Header in one message, payload split over two more
	_, err = client.Write(data[:protocol.HeaderSize])
	require.NoError(t, err)
	_, err = client.Write(data[protocol.HeaderSize : protocol.HeaderSize+10])
	require.NoError(t, err)
	_, err = client.Write(data[protocol.HeaderSize+10:])
	require.NoError(t, err)

	got, err := protocol.DecodeFrame(server)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestTwoFramesInOneMessage(t *testing.T) {
	client, server := pair(t)

	a, _ := protocol.NewFrame(protocol.TaskServerCommand, &protocol.CommandReplyMessage{Status: protocol.StatusBroadMsg})
	b, _ := protocol.NewFrame(protocol.TaskServerBroadcastMessage, &protocol.TextMessage{Sender: "bob", Text: "hi"})
	data, err := protocol.AppendFrame(nil, a)
	require.NoError(t, err)
	data, err = protocol.AppendFrame(data, b)
	require.NoError(t, err)

	_, err = server.Write(data)
	require.NoError(t, err)

	got, err := protocol.DecodeFrame(client)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = protocol.DecodeFrame(client)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestCloseReadsAsEOF(t *testing.T) {
	client, server := pair(t)

	require.NoError(t, client.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	_, err := server.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteAfterClose(t *testing.T) {
	client, _ := pair(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Write([]byte{1})
	assert.Error(t, err)
}

func TestTextMessageRejected(t *testing.T) {
	client, server := pair(t)

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, err := server.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
