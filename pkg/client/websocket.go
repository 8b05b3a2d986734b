package client

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aeolun/chatrelay/pkg/transport"
	"github.com/gorilla/websocket"
)

// DialWS connects to the server's /ws endpoint and performs the init
// exchange. rawURL may be a ws://, wss://, http:// or https:// URL or a
// bare host:port.
func DialWS(rawURL string, listenPort uint16) (*Connection, error) {
	u, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: DefaultTimeout,
		ReadBufferSize:   transport.BufferSize,
		WriteBufferSize:  transport.BufferSize,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			return nil, fmt.Errorf("websocket handshake with %s failed (is the server's http_port set?): %w", u.Host, err)
		}
		return nil, err
	}

	return NewConnection(transport.NewWebSocketConn(ws), u.Host, listenPort)
}

func websocketURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid websocket scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u, nil
}
