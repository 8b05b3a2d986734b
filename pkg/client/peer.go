package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	// ErrRendezvousRefused is returned for a start-private reply that carries no address
	ErrRendezvousRefused = errors.New("peer not available")
	// ErrBadHandshake is returned when a peer answers with something other than a handshake
	ErrBadHandshake = errors.New("bad peer handshake")
)

// DecodeRendezvous turns a server_start_private reply into an address to dial
func DecodeRendezvous(msg *protocol.StartPrivateMessage) (string, error) {
	if msg.Status != protocol.StatusTaskSuccess {
		return "", fmt.Errorf("%w: %s", ErrRendezvousRefused, msg.Status.Describe())
	}
	if msg.Port == 0 {
		return "", fmt.Errorf("%w: peer is not listening", ErrRendezvousRefused)
	}

	ip := msg.Addr.To4()
	if ip == nil || ip.IsUnspecified() {
		return "", fmt.Errorf("%w: peer address unknown", ErrRendezvousRefused)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(msg.Port))), nil
}

// PeerConn is a direct client-to-client connection
type PeerConn struct {
	net.Conn
	// Where the other side accepts dials back
	Remote protocol.PeerInitMessage
}

// DialPeer dials the address from DecodeRendezvous and introduces this
// client with ptop_init_conn. The peer answers with ptop_handshake.
func DialPeer(addr string, self protocol.PeerInitMessage) (*PeerConn, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer: %w", err)
	}

	frame, err := protocol.NewFrame(protocol.TaskPeerInit, &self)
	if err == nil {
		err = protocol.EncodeFrame(conn, frame)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	remote, err := readPeerFrame(conn, protocol.TaskPeerHandshake)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &PeerConn{Conn: conn, Remote: *remote}, nil
}

// AcceptPeer accepts one peer dial on l and answers its ptop_init_conn
// with a ptop_handshake describing self
func AcceptPeer(l net.Listener, self protocol.PeerInitMessage) (*PeerConn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}

	remote, err := readPeerFrame(conn, protocol.TaskPeerInit)
	if err != nil {
		conn.Close()
		return nil, err
	}

	frame, err := protocol.NewFrame(protocol.TaskPeerHandshake, &self)
	if err == nil {
		err = protocol.EncodeFrame(conn, frame)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &PeerConn{Conn: conn, Remote: *remote}, nil
}

func readPeerFrame(conn net.Conn, task protocol.TaskID) (*protocol.PeerInitMessage, error) {
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeFrame(conn)
	if err != nil {
		return nil, err
	}
	if err := protocol.Expect(frame, task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}

	var msg protocol.PeerInitMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return &msg, nil
}
