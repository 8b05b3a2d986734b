package protocol

import (
	"bytes"
	"fmt"
	"io"
	"net"
)

// TaskID identifies what the receiver of a frame should do with it
type TaskID uint32

// Task constants (Client → Server)
const (
	TaskClientInit     TaskID = 1
	TaskClientUsername TaskID = 3
	TaskClientPassword TaskID = 5
	TaskClientCommand  TaskID = 7
)

// Task constants (Server → Client)
const (
	TaskServerInit             TaskID = 2
	TaskServerUsername         TaskID = 4
	TaskServerPassword         TaskID = 6
	TaskServerCommand          TaskID = 8
	TaskServerWhoElse          TaskID = 10
	TaskServerWhoElseSince     TaskID = 12
	TaskServerBroadcastLogon   TaskID = 14
	TaskServerBroadcastMessage TaskID = 16
	TaskServerBlockUser        TaskID = 18
	TaskServerDirectResponse   TaskID = 20
	TaskServerDirectMessage    TaskID = 22
	TaskServerUnblockUser      TaskID = 24
	TaskServerBroadcastLogoff  TaskID = 26
	TaskServerStartPrivate     TaskID = 28
)

// Task constants (Peer ↔ Peer). The server never sends or accepts these;
// they describe what a client sends once it has dialed the address handed
// out by TaskServerStartPrivate.
const (
	TaskPeerCommand   TaskID = 29
	TaskPeerInit      TaskID = 30
	TaskPeerHandshake TaskID = 31
)

var taskNames = map[TaskID]string{
	TaskClientInit:             "client_init_conn",
	TaskServerInit:             "server_init_conn",
	TaskClientUsername:         "client_uname_auth",
	TaskServerUsername:         "server_uname_auth",
	TaskClientPassword:         "client_pword_auth",
	TaskServerPassword:         "server_pword_auth",
	TaskClientCommand:          "client_command",
	TaskServerCommand:          "server_command",
	TaskServerWhoElse:          "server_whoelse",
	TaskServerWhoElseSince:     "server_whoelse_since",
	TaskServerBroadcastLogon:   "server_broad_logon",
	TaskServerBroadcastMessage: "server_broad_msg",
	TaskServerBlockUser:        "server_block_user",
	TaskServerDirectResponse:   "server_dm_response",
	TaskServerDirectMessage:    "server_dm_msg",
	TaskServerUnblockUser:      "server_unblock_user",
	TaskServerBroadcastLogoff:  "server_broad_logoff",
	TaskServerStartPrivate:     "server_start_private",
	TaskPeerCommand:            "ptop_command",
	TaskPeerInit:               "ptop_init_conn",
	TaskPeerHandshake:          "ptop_handshake",
}

func (t TaskID) String() string {
	if name, ok := taskNames[t]; ok {
		return name
	}
	return fmt.Sprintf("task(%d)", uint32(t))
}

// Payload is implemented by every fixed-size message body
type Payload interface {
	EncodeTo(w io.Writer) error
	Decode(payload []byte) error
	Size() int
}

// Encode serialises a payload into a new byte slice
func Encode(p Payload) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, p.Size()))
	if err := p.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewFrame builds a frame for the given task and payload
func NewFrame(task TaskID, p Payload) (*Frame, error) {
	payload, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return &Frame{Task: task, Payload: payload}, nil
}

// ClientInitMessage (client_init_conn) - first frame sent by a client.
// ListenPort is the port the client accepts peer-to-peer dials on (0 = none).
type ClientInitMessage struct {
	Status     Status
	ListenPort uint16
}

func (m *ClientInitMessage) Size() int { return 4 + 2 }

func (m *ClientInitMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, uint32(m.Status)); err != nil {
		return err
	}
	return WriteUint16(w, m.ListenPort)
}

func (m *ClientInitMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	status, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	port, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	m.Status = Status(status)
	m.ListenPort = port
	return nil
}

// StatusMessage carries a bare status code. Used by server_init_conn,
// server_uname_auth, server_pword_auth, server_block_user,
// server_dm_response and server_unblock_user.
type StatusMessage struct {
	Status Status
}

func (m *StatusMessage) Size() int { return 4 }

func (m *StatusMessage) EncodeTo(w io.Writer) error {
	return WriteUint32(w, uint32(m.Status))
}

func (m *StatusMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	status, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.Status = Status(status)
	return nil
}

// UsernameMessage carries a single username. Used by client_uname_auth,
// server_whoelse, server_whoelse_since, server_broad_logon,
// server_broad_logoff and ptop_handshake.
type UsernameMessage struct {
	Username string
}

func (m *UsernameMessage) Size() int { return UsernameSize }

func (m *UsernameMessage) EncodeTo(w io.Writer) error {
	return WriteFixedString(w, m.Username, UsernameSize)
}

func (m *UsernameMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	name, err := ReadFixedString(buf, UsernameSize)
	if err != nil {
		return err
	}
	m.Username = name
	return nil
}

// PasswordMessage (client_pword_auth)
type PasswordMessage struct {
	Password string
}

func (m *PasswordMessage) Size() int { return PasswordSize }

func (m *PasswordMessage) EncodeTo(w io.Writer) error {
	return WriteFixedString(w, m.Password, PasswordSize)
}

func (m *PasswordMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	password, err := ReadFixedString(buf, PasswordSize)
	if err != nil {
		return err
	}
	m.Password = password
	return nil
}

// CommandMessage carries a command line (client_command, ptop_command)
type CommandMessage struct {
	Command string
}

func (m *CommandMessage) Size() int { return TextSize }

func (m *CommandMessage) EncodeTo(w io.Writer) error {
	return WriteFixedString(w, m.Command, TextSize)
}

func (m *CommandMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	cmd, err := ReadFixedString(buf, TextSize)
	if err != nil {
		return err
	}
	m.Command = cmd
	return nil
}

// CommandReplyMessage (server_command) - status plus a number whose meaning
// depends on the status (result count, backlog length, skipped recipients).
type CommandReplyMessage struct {
	Status Status
	Extra  uint64
}

func (m *CommandReplyMessage) Size() int { return 4 + 8 }

func (m *CommandReplyMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, uint32(m.Status)); err != nil {
		return err
	}
	return WriteUint64(w, m.Extra)
}

func (m *CommandReplyMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	status, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	extra, err := ReadUint64(buf)
	if err != nil {
		return err
	}

	m.Status = Status(status)
	m.Extra = extra
	return nil
}

// TextMessage carries a sender and a message body
// (server_broad_msg, server_dm_msg).
type TextMessage struct {
	Sender string
	Text   string
}

func (m *TextMessage) Size() int { return UsernameSize + TextSize }

func (m *TextMessage) EncodeTo(w io.Writer) error {
	if err := WriteFixedString(w, m.Sender, UsernameSize); err != nil {
		return err
	}
	return WriteFixedString(w, m.Text, TextSize)
}

func (m *TextMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	sender, err := ReadFixedString(buf, UsernameSize)
	if err != nil {
		return err
	}
	text, err := ReadFixedString(buf, TextSize)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Text = text
	return nil
}

// StartPrivateMessage (server_start_private) - where to dial a peer.
// Port and Addr are zero unless Status is StatusTaskSuccess.
type StartPrivateMessage struct {
	Status Status
	Port   uint16
	Addr   net.IP
}

func (m *StartPrivateMessage) Size() int { return 4 + 2 + 4 }

func (m *StartPrivateMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, uint32(m.Status)); err != nil {
		return err
	}
	if err := WriteUint16(w, m.Port); err != nil {
		return err
	}
	return WriteIPv4(w, m.Addr)
}

func (m *StartPrivateMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	status, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	port, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	addr, err := ReadIPv4(buf)
	if err != nil {
		return err
	}

	m.Status = Status(status)
	m.Port = port
	m.Addr = addr
	return nil
}

// PeerInitMessage (ptop_init_conn) - sent by the dialing peer so the other
// side knows where to reach it back.
type PeerInitMessage struct {
	Port uint16
	Addr net.IP
}

func (m *PeerInitMessage) Size() int { return 2 + 4 }

func (m *PeerInitMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Port); err != nil {
		return err
	}
	return WriteIPv4(w, m.Addr)
}

func (m *PeerInitMessage) Decode(payload []byte) error {
	buf, err := readFixed(payload, m.Size())
	if err != nil {
		return err
	}
	port, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	addr, err := ReadIPv4(buf)
	if err != nil {
		return err
	}

	m.Port = port
	m.Addr = addr
	return nil
}
