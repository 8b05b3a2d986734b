// Package client is a library for talking to a chat relay server: the
// init exchange, login, commands and the notifications the server pushes.
package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	// ErrUnexpectedReply is returned when the server answers out of protocol
	ErrUnexpectedReply = errors.New("unexpected reply from server")
	// ErrSessionTimedOut is returned once the server has closed an idle session
	ErrSessionTimedOut = errors.New("session timed out")
	// ErrNoNotification is returned by ReadNotification when the next frame is not one
	ErrNoNotification = errors.New("next frame is not a notification")
)

// DefaultTimeout bounds every read unless SetTimeout changes it
const DefaultTimeout = 10 * time.Second

// Message is a chat message with its sender
type Message struct {
	Sender string
	Text   string
}

// Notification is something the server pushed without being asked
type Notification struct {
	Status   protocol.Status // broad_logon, broad_logoff, broad_msg or client_msg
	Username string          // Set for logon and logoff
	Message  *Message        // Set for broadcast and direct messages
}

// notificationTasks maps a notification status to the task of the payload
// frame that follows it
var notificationTasks = map[protocol.Status]protocol.TaskID{
	protocol.StatusBroadLogon:  protocol.TaskServerBroadcastLogon,
	protocol.StatusBroadLogoff: protocol.TaskServerBroadcastLogoff,
	protocol.StatusBroadMsg:    protocol.TaskServerBroadcastMessage,
	protocol.StatusClientMsg:   protocol.TaskServerDirectMessage,
}

// Connection is one client session. Writes may come from any goroutine;
// reads must come from one goroutine at a time.
type Connection struct {
	addr    string
	conn    net.Conn
	writeMu sync.Mutex
	timeout time.Duration

	// Notifications read while waiting for a reply
	pending []*Notification

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger
}

// Dial connects over TCP and performs the init exchange. listenPort is
// where this client accepts peer-to-peer dials (0 for none).
func Dial(addr string, listenPort uint16) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return NewConnection(conn, addr, listenPort)
}

// NewConnection performs the init exchange over an established connection
func NewConnection(conn net.Conn, addr string, listenPort uint16) (*Connection, error) {
	c := &Connection{
		addr:    addr,
		conn:    conn,
		timeout: DefaultTimeout,
	}

	if err := c.send(protocol.TaskClientInit, &protocol.ClientInitMessage{
		Status:     protocol.StatusInitSuccess,
		ListenPort: listenPort,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	status, err := c.readStatus(protocol.TaskServerInit)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if status != protocol.StatusInitSuccess {
		conn.Close()
		return nil, fmt.Errorf("%w: init returned %s", ErrUnexpectedReply, status)
	}

	return c, nil
}

// SetLogger sets a logger for frame traces
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetTimeout changes the read timeout (0 waits forever)
func (c *Connection) SetTimeout(d time.Duration) {
	c.timeout = d
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close closes the connection
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// send encodes and writes one frame
func (c *Connection) send(task protocol.TaskID, p protocol.Payload) error {
	frame, err := protocol.NewFrame(task, p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.EncodeFrame(w, frame); err != nil {
		return err
	}
	c.logf("→ SEND: Task=%s PayloadLen=%d", task, len(frame.Payload))
	return nil
}

// ReadFrame reads the next raw frame within the read timeout
func (c *Connection) ReadFrame() (*protocol.Frame, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}

	frame, err := protocol.DecodeFrame(&countingReader{r: c.conn, counter: &c.bytesReceived})
	if err != nil {
		return nil, err
	}
	c.logf("← RECV: Task=%s PayloadLen=%d", frame.Task, len(frame.Payload))
	return frame, nil
}

// readEvent reads one frame. A notification header is read together with
// its payload frame and returned as a Notification.
func (c *Connection) readEvent() (*protocol.Frame, *Notification, error) {
	frame, err := c.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	if frame.Task != protocol.TaskServerCommand {
		return frame, nil, nil
	}

	var reply protocol.CommandReplyMessage
	if err := reply.Decode(frame.Payload); err != nil {
		return nil, nil, err
	}
	if reply.Status == protocol.StatusTimeOut {
		return nil, nil, ErrSessionTimedOut
	}

	task, ok := notificationTasks[reply.Status]
	if !ok {
		return frame, nil, nil
	}

	body, err := c.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	if err := protocol.Expect(body, task); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}

	n, err := decodeNotification(reply.Status, body)
	if err != nil {
		return nil, nil, err
	}
	return nil, n, nil
}

func decodeNotification(status protocol.Status, body *protocol.Frame) (*Notification, error) {
	n := &Notification{Status: status}
	switch status {
	case protocol.StatusBroadLogon, protocol.StatusBroadLogoff:
		var msg protocol.UsernameMessage
		if err := msg.Decode(body.Payload); err != nil {
			return nil, err
		}
		n.Username = msg.Username
	default:
		var msg protocol.TextMessage
		if err := msg.Decode(body.Payload); err != nil {
			return nil, err
		}
		n.Message = &Message{Sender: msg.Sender, Text: msg.Text}
	}
	return n, nil
}

// next returns the next frame that is not a notification, queueing any
// notifications read on the way
func (c *Connection) next() (*protocol.Frame, error) {
	for {
		frame, n, err := c.readEvent()
		if err != nil {
			return nil, err
		}
		if n != nil {
			c.pending = append(c.pending, n)
			continue
		}
		return frame, nil
	}
}

// ReadNotification returns the oldest notification, reading one from the
// server if none is queued
func (c *Connection) ReadNotification() (*Notification, error) {
	if len(c.pending) > 0 {
		n := c.pending[0]
		c.pending = c.pending[1:]
		return n, nil
	}

	frame, n, err := c.readEvent()
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: got %s", ErrNoNotification, frame.Task)
	}
	return n, nil
}

// Pending returns how many notifications are queued
func (c *Connection) Pending() int {
	return len(c.pending)
}

func (c *Connection) readStatus(task protocol.TaskID) (protocol.Status, error) {
	frame, err := c.next()
	if err != nil {
		return 0, err
	}
	if err := protocol.Expect(frame, task); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}

	var msg protocol.StatusMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, err
	}
	return msg.Status, nil
}

func (c *Connection) readReply() (protocol.CommandReplyMessage, error) {
	var reply protocol.CommandReplyMessage
	frame, err := c.next()
	if err != nil {
		return reply, err
	}
	if err := protocol.Expect(frame, protocol.TaskServerCommand); err != nil {
		return reply, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	err = reply.Decode(frame.Payload)
	return reply, err
}

// expectReply reads a command reply and checks its status
func (c *Connection) expectReply(want protocol.Status) (uint64, error) {
	reply, err := c.readReply()
	if err != nil {
		return 0, err
	}
	if reply.Status != want {
		return 0, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, reply.Status, want)
	}
	return reply.Extra, nil
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
