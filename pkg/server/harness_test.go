package server

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

var testCredentials = []accounts.Credential{
	{Username: "alice", Password: "wonderland"},
	{Username: "bob", Password: "builder"},
	{Username: "carol", Password: "singer"},
	{Username: "dave", Password: "grohl"},
	{Username: "erin", Password: "brockovich"},
	{Username: "frank", Password: "zappa"},
}

func passwordFor(username string) string {
	for _, c := range testCredentials {
		if c.Username == username {
			return c.Password
		}
	}
	return ""
}

// fakeClock is a settable clock for login time windows
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// startTestServer starts a real server on a random port and returns the server and address
func startTestServer(t *testing.T, mutate func(*ServerConfig), opts ...accounts.Option) (*Server, string) {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.IdleTimeout = 30 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	srv := NewServer(testCredentials, config, opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	port := srv.Addr().(*net.TCPAddr).Port
	return srv, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// testClient speaks the raw wire protocol
type testClient struct {
	t    *testing.T
	conn net.Conn
}

// dialClient connects and completes the init exchange
func dialClient(t *testing.T, addr string, listenPort uint16) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	c.send(protocol.TaskClientInit, &protocol.ClientInitMessage{Status: protocol.StatusInitSuccess, ListenPort: listenPort})
	require.Equal(t, protocol.StatusInitSuccess, c.expectStatus(protocol.TaskServerInit))
	return c
}

func (c *testClient) send(task protocol.TaskID, p protocol.Payload) {
	c.t.Helper()
	frame, err := protocol.NewFrame(task, p)
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.EncodeFrame(c.conn, frame))
}

func (c *testClient) read() *protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	frame, err := protocol.DecodeFrame(c.conn)
	require.NoError(c.t, err)
	return frame
}

func (c *testClient) expectFrame(task protocol.TaskID) *protocol.Frame {
	c.t.Helper()
	frame := c.read()
	require.Equal(c.t, task, frame.Task, "unexpected task")
	return frame
}

func (c *testClient) expectStatus(task protocol.TaskID) protocol.Status {
	c.t.Helper()
	var msg protocol.StatusMessage
	require.NoError(c.t, msg.Decode(c.expectFrame(task).Payload))
	return msg.Status
}

func (c *testClient) expectCommandReply() protocol.CommandReplyMessage {
	c.t.Helper()
	var msg protocol.CommandReplyMessage
	require.NoError(c.t, msg.Decode(c.expectFrame(protocol.TaskServerCommand).Payload))
	return msg
}

func (c *testClient) expectReply(status protocol.Status) uint64 {
	c.t.Helper()
	reply := c.expectCommandReply()
	require.Equal(c.t, status, reply.Status)
	return reply.Extra
}

func (c *testClient) expectUsername(task protocol.TaskID) string {
	c.t.Helper()
	var msg protocol.UsernameMessage
	require.NoError(c.t, msg.Decode(c.expectFrame(task).Payload))
	return msg.Username
}

func (c *testClient) expectText(task protocol.TaskID) protocol.TextMessage {
	c.t.Helper()
	var msg protocol.TextMessage
	require.NoError(c.t, msg.Decode(c.expectFrame(task).Payload))
	return msg
}

// expectLogon reads a broad_logon notification
func (c *testClient) expectLogon(username string) {
	c.t.Helper()
	c.expectReply(protocol.StatusBroadLogon)
	require.Equal(c.t, username, c.expectUsername(protocol.TaskServerBroadcastLogon))
}

// expectLogoff reads a broad_logoff notification
func (c *testClient) expectLogoff(username string) {
	c.t.Helper()
	c.expectReply(protocol.StatusBroadLogoff)
	require.Equal(c.t, username, c.expectUsername(protocol.TaskServerBroadcastLogoff))
}

// expectSilence asserts nothing arrives for d
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	frame, err := protocol.DecodeFrame(c.conn)
	require.ErrorIs(c.t, err, protocol.ErrTimeout, "expected no frame, got %v", frame)
}

// expectClosed asserts the server hung up
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, err := protocol.DecodeFrame(c.conn)
	require.ErrorIs(c.t, err, protocol.ErrConnectionClosed)
}

func (c *testClient) sendUsername(name string) protocol.Status {
	c.t.Helper()
	c.send(protocol.TaskClientUsername, &protocol.UsernameMessage{Username: name})
	return c.expectStatus(protocol.TaskServerUsername)
}

func (c *testClient) sendPassword(password string) protocol.Status {
	c.t.Helper()
	c.send(protocol.TaskClientPassword, &protocol.PasswordMessage{Password: password})
	return c.expectStatus(protocol.TaskServerPassword)
}

// login runs the handshake and reads the backlog, returning its entries
func (c *testClient) login(username string) []accounts.BacklogEntry {
	c.t.Helper()
	require.Equal(c.t, protocol.StatusInitSuccess, c.sendUsername(username))
	require.Equal(c.t, protocol.StatusInitSuccess, c.sendPassword(passwordFor(username)))

	n := c.expectReply(protocol.StatusBacklogMsg)
	entries := make([]accounts.BacklogEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		msg := c.expectText(protocol.TaskServerDirectMessage)
		entries = append(entries, accounts.BacklogEntry{Sender: msg.Sender, Text: msg.Text})
	}
	return entries
}

func (c *testClient) command(line string) {
	c.t.Helper()
	c.send(protocol.TaskClientCommand, &protocol.CommandMessage{Command: line})
}

// loginClient dials and logs in
func loginClient(t *testing.T, addr, username string) *testClient {
	t.Helper()
	c := dialClient(t, addr, 0)
	require.Empty(t, c.login(username))
	return c
}

// waitFor polls cond until it holds
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, readTimeout, 5*time.Millisecond)
}
