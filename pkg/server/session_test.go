package server

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T, sm *SessionManager) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return sm.CreateSession(server, "pipe"), client
}

func TestSessionManagerRegistry(t *testing.T) {
	dir := accounts.NewDirectory(testCredentials)
	alice, _ := dir.Lookup("alice")
	bob, _ := dir.Lookup("bob")

	sm := NewSessionManager(time.Second)
	s1, _ := pipeSession(t, sm)
	s2, _ := pipeSession(t, sm)
	s3, _ := pipeSession(t, sm)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 3, sm.Count())
	assert.Zero(t, sm.CountOnline())
	assert.Empty(t, sm.RegisteredSessions())

	require.NoError(t, sm.Register(s1, alice))
	require.NoError(t, sm.Register(s2, bob))
	assert.ErrorIs(t, sm.Register(s3, alice), ErrAlreadyRegistered)

	got, ok := sm.LookupByUsername("alice")
	require.True(t, ok)
	assert.Same(t, s1, got)
	assert.Equal(t, "alice", s1.Username())
	assert.Empty(t, s3.Username())
	assert.Len(t, sm.RegisteredSessions(), 2)

	assert.True(t, sm.RemoveSession(s1.ID))
	assert.False(t, sm.RemoveSession(s1.ID), "already removed")
	assert.False(t, sm.RemoveSession(s3.ID), "never registered")

	_, ok = sm.LookupByUsername("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, sm.Count())
	assert.Equal(t, 1, sm.CountOnline())
}

func TestSessionReadyAndListenPort(t *testing.T) {
	sm := NewSessionManager(0)
	sess, _ := pipeSession(t, sm)

	assert.False(t, sess.IsReady())
	sess.markReady()
	assert.True(t, sess.IsReady())

	sess.setListenPort(5555)
	assert.Equal(t, uint16(5555), sess.ListenPort())
	assert.Nil(t, sess.Addr, "pipes have no IP")
}

func TestRemoteIPv4(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want net.IP
	}{
		{"tcp v4", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 1}, net.IPv4(10, 0, 0, 7).To4()},
		{"tcp mapped", &net.TCPAddr{IP: net.ParseIP("::ffff:192.168.1.2"), Port: 1}, net.IPv4(192, 168, 1, 2).To4()},
		{"tcp v6", &net.TCPAddr{IP: net.IPv6loopback, Port: 1}, nil},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remoteIPv4(tt.addr))
		})
	}
}

// countingConn records every Write call
type countingConn struct {
	net.Conn
	mu     sync.Mutex
	writes [][]byte
}

func (c *countingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *countingConn) SetWriteDeadline(time.Time) error { return nil }

func TestSendBatchIsOneWrite(t *testing.T) {
	conn := &countingConn{}
	sc := NewSafeConn(conn, time.Second)

	frames := []*protocol.Frame{
		commandReplyFrame(protocol.StatusBroadMsg, 0),
		{Task: protocol.TaskServerBroadcastMessage, Payload: []byte("payload")},
	}
	require.NoError(t, sc.SendBatch(frames...))
	require.Len(t, conn.writes, 1)

	r := bytes.NewReader(conn.writes[0])
	for _, want := range frames {
		got, err := protocol.DecodeFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want.Task, got.Task)
		assert.Equal(t, want.Payload, got.Payload)
	}
}

func TestSendBatchConcurrentWritersDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	sc := NewSafeConn(server, 5*time.Second)

	const writers, batches = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				status := commandReplyFrame(protocol.Status(w+1), uint64(i))
				body := &protocol.Frame{Task: protocol.TaskServerDirectMessage, Payload: []byte{byte(w + 1), byte(i)}}
				if err := sc.SendBatch(status, body); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(w)
	}

	for n := 0; n < writers*batches; n++ {
		head, err := protocol.DecodeFrame(client)
		require.NoError(t, err)
		var reply protocol.CommandReplyMessage
		require.NoError(t, reply.Decode(head.Payload))

		body, err := protocol.DecodeFrame(client)
		require.NoError(t, err)
		require.Equal(t, protocol.TaskServerDirectMessage, body.Task)
		assert.Equal(t, []byte{byte(reply.Status), byte(reply.Extra)}, body.Payload, "status and payload frames must stay paired")
	}
	wg.Wait()
}

func TestReservationOrdersWriters(t *testing.T) {
	conn := &countingConn{}
	sc := NewSafeConn(conn, 0)

	held := sc.reserve()
	done := make(chan struct{})
	go func() {
		sc.EncodeFrame(commandReplyFrame(protocol.StatusClientMsg, 0))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("writer got ahead of an earlier reservation")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.SendBatch(commandReplyFrame(protocol.StatusBacklogMsg, 0)))
	held.release()
	held.release()
	<-done

	require.Len(t, conn.writes, 2)
	var first protocol.CommandReplyMessage
	require.NoError(t, first.Decode(conn.writes[0][protocol.HeaderSize:]))
	assert.Equal(t, protocol.StatusBacklogMsg, first.Status)
}

func TestUnusedReservationLetsLaterWritersThrough(t *testing.T) {
	conn := &countingConn{}
	sc := NewSafeConn(conn, 0)

	first := sc.reserve()
	second := sc.reserve()
	done := make(chan error, 1)
	go func() {
		done <- second.SendBatch(commandReplyFrame(protocol.StatusClientMsg, 0))
	}()

	first.release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("released reservation still holds the connection")
	}
	second.release()

	require.NoError(t, sc.EncodeFrame(commandReplyFrame(protocol.StatusTaskSuccess, 0)))
	assert.Len(t, conn.writes, 2)
}
