package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// A session's own loop and fan-out from other sessions both write to the
// same socket. Writers take a place in line with reserve and write strictly
// in that order, and a status frame and its payload frame are written
// together so nothing can land between them. Taking a place never blocks,
// so it is safe under an account lock; waiting for the turn is not.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects next and serving
	turn         *sync.Cond
	next         uint64 // Next place handed out
	serving      uint64 // Place allowed to write now
	writeTimeout time.Duration
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	sc := &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	sc.turn = sync.NewCond(&sc.mu)
	return sc
}

// EncodeFrame encodes and sends a single protocol frame
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	return sc.SendBatch(frame)
}

// SendBatch writes several frames as one buffer, after every earlier
// reservation has written or been released
func (sc *SafeConn) SendBatch(frames ...*protocol.Frame) error {
	w := sc.reserve()
	defer w.release()
	return w.SendBatch(frames...)
}

// reserve takes the next place in the write order without waiting. Every
// reservation must be released, or later writers wait forever.
func (sc *SafeConn) reserve() *writeTurn {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	w := &writeTurn{sc: sc, place: sc.next}
	sc.next++
	return w
}

// writeFrames must only be called by the writer whose turn it is
func (sc *SafeConn) writeFrames(frames []*protocol.Frame) error {
	size := 0
	for _, f := range frames {
		size += protocol.HeaderSize + len(f.Payload)
	}

	buf := make([]byte, 0, size)
	for _, f := range frames {
		var err error
		if buf, err = protocol.AppendFrame(buf, f); err != nil {
			return err
		}
	}

	if sc.writeTimeout > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := sc.conn.Write(buf)
	return err
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// SetReadDeadline bounds the next ReadFrame
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// writeTurn is a reserved place in a SafeConn's write order
type writeTurn struct {
	sc       *SafeConn
	place    uint64
	waited   bool
	released bool
}

// wait blocks until every earlier place has been released
func (w *writeTurn) wait() {
	if w.waited {
		return
	}
	w.sc.mu.Lock()
	for w.sc.serving != w.place {
		w.sc.turn.Wait()
	}
	w.sc.mu.Unlock()
	w.waited = true
}

// SendBatch waits for this turn and writes; it may be called more than once
// before release
func (w *writeTurn) SendBatch(frames ...*protocol.Frame) error {
	w.wait()
	return w.sc.writeFrames(frames)
}

// release hands the turn to the next place. Idempotent.
func (w *writeTurn) release() {
	if w.released {
		return
	}
	w.wait()
	w.released = true

	w.sc.mu.Lock()
	w.sc.serving++
	w.sc.mu.Unlock()
	w.sc.turn.Broadcast()
}
