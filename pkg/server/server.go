package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// ErrProtocolViolation is returned when a client sends a frame the current
// session state does not allow
var ErrProtocolViolation = errors.New("protocol violation")

// Server is the chat relay: one listener, one goroutine per connection, and
// the shared account directory and session registry.
type Server struct {
	directory  *accounts.Directory
	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
	sessions   *SessionManager
	config     ServerConfig
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	metrics    *Metrics
	registry   *prometheus.Registry
	startTime  time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort           int
	HTTPPort          int // 0 disables /metrics, /healthz and /ws
	CredentialsPath   string
	CredentialsDriver string
	IdleTimeout       time.Duration
	BlockDuration     time.Duration // Recorded only; lockouts never expire
	WriteTimeout      time.Duration
	MaxLoginAttempts  int
	MaxConnections    int // 0 = unlimited
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           6465,
		HTTPPort:          0,
		CredentialsPath:   "credentials.txt",
		CredentialsDriver: "file",
		IdleTimeout:       5 * time.Minute,
		BlockDuration:     60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxLoginAttempts:  3,
		MaxConnections:    0,
	}
}

// NewServer creates a server for the given account set
func NewServer(creds []accounts.Credential, config ServerConfig, opts ...accounts.Option) *Server {
	if config.MaxLoginAttempts <= 0 {
		config.MaxLoginAttempts = DefaultConfig().MaxLoginAttempts
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	sessions := NewSessionManager(config.WriteTimeout)
	sessions.SetMetrics(metrics)

	directory := accounts.NewDirectory(creds, opts...)
	metrics.RecordAccounts(directory.Len())

	return &Server{
		directory: directory,
		sessions:  sessions,
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		registry:  registry,
		startTime: time.Now(),
	}
}

// EnableDebugLogging sends frame traces and session lifecycle detail to stderr
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	debugLog.Println("Debug logging enabled")
}

// Directory exposes the account directory
func (s *Server) Directory() *accounts.Directory {
	return s.directory
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil if disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Start opens the listeners and begins accepting connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	log.Printf("Loaded %d accounts; idle timeout %v, %d password attempts, block duration %v (lockouts are permanent)",
		s.directory.Len(), s.config.IdleTimeout, s.config.MaxLoginAttempts, s.config.BlockDuration)

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listeners and every session, then waits for the accept
// loop to exit
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			err = s.listener.Close()
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil && err == nil {
				err = shutdownErr
			}
		}

		s.wg.Wait()
		s.sessions.CloseAll()
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		if s.config.MaxConnections > 0 && s.sessions.Count() >= s.config.MaxConnections {
			log.Printf("Rejecting connection from %s: %d connections open", conn.RemoteAddr(), s.config.MaxConnections)
			s.metrics.RecordConnectionRejected()
			conn.Close()
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs one client from init through logout
func (s *Server) handleConnection(conn net.Conn, connType string) {
	sess := s.sessions.CreateSession(conn, connType)
	debugLog.Printf("New %s connection from %s (session %d)", connType, conn.RemoteAddr(), sess.ID)

	var acct *accounts.Account
	defer func() { s.closeSession(sess, acct) }()

	if err := s.handleInit(sess); err != nil {
		s.logSessionError(sess, "init", err)
		return
	}

	acct, err := s.authenticate(sess)
	if err != nil {
		s.logSessionError(sess, "login", err)
		return
	}

	if err := s.sessions.Register(sess, acct); err != nil {
		errorLog.Printf("Session %d: register %q: %v", sess.ID, acct.Username(), err)
		return
	}
	log.Printf("Session %d: %s logged on from %s", sess.ID, acct.Username(), conn.RemoteAddr())

	s.BroadcastLogon(acct)

	if err := s.drainBacklog(sess, acct); err != nil {
		s.logSessionError(sess, "backlog", err)
		return
	}

	s.commandLoop(sess, acct)
}

// closeSession removes the session, tells everyone it left and frees the account
func (s *Server) closeSession(sess *Session, acct *accounts.Account) {
	registered := s.sessions.RemoveSession(sess.ID)
	if acct == nil {
		debugLog.Printf("Session %d closed before login", sess.ID)
		return
	}

	if registered {
		s.BroadcastLogoff(acct)
	}
	s.directory.LogOff(acct)
	log.Printf("Session %d: %s logged off", sess.ID, acct.Username())
}

// handleInit expects client_init_conn and acknowledges it
func (s *Server) handleInit(sess *Session) error {
	frame, err := s.readFrame(sess)
	if err != nil {
		return err
	}
	if err := protocol.Expect(frame, protocol.TaskClientInit); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	var msg protocol.ClientInitMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	sess.setListenPort(msg.ListenPort)

	return s.sendStatus(sess, protocol.TaskServerInit, protocol.StatusInitSuccess)
}

// commandLoop reads client_command frames until logout, timeout or error
func (s *Server) commandLoop(sess *Session, acct *accounts.Account) {
	for {
		frame, err := s.readFrame(sess)
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				log.Printf("Session %d: %s timed out after %v idle", sess.ID, acct.Username(), s.config.IdleTimeout)
				s.metrics.RecordIdleTimeout()
				if err := s.sendCommandReply(sess, protocol.StatusTimeOut, 0); err != nil {
					debugLog.Printf("Session %d: timeout notice: %v", sess.ID, err)
				}
				return
			}
			s.logSessionError(sess, "read", err)
			return
		}

		if err := protocol.Expect(frame, protocol.TaskClientCommand); err != nil {
			s.logSessionError(sess, "command", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			return
		}

		var msg protocol.CommandMessage
		if err := msg.Decode(frame.Payload); err != nil {
			s.logSessionError(sess, "command", fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			return
		}

		done, err := s.dispatch(sess, acct, msg.Command)
		if err != nil {
			s.logSessionError(sess, "dispatch", err)
			return
		}
		if done {
			return
		}
	}
}

// readFrame reads the next frame under the idle deadline
func (s *Server) readFrame(sess *Session) (*protocol.Frame, error) {
	if s.config.IdleTimeout > 0 {
		if err := sess.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return nil, err
		}
	}

	frame, err := sess.Conn.ReadFrame()
	if err != nil {
		return nil, err
	}

	debugLog.Printf("Session %d ← RECV: Task=%s PayloadLen=%d", sess.ID, frame.Task, len(frame.Payload))
	s.metrics.RecordFrameReceived(frame.Task)
	return frame, nil
}

// logSessionError reports why a session ended. Peer disconnects are routine
// and only go to the debug log.
func (s *Server) logSessionError(sess *Session, operation string, err error) {
	switch {
	case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, net.ErrClosed):
		debugLog.Printf("Session %d: %s: peer disconnected", sess.ID, operation)
	case errors.Is(err, ErrLoginRejected):
		debugLog.Printf("Session %d: %s: %v", sess.ID, operation, err)
	case errors.Is(err, ErrProtocolViolation):
		s.metrics.RecordProtocolViolation()
		errorLog.Printf("Session %d: %s failed: %v", sess.ID, operation, err)
	default:
		errorLog.Printf("Session %d: %s failed: %v", sess.ID, operation, err)
	}
}

// sendFrames writes frames to a session as one batch
func (s *Server) sendFrames(sess *Session, frames ...*protocol.Frame) error {
	if err := sess.Conn.SendBatch(frames...); err != nil {
		return err
	}
	s.traceSent(sess, frames)
	return nil
}

func (s *Server) traceSent(sess *Session, frames []*protocol.Frame) {
	for _, f := range frames {
		debugLog.Printf("Session %d → SEND: Task=%s PayloadLen=%d", sess.ID, f.Task, len(f.Payload))
		s.metrics.RecordFrameSent(f.Task)
	}
}

// sendStatus sends a bare status payload on the given task
func (s *Server) sendStatus(sess *Session, task protocol.TaskID, status protocol.Status) error {
	frame, err := protocol.NewFrame(task, &protocol.StatusMessage{Status: status})
	if err != nil {
		return err
	}
	return s.sendFrames(sess, frame)
}

// sendCommandReply sends server_command{status, extra}
func (s *Server) sendCommandReply(sess *Session, status protocol.Status, extra uint64) error {
	return s.sendFrames(sess, commandReplyFrame(status, extra))
}

func commandReplyFrame(status protocol.Status, extra uint64) *protocol.Frame {
	// A CommandReplyMessage has no variable fields, so encoding cannot fail
	frame, _ := protocol.NewFrame(protocol.TaskServerCommand, &protocol.CommandReplyMessage{Status: status, Extra: extra})
	return frame
}
