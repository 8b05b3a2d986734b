package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
)

// ErrAlreadyRegistered is returned when an account already owns a registry entry
var ErrAlreadyRegistered = errors.New("account already has a registered session")

// Session represents an active client connection
type Session struct {
	ID        uint64
	Conn      *SafeConn // Connection with automatic write synchronization
	ConnType  string    // "tcp" or "websocket"
	Addr      net.IP    // Peer IPv4 address (nil when the transport has none)
	CreatedAt time.Time

	mu         sync.RWMutex // Protects the fields below
	account    *accounts.Account
	listenPort uint16
	ready      bool
}

// Account returns the authenticated account, or nil before login
func (s *Session) Account() *accounts.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Username returns the authenticated username, or "" before login
func (s *Session) Username() string {
	if acct := s.Account(); acct != nil {
		return acct.Username()
	}
	return ""
}

// ListenPort returns the port the client accepts peer dials on
func (s *Session) ListenPort() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenPort
}

func (s *Session) setListenPort(port uint16) {
	s.mu.Lock()
	s.listenPort = port
	s.mu.Unlock()
}

// IsReady reports whether the backlog has been drained and the session
// takes notifications
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Session) markReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// SessionManager is the registry of live connections
type SessionManager struct {
	sessions     map[uint64]*Session
	byAccount    map[string]*Session
	nextID       uint64
	mu           sync.RWMutex
	metrics      *Metrics
	writeTimeout time.Duration
}

// NewSessionManager creates a new session manager
func NewSessionManager(writeTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:     make(map[uint64]*Session),
		byAccount:    make(map[string]*Session),
		nextID:       1,
		writeTimeout: writeTimeout,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession wraps a new connection. It is tracked for shutdown but is
// not visible to fan-out until Register.
func (sm *SessionManager) CreateSession(conn net.Conn, connType string) *Session {
	sess := &Session{
		ID:        atomic.AddUint64(&sm.nextID, 1) - 1,
		Conn:      NewSafeConn(conn, sm.writeTimeout),
		ConnType:  connType,
		Addr:      remoteIPv4(conn.RemoteAddr()),
		CreatedAt: time.Now(),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated(connType)
	}

	return sess
}

// Register attaches an authenticated account to a session and indexes it by
// username. The account must already be logged on.
func (sm *SessionManager) Register(sess *Session, acct *accounts.Account) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if existing, ok := sm.byAccount[acct.Username()]; ok && existing != sess {
		return ErrAlreadyRegistered
	}

	sess.mu.Lock()
	sess.account = acct
	sess.mu.Unlock()

	sm.byAccount[acct.Username()] = sess
	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(len(sm.byAccount))
	}
	return nil
}

// LookupByUsername returns the registered session for an account
func (sm *SessionManager) LookupByUsername(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byAccount[username]
	return sess, ok
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns every tracked session, registered or not
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RegisteredSessions snapshots the registry. Fan-out iterates the copy so
// the registry lock is never held across a send.
func (sm *SessionManager) RegisteredSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.byAccount))
	for _, sess := range sm.byAccount {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes the connection. Reports
// whether the session had been registered.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)

	registered := false
	if name := sess.Username(); name != "" && sm.byAccount[name] == sess {
		delete(sm.byAccount, name)
		registered = true
	}
	sessionCount := len(sm.sessions)
	onlineCount := len(sm.byAccount)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordOnlineUsers(onlineCount)
		sm.metrics.RecordSessionClosed()
	}

	sess.Conn.Close()
	return registered
}

// Count returns the number of tracked sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountOnline returns the number of registered sessions
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byAccount)
}

// CloseAll closes every connection. Each session loop then errors out of
// its read and cleans up after itself.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}

// remoteIPv4 extracts the peer's IPv4 address, if it has one
func remoteIPv4(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		if addr == nil {
			return nil
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		ip = net.ParseIP(host)
	}
	return ip.To4()
}
