// Package tcpserver provides an event-loop TCP server: an Acceptor that hands
// accepted sockets to sessions, and a TCPServer that spreads those sessions
// over a loop pool and keeps a registry of the connected ones.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/eventloop"
	"github.com/cyberinferno/fznet/logger"
	"github.com/cyberinferno/fznet/safemap"
	"github.com/cyberinferno/fznet/session"
)

var (
	// ErrServerRunning is returned by Start on a running server.
	ErrServerRunning = errors.New("tcpserver: server already running")
	// ErrServerStopped is returned by Start once the server has been stopped.
	// A stopped server cannot be restarted; create a new one.
	ErrServerStopped = errors.New("tcpserver: server stopped")
)

// Config holds TCPServer settings.
type Config struct {
	// Name labels the server in logs and names its loops.
	Name string
	// PoolSize is the number of event loops; values below one mean one.
	PoolSize int
	// IP is the local address to bind; empty binds every interface.
	IP string
	// Port is the local port to bind; 0 picks an ephemeral port.
	Port uint16
	// Logger receives server, loop and session diagnostics; nil disables logging.
	Logger logger.Logger
	// Session is applied to every accepted session.
	Session session.Config
}

// DefaultConfig returns a Config for ip:port with one loop per CPU and
// default session settings.
//
// Parameters:
//   - ip: Local IP to bind
//   - port: Local port to bind
//
// Returns:
//   - A Config ready to pass to NewTCPServer
func DefaultConfig(ip string, port uint16) Config {
	return Config{
		Name:     "tcp",
		PoolSize: runtime.NumCPU(),
		IP:       ip,
		Port:     port,
		Session:  session.DefaultConfig(),
	}
}

// TCPServer accepts connections on one address and distributes them over a
// pool of event loops in round-robin order. Sessions are registered by ID
// while connected.
type TCPServer struct {
	name       string
	logger     logger.Logger
	pool       *eventloop.Pool
	acceptor   *Acceptor
	sessionCfg session.Config
	sessions   *safemap.SafeMap[uint64, *session.Session]

	running atomic.Bool
	stopped atomic.Bool

	mu           sync.RWMutex
	initSession  func(*session.Session)
	onConnect    session.ConnectCallback
	onRead       session.ReadCallback
	onDisconnect session.DisconnectCallback
}

// NewTCPServer creates a server from cfg. Nothing is bound until Start.
//
// Parameters:
//   - cfg: Server settings, typically from DefaultConfig
//
// Returns:
//   - A new *TCPServer
func NewTCPServer(cfg Config) *TCPServer {
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}

	log := logger.OrNop(cfg.Logger).With(logger.Field{Key: "server", Value: cfg.Name})
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = log
	}

	pool := eventloop.NewPool(cfg.PoolSize, eventloop.LoopConfig{Name: cfg.Name, Logger: log})

	s := &TCPServer{
		name:       cfg.Name,
		logger:     log,
		pool:       pool,
		sessionCfg: cfg.Session,
		sessions:   safemap.NewSafeMap[uint64, *session.Session](),
	}

	s.acceptor = NewAcceptor(pool.FindNext(), cfg.IP, cfg.Port, log)
	s.acceptor.SetNewSessionCallback(s.newSession)

	return s
}

// SetNewSessionCallback installs an initializer run on every session the
// server creates, before the session is handed a socket. Use it to attach
// protocol state with Session.SetUserData or to adjust per-session settings.
func (s *TCPServer) SetNewSessionCallback(fn func(*session.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initSession = fn
}

// SetConnectCallback installs the callback fired when a session connects.
func (s *TCPServer) SetConnectCallback(cb session.ConnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

// SetReadCallback installs the callback fired when a session reads bytes.
func (s *TCPServer) SetReadCallback(cb session.ReadCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = cb
}

// SetDisconnectCallback installs the callback fired when a session
// disconnects. It also fires for the session waiting on accept when the
// server stops.
func (s *TCPServer) SetDisconnectCallback(cb session.DisconnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = cb
}

// Start starts the loop pool and then the acceptor. If the acceptor cannot
// bind, the pool is stopped again and the server cannot be restarted.
//
// Returns:
//   - ErrServerRunning, ErrServerStopped, or the pool or bind error
func (s *TCPServer) Start() error {
	if s.stopped.Load() {
		return ErrServerStopped
	}

	if !s.running.CompareAndSwap(false, true) {
		s.logger.Error("server already running")
		return ErrServerRunning
	}

	if err := s.pool.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	if err := s.acceptor.Start(); err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		s.stopped.Store(true)
		s.running.Store(false)
		_ = s.pool.Stop()
		return fmt.Errorf("server %s failed to start: %w", s.name, err)
	}

	s.logger.Info(fmt.Sprintf("%s server started", s.name), logger.Field{Key: "addr", Value: s.Addr().String()})

	return nil
}

// Stop stops accepting, disconnects every registered session, and stops the
// loop pool after it has drained. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.logger.Info(fmt.Sprintf("%s server not running", s.name))
		return
	}

	s.stopped.Store(true)
	s.acceptor.Stop()

	for _, sess := range s.sessions.Values() {
		sess.Disconnect()
	}

	if err := s.pool.Stop(); err != nil {
		s.logger.Warn("loop pool stop", logger.Field{Key: "error", Value: err.Error()})
	}

	s.logger.Info(fmt.Sprintf("%s server stopped", s.name))
}

// Running reports whether the server is accepting connections.
func (s *TCPServer) Running() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	return s.acceptor.Addr()
}

// Pool returns the server's loop pool.
func (s *TCPServer) Pool() *eventloop.Pool {
	return s.pool
}

// GetSession returns the connected session with the given id, if present.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (s *TCPServer) GetSession(id uint64) (*session.Session, bool) {
	return s.sessions.Get(id)
}

// SessionCount returns the number of connected sessions.
func (s *TCPServer) SessionCount() int {
	return s.sessions.Len()
}

// Range calls f for each connected session until f returns false.
func (s *TCPServer) Range(f func(sess *session.Session) bool) {
	s.sessions.Range(func(_ uint64, sess *session.Session) bool {
		return f(sess)
	})
}

// Broadcast queues data on every connected session.
//
// Parameters:
//   - data: The bytes to send; copied per session
//
// Returns:
//   - The number of sessions the data was queued on
func (s *TCPServer) Broadcast(data []byte) int {
	n := 0
	s.Range(func(sess *session.Session) bool {
		if sess.SendBytes(data) == nil {
			n++
		}

		return true
	})

	return n
}

// newSession is the acceptor's session factory. Each session is bound to the
// next pool loop and wired to the server callbacks.
func (s *TCPServer) newSession() *session.Session {
	sess := session.New(s.pool.FindNext(), s.sessionCfg)
	sess.SetConnectCallback(s.handleConnect)
	sess.SetReadCallback(s.handleRead)
	sess.SetDisconnectCallback(s.handleDisconnect)

	s.mu.RLock()
	initFn := s.initSession
	s.mu.RUnlock()

	if initFn != nil {
		initFn(sess)
	}

	return sess
}

func (s *TCPServer) handleConnect(sess *session.Session) {
	// A start task drained by Stop runs after the registry was swept.
	if s.stopped.Load() {
		sess.Disconnect()
		return
	}

	if _, loaded := s.sessions.LoadOrStore(sess.ID(), sess); loaded {
		s.logger.Warn("session already registered", logger.Field{Key: "session_id", Value: sess.ID()})
	}

	if sess.State() == session.Disconnected || s.stopped.Load() {
		s.sessions.Delete(sess.ID())
		sess.Disconnect()
		return
	}

	s.mu.RLock()
	cb := s.onConnect
	s.mu.RUnlock()

	if cb != nil {
		cb(sess)
	}
}

func (s *TCPServer) handleRead(sess *session.Session, buf *buffer.Buffer) {
	s.mu.RLock()
	cb := s.onRead
	s.mu.RUnlock()

	if cb != nil {
		cb(sess, buf)
	}
}

func (s *TCPServer) handleDisconnect(sess *session.Session) {
	if _, ok := s.sessions.LoadAndDelete(sess.ID()); ok {
		s.logger.Debug("session unregistered",
			logger.Field{Key: "session_id", Value: sess.ID()},
			logger.Field{Key: "remote", Value: sess.RemoteAddr()})
	}

	s.mu.RLock()
	cb := s.onDisconnect
	s.mu.RUnlock()

	if cb != nil {
		cb(sess)
	}
}
