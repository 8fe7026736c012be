package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/fznet/eventloop"
	"github.com/cyberinferno/fznet/logger"
	"github.com/cyberinferno/fznet/session"
)

var (
	// ErrNoSessionFactory is returned by Acceptor.Start when no session
	// factory has been installed.
	ErrNoSessionFactory = errors.New("tcpserver: no session factory installed")
	// ErrAcceptorRunning is returned by Acceptor.Start on a started acceptor.
	ErrAcceptorRunning = errors.New("tcpserver: acceptor already started")
	// ErrAcceptorStopped is returned by Acceptor.Start after Stop.
	ErrAcceptorStopped = errors.New("tcpserver: acceptor stopped")
)

// NewSessionFunc creates the session that will own the next accepted socket.
type NewSessionFunc func() *session.Session

// Acceptor listens on one address and hands every accepted socket to a fresh
// session. The accept loop runs on the acceptor's event loop: each accept
// blocks on its own goroutine and its completion is posted back to the loop.
type Acceptor struct {
	loop   *eventloop.Loop
	ip     string
	port   uint16
	logger logger.Logger

	started atomic.Bool
	stopped atomic.Bool

	mu         sync.RWMutex
	newSession NewSessionFunc
	listener   net.Listener
}

// NewAcceptor creates an acceptor for ip:port whose accept completions run on
// loop. Port 0 binds an ephemeral port; read it back with Addr after Start.
//
// Parameters:
//   - loop: The loop that runs the accept loop
//   - ip: Local IP to bind; empty binds every interface
//   - port: Local port to bind
//   - log: Logger for acceptor diagnostics; nil disables logging
//
// Returns:
//   - A new *Acceptor that is not yet listening
func NewAcceptor(loop *eventloop.Loop, ip string, port uint16, log logger.Logger) *Acceptor {
	return &Acceptor{
		loop: loop,
		ip:   ip,
		port: port,
		logger: logger.OrNop(log).With(
			logger.Field{Key: "component", Value: "acceptor"},
			logger.Field{Key: "addr", Value: net.JoinHostPort(ip, strconv.Itoa(int(port)))},
		),
	}
}

// SetNewSessionCallback installs the factory called once per accept attempt.
// The returned session must not be started; the acceptor starts it with the
// accepted socket, or disconnects it when the accept fails.
func (a *Acceptor) SetNewSessionCallback(fn NewSessionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newSession = fn
}

// Start binds the listener on the acceptor loop and enters the accept loop.
// It blocks until the bind outcome is known, so it must not be called from a
// task running on the acceptor loop.
//
// Returns:
//   - ErrNoSessionFactory, ErrAcceptorRunning, ErrAcceptorStopped, a loop
//     error, or the bind/listen error; nil once the acceptor is accepting
func (a *Acceptor) Start() error {
	if a.sessionFactory() == nil {
		return ErrNoSessionFactory
	}

	if a.stopped.Load() {
		return ErrAcceptorStopped
	}

	if !a.loop.Running() {
		return fmt.Errorf("acceptor start: %w", eventloop.ErrLoopNotRunning)
	}

	if !a.started.CompareAndSwap(false, true) {
		return ErrAcceptorRunning
	}

	result := make(chan error, 1)
	if err := a.loop.PostTask(func() { result <- a.listen() }); err != nil {
		a.started.Store(false)
		return fmt.Errorf("acceptor start: %w", err)
	}

	return <-result
}

// Stop closes the listener. The pending accept fails, its session is
// disconnected, and the accept loop ends. Safe to call more than once and
// before Start.
func (a *Acceptor) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		a.logger.Info("acceptor stopped")
	}
}

// Addr returns the bound listener address, or nil before a successful Start.
func (a *Acceptor) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.listener == nil {
		return nil
	}

	return a.listener.Addr()
}

// IP returns the configured bind IP.
func (a *Acceptor) IP() string { return a.ip }

// Port returns the configured bind port.
func (a *Acceptor) Port() uint16 { return a.port }

func (a *Acceptor) listen() error {
	addr := net.JoinHostPort(a.ip, strconv.Itoa(int(a.port)))
	lc := net.ListenConfig{Control: reuseAddrControl}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		a.started.Store(false)
		a.logger.Error("acceptor failed to listen", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("acceptor listen %s: %w", addr, err)
	}

	a.mu.Lock()
	if a.stopped.Load() {
		a.mu.Unlock()
		_ = ln.Close()
		return ErrAcceptorStopped
	}
	a.listener = ln
	a.mu.Unlock()

	a.logger.Info("acceptor listening", logger.Field{Key: "bound", Value: ln.Addr().String()})
	a.accept(ln)

	return nil
}

// accept issues one accept for a freshly created session.
func (a *Acceptor) accept(ln net.Listener) {
	factory := a.sessionFactory()
	if factory == nil {
		a.logger.Error("accept loop ended, no session factory")
		return
	}

	s := factory()
	if s == nil {
		a.logger.Error("accept loop ended, session factory returned nil")
		return
	}

	go func() {
		conn, err := ln.Accept()
		if perr := a.loop.PostTask(func() { a.onAccept(ln, s, conn, err) }); perr != nil {
			if conn != nil {
				_ = conn.Close()
			}

			s.Disconnect()
		}
	}()
}

func (a *Acceptor) onAccept(ln net.Listener, s *session.Session, conn net.Conn, err error) {
	if err != nil {
		s.Disconnect()

		if a.stopped.Load() || errors.Is(err, net.ErrClosed) {
			a.logger.Debug("accept loop ended")
			return
		}

		a.logger.Error("accept error", logger.Field{Key: "error", Value: err.Error()})
		a.accept(ln)
		return
	}

	a.logger.Debug("connection accepted",
		logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		logger.Field{Key: "session_id", Value: s.ID()})

	s.Start(conn)
	a.accept(ln)
}

func (a *Acceptor) sessionFactory() NewSessionFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.newSession
}
