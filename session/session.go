// Package session implements the per-connection agent: buffered reads and
// writes on an event loop, a thread-safe send queue, and a reconnect state
// machine with bounded attempts and fixed backoff.
//
// A Session is bound to one eventloop.Loop for its whole life. Socket, read
// buffer, in-flight write buffer, and reconnect counters are touched only by
// tasks running on that loop. Send and Disconnect may be called from any
// goroutine.
package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/eventloop"
	"github.com/cyberinferno/fznet/idgenerator"
	"github.com/cyberinferno/fznet/logger"
	"github.com/cyberinferno/fznet/resolver"
	"github.com/eapache/queue"
)

// ErrSessionClosed is returned by Send on a disconnected session.
var ErrSessionClosed = errors.New("session: session is disconnected")

var ids = idgenerator.NewIdGenerator(0)

// ConnectCallback is called on the session loop once the socket is connected.
type ConnectCallback func(s *Session)

// ReadCallback is called on the session loop after bytes were read into buf.
// The callback consumes what it handled with buf.Retrieve; unconsumed bytes
// stay in the buffer for the next call.
type ReadCallback func(s *Session, buf *buffer.Buffer)

// DisconnectCallback is called exactly once, on the goroutine that triggered
// the disconnect.
type DisconnectCallback func(s *Session)

type liveConn struct {
	net.Conn
}

type endpoint struct {
	ip   string
	port uint16
}

// Session is a per-connection agent. Create it with New; server sessions are
// handed their socket with Start, client sessions dial with Connect.
type Session struct {
	id             uint64
	loop           *eventloop.Loop
	logger         logger.Logger
	clock          clock.Clock
	resolver       *resolver.Resolver
	dialer         ContextDialer
	readBufferSize int

	state  atomic.Int32
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	remote atomic.Pointer[endpoint]
	// live mirrors conn so Disconnect can close the socket when the loop no
	// longer runs tasks.
	live atomic.Pointer[liveConn]

	reconnect      atomic.Bool
	reconnectTimes atomic.Int64
	reconnectDelay atomic.Int64
	// failures counts failed attempts of the current connect sequence.
	// Written only on the loop.
	failures atomic.Int64

	mu           sync.RWMutex
	onConnect    ConnectCallback
	onRead       ReadCallback
	onDisconnect DisconnectCallback
	userData     any

	sendMu  sync.Mutex
	pending *queue.Queue

	// Owned by the loop goroutine.
	conn       net.Conn
	gen        uint64
	dialing    bool
	writing    bool
	targetHost string
	targetPort uint16
	readBuf    *buffer.Buffer
	writeBuf   *buffer.Buffer
	timer      *clock.Timer
}

// New creates a session bound to loop. The session has no socket yet.
//
// Parameters:
//   - loop: The loop that runs every I/O completion of this session
//   - cfg: Session settings; zero fields use defaults
//
// Returns:
//   - A new *Session in the Idle state
func New(loop *eventloop.Loop, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := ids.Id()

	s := &Session{
		id:             id,
		loop:           loop,
		logger:         cfg.Logger.With(logger.Field{Key: "session_id", Value: id}),
		clock:          cfg.Clock,
		resolver:       cfg.Resolver,
		dialer:         cfg.Dialer,
		readBufferSize: cfg.ReadBufferSize,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		pending:        queue.New(),
		readBuf:        buffer.New(),
		writeBuf:       buffer.New(),
	}
	s.reconnectTimes.Store(int64(attemptLimit(cfg.ReconnectTimes)))
	s.reconnectDelay.Store(int64(cfg.ReconnectDelay))
	s.state.Store(int32(Idle))
	s.remote.Store(&endpoint{})

	return s
}

// ID returns the identifier assigned at construction. IDs are never reused.
func (s *Session) ID() uint64 { return s.id }

// Loop returns the loop the session is bound to.
func (s *Session) Loop() *eventloop.Loop { return s.loop }

// State returns the current connection state.
func (s *Session) State() ConnectionState { return ConnectionState(s.state.Load()) }

// RemoteIP returns the peer IP, or the connect host before the first
// successful connect.
func (s *Session) RemoteIP() string { return s.remote.Load().ip }

// RemotePort returns the peer port.
func (s *Session) RemotePort() uint16 { return s.remote.Load().port }

// RemoteAddr returns the peer as "ip:port".
func (s *Session) RemoteAddr() string {
	r := s.remote.Load()
	return net.JoinHostPort(r.ip, strconv.Itoa(int(r.port)))
}

// Done returns a channel that is closed once the session is disconnected and
// its disconnect callback has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// ReconnectEnabled reports whether failed connects and broken connections
// are retried.
func (s *Session) ReconnectEnabled() bool { return s.reconnect.Load() }

// SetReconnect enables or disables reconnection. Connect overrides it with
// its own argument.
func (s *Session) SetReconnect(reconnect bool) { s.reconnect.Store(reconnect) }

// ReconnectTimes returns the configured maximum number of attempts of a
// connect sequence. It does not change as attempts fail; see
// RemainingAttempts.
func (s *Session) ReconnectTimes() int { return int(s.reconnectTimes.Load()) }

// RemainingAttempts returns how many connect attempts the current connect
// sequence may still make. It is reset to ReconnectTimes after every
// successful connect.
func (s *Session) RemainingAttempts() int {
	left := s.ReconnectTimes() - int(s.failures.Load())
	if left < 0 {
		return 0
	}

	return left
}

// SetReconnectTimes sets the maximum number of attempts of a connect
// sequence. Values below one mean a single attempt with no retry. Configure
// it before Connect; changing it while a reconnect sequence runs is not
// supported.
func (s *Session) SetReconnectTimes(times int) { s.reconnectTimes.Store(int64(attemptLimit(times))) }

// ReconnectDelay returns the backoff between connect attempts.
func (s *Session) ReconnectDelay() time.Duration { return time.Duration(s.reconnectDelay.Load()) }

// SetReconnectDelay sets the backoff between connect attempts. Configure it
// before Connect.
func (s *Session) SetReconnectDelay(delay time.Duration) { s.reconnectDelay.Store(int64(delay)) }

// SetConnectCallback installs the connect callback. Pass nil to clear it.
func (s *Session) SetConnectCallback(cb ConnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

// SetReadCallback installs the read callback. Pass nil to clear it.
func (s *Session) SetReadCallback(cb ReadCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = cb
}

// SetDisconnectCallback installs the disconnect callback. Pass nil to clear it.
func (s *Session) SetDisconnectCallback(cb DisconnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = cb
}

// SetUserData attaches protocol state to the session, typically from the
// connect callback. Read callbacks fetch it back with UserData.
func (s *Session) SetUserData(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData = v
}

// UserData returns the value stored with SetUserData.
func (s *Session) UserData() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userData
}

// Send queues the readable bytes of buf for writing. buf is copied and not
// modified. Send is safe for concurrent use; data queued by one goroutine is
// written in the order it was queued. The queue is unbounded.
//
// Parameters:
//   - buf: The data to send
//
// Returns:
//   - ErrSessionClosed after Disconnect, or the loop error if the loop is stopped
func (s *Session) Send(buf *buffer.Buffer) error {
	if buf == nil {
		return nil
	}

	return s.SendBytes(buf.Peek())
}

// SendString queues str for writing. See Send.
func (s *Session) SendString(str string) error {
	return s.SendBytes([]byte(str))
}

// SendBytes queues a copy of p for writing. See Send.
func (s *Session) SendBytes(p []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	if len(p) == 0 {
		return nil
	}

	data := make([]byte, len(p))
	copy(data, p)

	s.sendMu.Lock()
	s.pending.Add(data)
	s.sendMu.Unlock()

	return s.post(s.flush)
}

// PendingSends returns the number of queued buffers not yet moved to the
// in-flight write buffer.
func (s *Session) PendingSends() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.pending.Length()
}

// Disconnect tears the session down. The first call fires the disconnect
// callback on the calling goroutine, aborts any dial or reconnect wait, and
// closes the socket on the session loop. When the loop no longer accepts
// tasks the socket is closed on the calling goroutine instead. Later calls do
// nothing.
func (s *Session) Disconnect() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.setState(Disconnected)
	s.cancel()
	s.logger.Debug("session disconnect", logger.Field{Key: "remote", Value: s.RemoteAddr()})

	if cb := s.disconnectCallback(); cb != nil {
		cb(s)
	}

	close(s.done)

	if err := s.post(s.closeConn); err != nil {
		s.logger.Debug("loop not running, closing socket directly", logger.Field{Key: "error", Value: err.Error()})
		if c := s.live.Swap(nil); c != nil {
			_ = c.Close()
		}
	}
}

func (s *Session) post(task eventloop.Task) error {
	return s.loop.PostTask(task)
}

// setState moves the session to state unless it is already Disconnected,
// which is terminal.
func (s *Session) setState(state ConnectionState) {
	for {
		cur := s.state.Load()
		if ConnectionState(cur) == Disconnected {
			return
		}

		if s.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

func (s *Session) setRemote(ip string, port uint16) {
	s.remote.Store(&endpoint{ip: ip, port: port})
}

func (s *Session) connectCallback() ConnectCallback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onConnect
}

func (s *Session) readCallback() ReadCallback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onRead
}

func (s *Session) disconnectCallback() DisconnectCallback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onDisconnect
}
