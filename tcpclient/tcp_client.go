// Package tcpclient provides an outbound TCP client built on a session: it
// dials a fixed endpoint from an event loop, optionally reconnecting with
// bounded retries, and reports connection, data, and disconnect events
// through callbacks.
package tcpclient

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/eventloop"
	"github.com/cyberinferno/fznet/logger"
	"github.com/cyberinferno/fznet/session"
)

// ErrClientStopped is returned by Run after Stop.
var ErrClientStopped = errors.New("tcpclient: client stopped")

// TCPClient owns one session that connects to ip:port. Callbacks run on the
// client loop, except the disconnect callback which runs on the goroutine
// that caused the disconnect.
type TCPClient struct {
	loop     *eventloop.Loop
	ownsLoop bool
	ip       string
	port     uint16
	logger   logger.Logger
	session  *session.Session
	stopped  atomic.Bool
}

// NewTCPClient creates a client for ip:port whose I/O runs on loop. A nil
// loop gives the client a private loop named after the endpoint.
//
// Parameters:
//   - loop: The loop that runs the client session, or nil
//   - ip: Peer IP or host name
//   - port: Peer port
//   - cfg: Session settings, typically from session.DefaultConfig
//
// Returns:
//   - A new *TCPClient; call Run before Connect when the client owns its loop
func NewTCPClient(loop *eventloop.Loop, ip string, port uint16, cfg session.Config) *TCPClient {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	log := logger.OrNop(cfg.Logger).With(logger.Field{Key: "client", Value: addr})
	cfg.Logger = log

	owned := loop == nil
	if owned {
		loop = eventloop.NewLoop(eventloop.LoopConfig{Name: "client-" + addr, Logger: log})
	}

	return &TCPClient{
		loop:     loop,
		ip:       ip,
		port:     port,
		logger:   log,
		session:  session.New(loop, cfg),
		ownsLoop: owned,
	}
}

// Run starts the client loop. A loop that is already running is left as is,
// so several clients can share one loop.
//
// Returns:
//   - ErrClientStopped after Stop, or the loop start error
func (c *TCPClient) Run() error {
	if c.stopped.Load() {
		return ErrClientStopped
	}

	if err := c.loop.Start(); err != nil && !errors.Is(err, eventloop.ErrLoopRunning) {
		return fmt.Errorf("client run: %w", err)
	}

	return nil
}

// Stop disconnects the session. A private loop created by NewTCPClient is
// stopped too, once the close has been processed; a loop passed in by the
// caller keeps running and stays the caller's to stop. Safe to call more than
// once.
//
// Returns:
//   - The loop stop error, if any
func (c *TCPClient) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.session.Disconnect()

	if !c.ownsLoop {
		return nil
	}

	if err := c.loop.Stop(); err != nil && !errors.Is(err, eventloop.ErrLoopNotRunning) {
		return fmt.Errorf("client stop: %w", err)
	}

	return nil
}

// Connect dials the configured endpoint. With reconnect enabled, failed
// attempts are retried after the session reconnect delay up to
// ReconnectTimes attempts, and a dropped connection is re-dialled.
//
// Parameters:
//   - reconnect: Whether to retry failed and broken connections
func (c *TCPClient) Connect(reconnect bool) {
	c.logger.Debug("client connect", logger.Field{Key: "reconnect", Value: reconnect})
	c.session.Connect(c.ip, c.port, reconnect)
}

// Disconnect tears the connection down for good. See session.Session.Disconnect.
func (c *TCPClient) Disconnect() {
	c.session.Disconnect()
}

// Send queues the readable bytes of buf. Data sent before the connection is
// up is written once it connects.
func (c *TCPClient) Send(buf *buffer.Buffer) error {
	return c.session.Send(buf)
}

// SendBytes queues a copy of p.
func (c *TCPClient) SendBytes(p []byte) error {
	return c.session.SendBytes(p)
}

// SendString queues s.
func (c *TCPClient) SendString(s string) error {
	return c.session.SendString(s)
}

// SetConnectCallback installs the connect callback. It fires again after
// every successful reconnect.
func (c *TCPClient) SetConnectCallback(cb session.ConnectCallback) {
	c.session.SetConnectCallback(cb)
}

// SetReadCallback installs the read callback.
func (c *TCPClient) SetReadCallback(cb session.ReadCallback) {
	c.session.SetReadCallback(cb)
}

// SetDisconnectCallback installs the disconnect callback. It fires once,
// when the client disconnects or gives up reconnecting.
func (c *TCPClient) SetDisconnectCallback(cb session.DisconnectCallback) {
	c.session.SetDisconnectCallback(cb)
}

// Session returns the underlying session.
func (c *TCPClient) Session() *session.Session {
	return c.session
}

// Loop returns the loop the client runs on.
func (c *TCPClient) Loop() *eventloop.Loop {
	return c.loop
}

// State returns the current connection state.
func (c *TCPClient) State() session.ConnectionState {
	return c.session.State()
}

// IsConnected reports whether the client is in the Connected state.
func (c *TCPClient) IsConnected() bool {
	return c.State() == session.Connected
}

// Address returns the configured endpoint as "host:port".
func (c *TCPClient) Address() string {
	return net.JoinHostPort(c.ip, strconv.Itoa(int(c.port)))
}
