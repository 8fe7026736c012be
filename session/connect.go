package session

import (
	"context"
	"net"
	"strconv"

	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/logger"
)

// Start hands an accepted socket to the session and begins the session on
// its loop: the connect callback fires, the read loop starts, and data queued
// before the connection existed is flushed. A nil conn is logged and the
// session does not start.
//
// Parameters:
//   - conn: The connected socket; the session takes ownership
func (s *Session) Start(conn net.Conn) {
	err := s.post(func() {
		if s.closed.Load() {
			if conn != nil {
				_ = conn.Close()
			}

			return
		}

		s.attach(conn)
		s.start()
	})

	if err != nil {
		s.logger.Error("session start not scheduled", logger.Field{Key: "error", Value: err})
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// Connect dials host:port from the session loop. host may be an IP literal
// or a name resolved through the configured resolver. When reconnect is true
// a failed attempt is retried after the reconnect delay, up to
// ReconnectTimes attempts in total, and a broken connection is re-dialled.
// When the attempts are exhausted, or reconnect is false, the session
// disconnects.
//
// Parameters:
//   - host: Peer IP or host name
//   - port: Peer port
//   - reconnect: Whether to retry failed and broken connections
func (s *Session) Connect(host string, port uint16, reconnect bool) {
	if err := s.post(func() { s.connect(host, port, reconnect) }); err != nil {
		s.logger.Error("connect not scheduled", logger.Field{Key: "error", Value: err})
	}
}

// Reconnect waits for the reconnect delay and then dials host:port again,
// keeping the current reconnect setting. It is the retry path used after a
// failed connect or a broken connection; it does nothing on a session that is
// connected or disconnected.
//
// Parameters:
//   - host: Peer IP or host name
//   - port: Peer port
func (s *Session) Reconnect(host string, port uint16) {
	if err := s.post(func() { s.scheduleReconnect(host, port) }); err != nil {
		s.logger.Error("reconnect not scheduled", logger.Field{Key: "error", Value: err})
	}
}

func (s *Session) connect(host string, port uint16, reconnect bool) {
	if s.closed.Load() {
		return
	}

	if s.conn != nil || s.dialing {
		s.logger.Warn("connect ignored, session already connected or connecting",
			logger.Field{Key: "remote", Value: s.RemoteAddr()})
		return
	}

	s.targetHost, s.targetPort = host, port
	s.reconnect.Store(reconnect)
	s.setRemote(host, port)
	s.setState(Connecting)
	s.dialing = true

	s.logger.Debug("connect", logger.Field{Key: "host", Value: host}, logger.Field{Key: "port", Value: port})

	ctx := s.ctx
	go func() {
		conn, err := s.dial(ctx, host, port)
		perr := s.post(func() { s.connectDone(host, port, conn, err) })
		if perr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	ip, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	return s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
}

func (s *Session) connectDone(host string, port uint16, conn net.Conn, err error) {
	s.dialing = false

	if s.closed.Load() {
		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	if err != nil {
		attempt := s.failures.Add(1)
		s.resolver.Forget(host)
		s.logger.Warn("connect failed",
			logger.Field{Key: "remote", Value: s.RemoteAddr()},
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: err.Error()})

		if !s.reconnect.Load() || s.RemainingAttempts() <= 0 {
			s.Disconnect()
			return
		}

		s.closeSocket()
		s.scheduleReconnect(host, port)
		return
	}

	s.failures.Store(0)
	s.attach(conn)
	s.start()
}

func (s *Session) scheduleReconnect(host string, port uint16) {
	if s.closed.Load() || s.conn != nil || s.dialing {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	delay := s.ReconnectDelay()
	s.logger.Debug("reconnect pending",
		logger.Field{Key: "host", Value: host},
		logger.Field{Key: "port", Value: port},
		logger.Field{Key: "delay", Value: delay.String()})

	s.timer = s.clock.AfterFunc(delay, func() {
		if err := s.post(func() { s.onReconnectTimer(host, port) }); err != nil {
			s.logger.Warn("reconnect aborted", logger.Field{Key: "error", Value: err})
		}
	})
	s.setState(Reconnecting)
}

func (s *Session) onReconnectTimer(host string, port uint16) {
	s.timer = nil

	if s.closed.Load() {
		s.logger.Warn("reconnect aborted, session disconnected")
		return
	}

	s.connect(host, port, s.reconnect.Load())
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	s.gen++

	if conn != nil {
		s.live.Store(&liveConn{Conn: conn})
	}
}

func (s *Session) start() {
	if s.conn == nil {
		s.logger.Error("socket is not open")
		return
	}

	if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		s.setRemote(addr.IP.String(), uint16(addr.Port))
	}

	s.setState(Connected)
	s.logger.Debug("session start", logger.Field{Key: "remote", Value: s.RemoteAddr()})

	if cb := s.connectCallback(); cb != nil {
		cb(s)
	}

	if s.closed.Load() {
		s.closeSocket()
		return
	}

	s.read()
	s.flush()
}

// closeSocket closes the current socket and invalidates completions that are
// still in flight for it. Queued sends survive; the partially written
// in-flight buffer does not.
func (s *Session) closeSocket() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	s.live.Store(nil)

	s.gen++
	s.writing = false
	s.readBuf = buffer.New()
	s.writeBuf = buffer.New()
}

// closeConn is the close task posted by Disconnect.
func (s *Session) closeConn() {
	if s.timer != nil {
		if s.timer.Stop() {
			s.logger.Debug("reconnect cancelled")
		}

		s.timer = nil
	}

	s.closeSocket()
}
