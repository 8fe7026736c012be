package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/fznet/eventloop"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

func startedLoop(t *testing.T) *eventloop.Loop {
	t.Helper()

	l := eventloop.NewLoop(eventloop.LoopConfig{Name: t.Name()})
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func listen(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func listenerPort(ln net.Listener) uint16 {
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()

	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return server, client
}

// acceptAll accepts connections on ln until it is closed and publishes them.
func acceptAll(ln net.Listener) <-chan net.Conn {
	out := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(out)
				return
			}

			out <- c
		}
	}()

	return out
}

// scriptedDialer fails the first failFirst attempts (every attempt when
// failFirst is negative) and dials for real afterwards.
type scriptedDialer struct {
	failFirst int
	attempts  atomic.Int32
	d         net.Dialer
}

func (d *scriptedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	n := int(d.attempts.Add(1))
	if d.failFirst < 0 || n <= d.failFirst {
		return nil, errRefused
	}

	return d.d.DialContext(ctx, network, address)
}

// callbackRecorder counts callbacks and keeps what the read callback drained.
type callbackRecorder struct {
	connects    atomic.Int32
	disconnects atomic.Int32

	mu   sync.Mutex
	data []byte
}

func (r *callbackRecorder) install(s *Session) {
	s.SetConnectCallback(func(*Session) { r.connects.Add(1) })
	s.SetDisconnectCallback(func(*Session) { r.disconnects.Add(1) })
}

func (r *callbackRecorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed in time")
	}
}
