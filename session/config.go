package session

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyberinferno/fznet/buffer"
	"github.com/cyberinferno/fznet/logger"
	"github.com/cyberinferno/fznet/resolver"
)

const (
	// DefaultReconnectTimes is the default number of connect attempts in one
	// connect sequence when reconnection is enabled.
	DefaultReconnectTimes = 3
	// DefaultReconnectDelay is the default backoff between connect attempts.
	DefaultReconnectDelay = 500 * time.Millisecond
	// DefaultDialTimeout bounds a single connect attempt.
	DefaultDialTimeout = 10 * time.Second
	// NoRetry is a ReconnectTimes value that allows a single connect attempt.
	NoRetry = -1
)

// ContextDialer opens outbound connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds per-session settings. Zero fields are replaced by defaults.
type Config struct {
	// ReconnectTimes is the maximum number of connect attempts made by one
	// connect sequence before the session gives up and disconnects. Zero
	// selects DefaultReconnectTimes; a negative value (or 1) means a single
	// attempt with no retry.
	ReconnectTimes int
	// ReconnectDelay is the fixed backoff between failed attempts.
	ReconnectDelay time.Duration
	// ReadBufferSize is the writable space reserved before each read into an
	// empty read buffer.
	ReadBufferSize int
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// Dialer opens client connections; nil uses a net.Dialer with DialTimeout.
	Dialer ContextDialer
	// Logger receives session diagnostics; nil disables logging.
	Logger logger.Logger
	// Clock drives the reconnect timer; nil uses the wall clock.
	Clock clock.Clock
	// Resolver turns connect hosts into IP addresses; nil uses resolver.Default().
	Resolver *resolver.Resolver
}

// DefaultConfig returns a Config with default values: 3 attempts, 500ms
// backoff, 1024 byte reads, 10s dial timeout.
func DefaultConfig() Config {
	return Config{
		ReconnectTimes: DefaultReconnectTimes,
		ReconnectDelay: DefaultReconnectDelay,
		ReadBufferSize: buffer.DefaultSize,
		DialTimeout:    DefaultDialTimeout,
	}
}

func attemptLimit(times int) int {
	if times < 1 {
		return 1
	}

	return times
}

func (c Config) withDefaults() Config {
	if c.ReconnectTimes == 0 {
		c.ReconnectTimes = DefaultReconnectTimes
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = buffer.DefaultSize
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout}
	}

	c.Logger = logger.OrNop(c.Logger)

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.Resolver == nil {
		c.Resolver = resolver.Default()
	}

	return c
}
