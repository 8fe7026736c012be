//go:build unix

package tcpserver

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the listening socket before bind so a
// restarted server can rebind a port that still has connections in TIME_WAIT.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			serr = fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	}); err != nil {
		return err
	}

	return serr
}
