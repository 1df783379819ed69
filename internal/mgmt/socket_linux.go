//go:build linux

package mgmt

import (
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// configureSocket enables TCP keepalive and disables Nagle (spec §4.5:
// "both sides enable TCP keepalive and disable Nagle for latency"), via
// the same syscall.RawConn + x/sys/unix idiom the teacher uses for its
// BFD UDP sender socket options (internal/netio/sender.go).
func configureSocket(conn net.Conn, logger *slog.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		if logger != nil {
			logger.Warn("mgmt: SyscallConn failed, leaving socket options at defaults", slog.Any("err", err))
		}
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if ctrlErr != nil && logger != nil {
		logger.Warn("mgmt: setsockopt failed, leaving socket options at defaults", slog.Any("err", ctrlErr))
	}
}
