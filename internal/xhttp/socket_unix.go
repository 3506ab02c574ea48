//go:build linux || darwin

package xhttp

import "syscall"

// controlHighThreadSocket grows a dialed socket's send/receive buffers for
// deployments running many concurrent segment connections.
func controlHighThreadSocket(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 1024*1024)
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 1024*1024)
	})
}
