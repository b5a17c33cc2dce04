//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions enlarges the socket buffers for image streams and disables
// Nagle so tracking frames leave immediately.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1024*1024)
		if sysErr != nil {
			return
		}
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 4*1024*1024)
		if sysErr != nil {
			return
		}
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sysErr
}
