//go:build windows

package controlsock

import "syscall"

// tuneBuffers raises the socket's receive/send buffers; see the unix
// variant for why a control connection benefits from this.
func tuneBuffers(fd uintptr) {
	syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 256*1024)
	syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 256*1024)
}
