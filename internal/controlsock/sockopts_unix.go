//go:build linux || darwin

package controlsock

import "syscall"

// tuneBuffers raises the socket's receive/send buffers, the same way the
// engine's HTTP transport tunes connections handling many concurrent
// range requests: a control connection carries task snapshots that can
// grow into the hundreds of entries, and the default buffer size forces
// extra syscalls to drain a single status response.
func tuneBuffers(fd uintptr) {
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 256*1024)
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 256*1024)
}
