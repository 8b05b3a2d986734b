//go:build windows

package server

import "syscall"

// setSocketOptions marks the listener SO_REUSEADDR
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
