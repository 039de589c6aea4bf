//go:build !unix

package reqresp

import (
	"net"
	"syscall"
)

func nonblockingRead(rc syscall.RawConn, p []byte) (int, error) {
	return 0, ErrPollerUnsupported
}

func nonblockingWrite(rc syscall.RawConn, p []byte) (int, error) {
	return 0, ErrPollerUnsupported
}

func acceptConn(rc syscall.RawConn) (*net.TCPConn, error) {
	return nil, ErrPollerUnsupported
}
