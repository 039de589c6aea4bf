//go:build unix

package reqresp

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// nonblockingRead performs a single read(2) on the descriptor behind rc.
func nonblockingRead(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n    int
		serr error
	)
	err := rc.Read(func(fd uintptr) bool {
		for {
			n, serr = unix.Read(int(fd), p)
			if serr != unix.EINTR {
				return true
			}
		}
	})
	switch {
	case err != nil:
		return 0, err
	case serr == unix.EAGAIN || serr == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case serr != nil:
		return 0, os.NewSyscallError("read", serr)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// nonblockingWrite performs a single write(2) on the descriptor behind rc.
func nonblockingWrite(rc syscall.RawConn, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n    int
		serr error
	)
	err := rc.Write(func(fd uintptr) bool {
		for {
			n, serr = unix.Write(int(fd), p)
			if serr != unix.EINTR {
				return true
			}
		}
	})
	switch {
	case err != nil:
		return 0, err
	case serr == unix.EAGAIN || serr == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case serr != nil:
		return 0, os.NewSyscallError("write", serr)
	}
	return n, nil
}

// acceptConn takes one connection off the listener's backlog without
// waiting. An empty backlog is reported as ErrWouldBlock.
func acceptConn(rc syscall.RawConn) (*net.TCPConn, error) {
	var (
		nfd  int
		serr error
	)
	err := rc.Read(func(fd uintptr) bool {
		for {
			nfd, _, serr = unix.Accept(int(fd))
			if serr != unix.EINTR {
				return true
			}
		}
	})
	switch {
	case err != nil:
		return nil, err
	case serr == unix.EAGAIN || serr == unix.EWOULDBLOCK || serr == unix.ECONNABORTED:
		return nil, ErrWouldBlock
	case serr != nil:
		return nil, os.NewSyscallError("accept", serr)
	}

	unix.CloseOnExec(nfd)
	f := os.NewFile(uintptr(nfd), "tcp")
	defer f.Close()

	// FileConn dups the descriptor and hands the copy to the runtime poller
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "file conn")
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, errors.Errorf("accepted %T, want *net.TCPConn", c)
	}
	return tc, nil
}
