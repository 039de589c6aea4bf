//go:build unix

package reqresp

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller is a poll(2) poller with a self-pipe for wakeups. It is the
// backend on unix systems without epoll and is usable on Linux as well.
type pollPoller struct {
	interests map[int]Interest
	fds       []unix.PollFd
	wake      [2]int
}

func newPollPoller() (*pollPoller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, errors.Wrap(err, "pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, errors.Wrap(err, "set nonblock")
		}
	}
	return &pollPoller{interests: make(map[int]Interest), wake: fds}, nil
}

func (p *pollPoller) Add(fd int, interest Interest) error {
	if _, ok := p.interests[fd]; ok {
		return errors.Errorf("fd %d already registered", fd)
	}
	p.interests[fd] = interest
	return nil
}

func (p *pollPoller) Modify(fd int, interest Interest) error {
	if _, ok := p.interests[fd]; !ok {
		return errors.Errorf("fd %d not registered", fd)
	}
	p.interests[fd] = interest
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	if _, ok := p.interests[fd]; !ok {
		return errors.Errorf("fd %d not registered", fd)
	}
	delete(p.interests, fd)
	return nil
}

func pollEvents(interest Interest) int16 {
	var events int16
	if interest&InterestRead != 0 {
		events |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func (p *pollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	p.fds = append(p.fds[:0], unix.PollFd{Fd: int32(p.wake[0]), Events: unix.POLLIN})
	registered := make([]int, 0, len(p.interests))
	for fd := range p.interests {
		registered = append(registered, fd)
	}
	sort.Ints(registered)
	for _, fd := range registered {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(p.interests[fd])})
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return 0, nil
	}

	if p.fds[0].Revents != 0 {
		p.drainWake()
	}

	count := 0
	for _, pfd := range p.fds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		if count == len(events) {
			break
		}
		broken := pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		events[count] = Event{
			Fd:       int(pfd.Fd),
			Readable: broken || pfd.Revents&unix.POLLIN != 0,
			Writable: broken || pfd.Revents&unix.POLLOUT != 0,
		}
		count++
	}
	return count, nil
}

func (p *pollPoller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wake[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollPoller) Wake() error {
	_, err := unix.Write(p.wake[1], []byte{0})
	if err == unix.EAGAIN {
		// pipe full, a wakeup is already pending
		return nil
	}
	return errors.Wrap(err, "pipe write")
}

func (p *pollPoller) Close() error {
	err1 := unix.Close(p.wake[0])
	err2 := unix.Close(p.wake[1])
	if err1 != nil {
		return errors.Wrap(err1, "close pipe")
	}
	return errors.Wrap(err2, "close pipe")
}
