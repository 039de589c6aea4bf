//go:build linux

package reqresp

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll(7) poller with an eventfd for wakeups.
type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

func newPoller() (Poller, error) {
	return newEpollPoller()
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	p := &epollPoller{epfd: epfd, wakefd: wakefd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "epoll ctl add eventfd")
	}
	return p, nil
}

func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest&InterestRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&InterestWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll ctl add fd %d", fd)
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll ctl mod fd %d", fd)
}

func (p *epollPoller) Remove(fd int) error {
	return errors.Wrapf(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil), "epoll ctl del fd %d", fd)
}

func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}

	count := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}

		flags := raw[i].Events
		broken := flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		events[count] = Event{
			Fd:       fd,
			Readable: broken || flags&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: broken || flags&unix.EPOLLOUT != 0,
		}
		count++
	}
	return count, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

func (p *epollPoller) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakefd, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return errors.Wrap(err, "eventfd write")
}

func (p *epollPoller) Close() error {
	err1 := unix.Close(p.wakefd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return errors.Wrap(err1, "close eventfd")
	}
	return errors.Wrap(err2, "close epoll")
}
