package server

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// client sockets: edge triggered, one event per arm
	EVENT_ONESHOT_ET = unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP

	EVENT_IN_ET_ERR = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	EVENT_ERR       = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

// Poller is the epoll instance. Adding and removing fds happens on the
// reactor, re-arming a one-shot fd may happen on whichever goroutine
// currently owns it.
type Poller struct {
	fd int
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	return &Poller{fd: epfd}, nil
}

func (p *Poller) Fd() int { return p.fd }

// Add registers fd. With oneShot the fd gets exactly one event before it
// has to be re-armed with Rearm.
func (p *Poller) Add(fd int, events uint32, oneShot bool) error {
	if oneShot {
		events |= EVENT_ONESHOT_ET
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrapf(err, "epoll ctl add fd=%d", fd)
	}
	return nil
}

// Rearm re-enables a one-shot fd for ev (EPOLLIN or EPOLLOUT).
func (p *Poller) Rearm(fd int, ev uint32) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: ev | EVENT_ONESHOT_ET,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrapf(err, "epoll ctl mod fd=%d", fd)
	}
	return nil
}

func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll ctl del fd=%d", fd)
	}
	return nil
}

// Wait blocks for at most msec milliseconds (-1 forever). EINTR is
// reported as zero events.
func (p *Poller) Wait(events []unix.EpollEvent, msec int) (int, error) {
	n, err := unix.EpollWait(p.fd, events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}
	return n, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
