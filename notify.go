package server

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Signal is work deferred into the event loop. Several kinds can be
// pending at once.
type Signal uint32

const (
	SignalTick Signal = 1 << iota
	SignalShutdown
)

func (s Signal) Has(k Signal) bool { return s&k != 0 }

// Notifier wakes the event loop through an eventfd. The fd only says
// "something is pending", the pending kinds travel in an atomic bitmask.
type Notifier struct {
	fd      int
	pending atomic.Uint32
}

func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &Notifier{fd: fd}, nil
}

func (n *Notifier) Fd() int { return n.fd }

// Notify is safe to call from any goroutine.
func (n *Notifier) Notify(s Signal) error {
	n.pending.Or(uint32(s))

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(n.fd, one[:])
		switch err {
		case nil, unix.EAGAIN: // counter saturated, loop is awake anyway
			return nil
		case unix.EINTR:
			continue
		default:
			return errors.Wrap(err, "eventfd write")
		}
	}
}

// Drain resets the eventfd and returns every kind posted since the last
// Drain.
func (n *Notifier) Drain() Signal {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		if err != unix.EINTR {
			break
		}
	}
	return Signal(n.pending.Swap(0))
}

func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}
