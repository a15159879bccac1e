package strand

import (
	"time"

	"golang.org/x/sys/unix"
)

// eventfd increment; read-only, shared by all wake callers.
var wakeOne = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// readiness bits reported by poll.wait.
const (
	readyRead  = 1 << iota // readable, peer shutdown or error
	readyWrite             // writable or error
)

// poll wraps one epoll instance plus an eventfd used to interrupt wait
// from other threads. Descriptors are registered only while a task waits
// on them, so the epoll set mirrors the scheduler's waiting table exactly
// and a readiness report for an unknown descriptor is an invariant
// violation rather than a stale event.
type poll struct {
	fd      int
	wakefd  int
	events  []unix.EpollEvent
	wakebuf [8]byte
}

func mkPoll() (*poll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	p := &poll{
		fd:     fd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 128),
	}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakefd,
		&unix.EpollEvent{Fd: int32(wakefd), Events: unix.EPOLLIN},
	); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poll) close() error {
	err := unix.Close(p.wakefd)
	if e := unix.Close(p.fd); err == nil {
		err = e
	}
	return err
}

// arm registers fd for one direction of readiness. The caller unregisters
// with disarm before closing fd so a reused descriptor number cannot
// deliver a stale report.
func (p *poll) arm(fd int, write bool) error {
	ev := &unix.EpollEvent{Fd: int32(fd)}
	if write {
		ev.Events = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR
	} else {
		ev.Events = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *poll) disarm(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one armed descriptor is ready, the timeout
// elapses, or another thread calls wake. A negative timeout blocks
// indefinitely. f is invoked once per ready descriptor; eventfd wakeups
// are swallowed here and reported through the woken return instead.
func (p *poll) wait(timeout time.Duration, f func(fd int, ready int8)) (woken bool, err error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	var n int
	for {
		n, err = unix.EpollWait(p.fd, p.events, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		break
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			woken = true
			continue
		}
		var ready int8
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= readyRead
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= readyWrite
		}
		if ready != 0 {
			f(fd, ready)
		}
	}
	return woken, nil
}

// wake interrupts a concurrent wait. Safe to call from any thread;
// writes coalesce in the eventfd counter.
func (p *poll) wake() error {
	for {
		_, err := unix.Write(p.wakefd, wakeOne)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter saturated; a wakeup is already pending.
			return nil
		}
		return err
	}
}

func (p *poll) drainWake() {
	for {
		_, err := unix.Read(p.wakefd, p.wakebuf[:])
		if err != unix.EINTR {
			return
		}
	}
}
