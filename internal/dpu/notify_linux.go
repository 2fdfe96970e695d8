//go:build linux

package dpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// eventNotifier pairs an eventfd, written by the engine for every ready
// completion, with an epoll instance watching it in one-shot mode. Arm
// re-enables the watch, so each arm yields at most one wakeup.
type eventNotifier struct {
	events []unix.EpollEvent
	efd    int
	epfd   int
	mu     sync.Mutex
	closed bool
}

func newEventNotifier() (*eventNotifier, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(efd)
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	// Registered disarmed; Arm enables it.
	ev := unix.EpollEvent{Events: 0, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(efd)

		return nil, fmt.Errorf("epoll add: %w", err)
	}

	return &eventNotifier{
		efd:    efd,
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1),
	}, nil
}

func (n *eventNotifier) Arm() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNotifierClosed
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(n.efd)}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_MOD, n.efd, &ev); err != nil {
		return fmt.Errorf("epoll arm: %w", err)
	}

	return nil
}

func (n *eventNotifier) Clear() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNotifierClosed
	}

	var buf [8]byte

	_, err := unix.Read(n.efd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd read: %w", err)
	}

	return nil
}

func (n *eventNotifier) Wait(timeout time.Duration) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}

	epfd := n.epfd
	n.mu.Unlock()

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	for {
		cnt, err := unix.EpollWait(epfd, n.events, msec)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		if cnt == 0 {
			return ErrWaitTimeout
		}

		return nil
	}
}

func (n *eventNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true

	return errors.Join(unix.Close(n.epfd), unix.Close(n.efd))
}

func (n *eventNotifier) signal() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	var buf [8]byte

	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(n.efd, buf[:])
}

func (n *eventNotifier) signalAfter(d time.Duration) {
	if d <= 0 {
		n.signal()
		return
	}

	time.AfterFunc(d, n.signal)
}
