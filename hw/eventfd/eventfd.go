//go:build linux

// Package eventfd wraps the eventfd and epoll pair used to wake a goroutine blocked on a
// device file descriptor.
package eventfd

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{fd: -1}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick makes the eventfd readable.
func (e *EventFD) Kick() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, it is already readable.
		return nil
	}
	return err
}

// Drain resets the counter so the eventfd is no longer readable.
func (e *EventFD) Drain() error {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{fd: -1}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 1),
	}, nil
}

// Add watches fd for readability.
func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Wait blocks until one of the watched descriptors is readable and returns it.
func (ep *Epoll) Wait() (int, error) {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, err
		}
		if n > 0 {
			return int(ep.events[0].Fd), nil
		}
	}
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
