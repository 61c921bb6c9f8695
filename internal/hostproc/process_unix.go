//go:build unix

package hostproc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 250 * time.Millisecond

type unixProcess struct {
	pid  int
	fd   int
	stop chan struct{}
	sig  exitSignal
	once sync.Once
}

// Open starts watching pid for exit. On Linux a pidfd is used; elsewhere
// the process is probed with signal 0.
func Open(pid int) (Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return nil, fmt.Errorf("hostproc: open pid=%d: %w", pid, err)
	}
	p := &unixProcess{pid: pid, fd: -1, stop: make(chan struct{}), sig: newExitSignal()}
	if fd, err := pidfdOpen(pid); err == nil {
		p.fd = fd
	}
	go p.watch()
	return p, nil
}

func (p *unixProcess) watch() {
	defer close(p.sig.done)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if p.gone() {
			p.sig.fire()
			return
		}
		select {
		case <-p.stop:
			return
		case <-t.C:
		}
	}
}

func (p *unixProcess) gone() bool {
	if p.fd >= 0 {
		fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		return err == nil && n > 0
	}
	err := unix.Kill(p.pid, 0)
	return errors.Is(err, unix.ESRCH)
}

func (p *unixProcess) PID() int                { return p.pid }
func (p *unixProcess) Handle() uintptr         { return uintptr(p.fd) }
func (p *unixProcess) Exited() <-chan struct{} { return p.sig.ch }
func (p *unixProcess) HasExited() bool         { return p.sig.exited() || p.gone() }

func (p *unixProcess) Close() error {
	p.once.Do(func() {
		close(p.stop)
		<-p.sig.done
		if p.fd >= 0 {
			_ = unix.Close(p.fd)
		}
	})
	return nil
}
