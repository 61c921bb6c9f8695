// Package fakehost provides in-memory stand-ins for host processes and the
// payload running inside them.
package fakehost

import (
	"sync"
	"sync/atomic"
)

// Process is a host process whose exit is triggered by the test.
type Process struct {
	pid    int
	exited chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func NewProcess(pid int) *Process {
	return &Process{pid: pid, exited: make(chan struct{})}
}

func (p *Process) PID() int                { return p.pid }
func (p *Process) Handle() uintptr         { return uintptr(p.pid) }
func (p *Process) Exited() <-chan struct{} { return p.exited }
func (p *Process) Closed() bool            { return p.closed.Load() }

func (p *Process) HasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Exit marks the process gone. It is safe to call more than once.
func (p *Process) Exit() {
	p.once.Do(func() { close(p.exited) })
}

func (p *Process) Close() error {
	p.closed.Store(true)
	return nil
}
