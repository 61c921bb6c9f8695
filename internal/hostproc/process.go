package hostproc

import (
	"errors"

	"github.com/danmuck/patchctl/internal/inject"
)

// ErrProcessExited marks a wait that ended because the host process died.
// It is a benign race and is never reported to the user.
var ErrProcessExited = inject.ErrProcessExited

var ErrInvalidPID = errors.New("hostproc: invalid pid")

// Process is a native handle to a running OS process. Exited is closed once
// the OS reports the process gone.
type Process interface {
	PID() int
	Handle() uintptr
	Exited() <-chan struct{}
	HasExited() bool
	Close() error
}

// exitSignal is the shared close-once exit notification used by the
// platform implementations.
type exitSignal struct {
	ch   chan struct{}
	done chan struct{}
}

func newExitSignal() exitSignal {
	return exitSignal{ch: make(chan struct{}), done: make(chan struct{})}
}

func (s exitSignal) fire() {
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

func (s exitSignal) exited() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
