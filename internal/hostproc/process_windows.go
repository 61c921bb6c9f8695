//go:build windows

package hostproc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

const processAccess = windows.SYNCHRONIZE |
	windows.PROCESS_QUERY_LIMITED_INFORMATION |
	windows.PROCESS_CREATE_THREAD |
	windows.PROCESS_VM_OPERATION |
	windows.PROCESS_VM_READ |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_DUP_HANDLE

type winProcess struct {
	pid    int
	handle windows.Handle
	cancel windows.Handle
	sig    exitSignal
	once   sync.Once
}

// Open opens pid with the rights injection needs and starts watching for
// its exit.
func Open(pid int) (Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	h, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("hostproc: open pid=%d: %w", pid, err)
	}
	cancel, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("hostproc: create event pid=%d: %w", pid, err)
	}
	p := &winProcess{pid: pid, handle: h, cancel: cancel, sig: newExitSignal()}
	go p.watch()
	return p, nil
}

func (p *winProcess) watch() {
	defer close(p.sig.done)
	ev, err := windows.WaitForMultipleObjects([]windows.Handle{p.handle, p.cancel}, false, windows.INFINITE)
	if err != nil {
		return
	}
	if ev == windows.WAIT_OBJECT_0 {
		p.sig.fire()
	}
}

func (p *winProcess) PID() int                { return p.pid }
func (p *winProcess) Handle() uintptr         { return uintptr(p.handle) }
func (p *winProcess) Exited() <-chan struct{} { return p.sig.ch }
func (p *winProcess) HasExited() bool         { return p.sig.exited() }

func (p *winProcess) Close() error {
	var err error
	p.once.Do(func() {
		_ = windows.SetEvent(p.cancel)
		<-p.sig.done
		windows.CloseHandle(p.cancel)
		err = windows.CloseHandle(p.handle)
	})
	return err
}
