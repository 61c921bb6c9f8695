//go:build windows

package inject

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/danmuck/patchctl/internal/payload"
	"golang.org/x/sys/windows"
)

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
)

// Native returns the platform injector.
func Native() Injector { return Windows{} }

// Windows injects with VirtualAllocEx, WriteProcessMemory and
// CreateRemoteThread.
type Windows struct{}

func (Windows) Inject(ctx context.Context, target Target, image payload.Image, ep Endpoint) (*Injection, error) {
	if err := checkAlive(ctx, target); err != nil {
		return nil, err
	}
	if err := image.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInjectionFailed, err)
	}
	proc := windows.Handle(target.Handle())

	remoteRead, err := duplicateInto(proc, windows.Handle(ep.Read))
	if err != nil {
		return nil, stepFailed(target, StepDuplicate, err)
	}
	remoteWrite, err := duplicateInto(proc, windows.Handle(ep.Write))
	if err != nil {
		closeRemote(proc, remoteRead)
		return nil, stepFailed(target, StepDuplicate, err)
	}
	abandon := func() {
		closeRemote(proc, remoteRead)
		closeRemote(proc, remoteWrite)
	}

	if err := checkAlive(ctx, target); err != nil {
		abandon()
		return nil, err
	}
	size := uintptr(image.Size() + ParamBlockSize)
	base, err := virtualAllocEx(proc, size)
	if err != nil {
		abandon()
		return nil, stepFailed(target, StepAllocate, err)
	}
	region := &remoteRegion{proc: proc, base: base}
	fail := func(step Step, err error) (*Injection, error) {
		_ = region.Close()
		abandon()
		if step == "" {
			return nil, err
		}
		return nil, stepFailed(target, step, err)
	}

	if err := checkAlive(ctx, target); err != nil {
		return fail("", err)
	}
	if err := writeAll(proc, base, image.Code); err != nil {
		return fail(StepWrite, err)
	}
	params := ParamBlock{
		ReadHandle:  uint64(remoteRead),
		WriteHandle: uint64(remoteWrite),
		ImageBase:   uint64(base),
		ImageSize:   uint64(image.Size()),
	}
	paramAddr := base + uintptr(image.Size())
	if err := writeAll(proc, paramAddr, params.Bytes()); err != nil {
		return fail(StepWrite, err)
	}

	if err := checkAlive(ctx, target); err != nil {
		return fail("", err)
	}
	thread, tid, err := createRemoteThread(proc, base+uintptr(image.EntryOffset), paramAddr)
	if err != nil {
		return fail(StepThread, err)
	}

	exit := make(chan uint32, 1)
	go waitThread(thread, exit)
	return &Injection{Region: region, ThreadID: tid, Exit: exit}, nil
}

func duplicateInto(proc, h windows.Handle) (windows.Handle, error) {
	var out windows.Handle
	err := windows.DuplicateHandle(windows.CurrentProcess(), h, proc, &out, 0, false, windows.DUPLICATE_SAME_ACCESS)
	return out, err
}

// closeRemote closes a handle that lives in the target process.
func closeRemote(proc, h windows.Handle) {
	_ = windows.DuplicateHandle(proc, h, 0, nil, 0, false, windows.DUPLICATE_CLOSE_SOURCE)
}

func virtualAllocEx(proc windows.Handle, size uintptr) (uintptr, error) {
	r, _, err := procVirtualAllocEx.Call(
		uintptr(proc), 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE,
	)
	if r == 0 {
		return 0, err
	}
	return r, nil
}

func writeAll(proc windows.Handle, addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	if err := windows.WriteProcessMemory(proc, addr, &data[0], uintptr(len(data)), &written); err != nil {
		return err
	}
	if written != uintptr(len(data)) {
		return fmt.Errorf("short write %d/%d", written, len(data))
	}
	return nil
}

func createRemoteThread(proc windows.Handle, entry, param uintptr) (windows.Handle, uint32, error) {
	var tid uint32
	r, _, err := procCreateRemoteThread.Call(
		uintptr(proc), 0, 0, entry, param, 0, uintptr(unsafe.Pointer(&tid)),
	)
	if r == 0 {
		return 0, 0, err
	}
	return windows.Handle(r), tid, nil
}

func waitThread(thread windows.Handle, exit chan<- uint32) {
	defer close(exit)
	defer windows.CloseHandle(thread)
	if _, err := windows.WaitForSingleObject(thread, windows.INFINITE); err != nil {
		return
	}
	var code uint32
	r, _, _ := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&code)))
	if r == 0 {
		return
	}
	exit <- code
}

// remoteRegion frees the injected image when closed.
type remoteRegion struct {
	proc windows.Handle
	base uintptr
	once sync.Once
	err  error
}

func (r *remoteRegion) Close() error {
	r.once.Do(func() {
		ret, _, err := procVirtualFreeEx.Call(uintptr(r.proc), r.base, 0, windows.MEM_RELEASE)
		if ret == 0 {
			r.err = err
		}
	})
	return r.err
}
