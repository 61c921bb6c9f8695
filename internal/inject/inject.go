// Package inject places the payload image inside a running host process and
// starts it on a new remote thread.
package inject

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/patchctl/internal/payload"
)

var (
	ErrInjectionFailed     = errors.New("inject: injection failed")
	ErrProcessExited       = errors.New("inject: process exited")
	ErrUnsupportedPlatform = errors.New("inject: unsupported platform")
	ErrAlreadyInjected     = errors.New("inject: process already injected")
)

// Target is the host process being injected. Handle is the OS process
// handle with rights to allocate, write, create threads and duplicate
// handles.
type Target interface {
	PID() int
	Handle() uintptr
	HasExited() bool
}

// Endpoint is the payload's end of the message channel as handles owned
// by the controller. They are duplicated into the target.
type Endpoint struct {
	Read  uintptr
	Write uintptr
}

// Injection is the result of a successful injection. Region holds the image
// and is released once the payload has finished bootstrapping. Exit yields
// the payload thread's exit code once and is then closed.
type Injection struct {
	Region   io.Closer
	ThreadID uint32
	Exit     <-chan uint32
}

type Injector interface {
	Inject(ctx context.Context, target Target, image payload.Image, ep Endpoint) (*Injection, error)
}

// Step names a stage of the injection sequence.
type Step string

const (
	StepDuplicate Step = "duplicate_handle"
	StepAllocate  Step = "allocate"
	StepWrite     Step = "write"
	StepThread    Step = "create_thread"
)

// StepError records which step the OS rejected.
type StepError struct {
	PID  int
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("inject: pid=%d step=%s: %v", e.PID, e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrInjectionFailed, e.Err}
}

// ParamBlock is written after the image and passed to the entry routine.
// Layout is four little-endian uint64 values.
type ParamBlock struct {
	ReadHandle  uint64
	WriteHandle uint64
	ImageBase   uint64
	ImageSize   uint64
}

const ParamBlockSize = 32

// Bytes encodes the block in the layout the payload expects.
func (p ParamBlock) Bytes() []byte {
	buf := make([]byte, ParamBlockSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.ReadHandle)
	binary.LittleEndian.PutUint64(buf[8:16], p.WriteHandle)
	binary.LittleEndian.PutUint64(buf[16:24], p.ImageBase)
	binary.LittleEndian.PutUint64(buf[24:32], p.ImageSize)
	return buf
}

// checkAlive returns ErrProcessExited when the target is gone. It runs
// before every step.
func checkAlive(ctx context.Context, t Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.HasExited() {
		return fmt.Errorf("%w: pid=%d", ErrProcessExited, t.PID())
	}
	return nil
}

// stepFailed classifies an OS error: a dead target is ErrProcessExited,
// anything else is a StepError.
func stepFailed(t Target, step Step, err error) error {
	if t.HasExited() {
		return fmt.Errorf("%w: pid=%d during %s", ErrProcessExited, t.PID(), step)
	}
	return &StepError{PID: t.PID(), Step: step, Err: err}
}
