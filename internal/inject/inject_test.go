package inject

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/danmuck/patchctl/internal/payload"
	"github.com/danmuck/patchctl/internal/testutil/testlog"
)

type deadTarget struct{}

func (deadTarget) PID() int        { return 7 }
func (deadTarget) Handle() uintptr { return 0 }
func (deadTarget) HasExited() bool { return true }

func TestParamBlockLayout(t *testing.T) {
	testlog.Start(t)

	b := ParamBlock{ReadHandle: 1, WriteHandle: 2, ImageBase: 0x1000, ImageSize: 3}.Bytes()
	if len(b) != ParamBlockSize {
		t.Fatalf("unexpected size %d", len(b))
	}
	if binary.LittleEndian.Uint64(b[16:24]) != 0x1000 || binary.LittleEndian.Uint64(b[8:16]) != 2 {
		t.Fatalf("unexpected layout %x", b)
	}
}

func TestStepErrorWrapsBoth(t *testing.T) {
	testlog.Start(t)

	osErr := errors.New("access denied")
	err := error(&StepError{PID: 9, Step: StepAllocate, Err: osErr})
	if !errors.Is(err, ErrInjectionFailed) || !errors.Is(err, osErr) {
		t.Fatalf("expected both sentinels, got %v", err)
	}
}

func TestDeadTargetIsProcessExited(t *testing.T) {
	testlog.Start(t)

	_, err := Native().Inject(context.Background(), deadTarget{}, validImage(), Endpoint{})
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if errors.Is(stepFailed(deadTarget{}, StepWrite, errors.New("x")), ErrInjectionFailed) {
		t.Fatalf("a dead target must not be reported as an injection failure")
	}
}

func validImage() payload.Image {
	return payload.Image{Version: payload.BundleVersion, Code: []byte{0xc3}}
}
