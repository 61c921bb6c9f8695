//go:build windows

package watch

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type toolhelpLister struct{}

// SystemLister walks a toolhelp process snapshot.
func SystemLister() Lister { return toolhelpLister{} }

func (toolhelpLister) List(ctx context.Context) ([]Entry, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("watch: toolhelp snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var e windows.ProcessEntry32
	e.Size = uint32(unsafe.Sizeof(e))
	if err := windows.Process32First(snap, &e); err != nil {
		return nil, fmt.Errorf("watch: first process: %w", err)
	}
	var out []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.ProcessID != 0 {
			out = append(out, Entry{PID: int(e.ProcessID), Name: windows.UTF16ToString(e.ExeFile[:])})
		}
		if err := windows.Process32Next(snap, &e); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return out, nil
			}
			return nil, fmt.Errorf("watch: next process: %w", err)
		}
	}
}
