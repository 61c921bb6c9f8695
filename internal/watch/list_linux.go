//go:build linux

package watch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type procLister struct {
	root string
}

// SystemLister reads /proc.
func SystemLister() Lister { return procLister{root: "/proc"} }

func (l procLister) List(ctx context.Context) ([]Entry, error) {
	dirs, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirs))
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(d.Name())
		if err != nil || pid <= 0 {
			continue
		}
		name := l.name(d.Name())
		if name == "" {
			continue
		}
		out = append(out, Entry{PID: pid, Name: name})
	}
	return out, nil
}

// name prefers the executable path; comm is truncated to 15 bytes and is
// only used when exe cannot be read.
func (l procLister) name(pid string) string {
	if exe, err := os.Readlink(filepath.Join(l.root, pid, "exe")); err == nil {
		return filepath.Base(strings.TrimSuffix(exe, " (deleted)"))
	}
	comm, err := os.ReadFile(filepath.Join(l.root, pid, "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}
