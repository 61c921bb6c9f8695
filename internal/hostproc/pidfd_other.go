//go:build unix && !linux

package hostproc

import "errors"

func pidfdOpen(pid int) (int, error) {
	return -1, errors.New("hostproc: pidfd unsupported")
}
