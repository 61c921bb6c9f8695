package orchestrator

import (
	"sync"
	"time"
)

const defaultErrorHistory = 128

// ErrorReport is one error surfaced to the user. PID is zero for errors
// that do not belong to a host process.
type ErrorReport struct {
	PID  int       `json:"pid"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ErrorRing keeps the most recent reports.
type ErrorRing struct {
	mu   sync.Mutex
	buf  []ErrorReport
	next int
	full bool
}

func NewErrorRing(size int) *ErrorRing {
	if size <= 0 {
		size = defaultErrorHistory
	}
	return &ErrorRing{buf: make([]ErrorReport, size)}
}

func (r *ErrorRing) Record(rep ErrorReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rep
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// List returns the retained reports, oldest first.
func (r *ErrorRing) List() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]ErrorReport(nil), r.buf[:r.next]...)
	}
	out := make([]ErrorReport, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
