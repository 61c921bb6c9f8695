package inject

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/patchctl/internal/payload"
)

// Once refuses a second injection into a pid whose earlier target is still
// alive. A pid reused after exit may be injected again.
type Once struct {
	inner Injector

	mu   sync.Mutex
	live map[int]*claim
}

type claim struct {
	target Target
}

func NewOnce(inner Injector) *Once {
	return &Once{inner: inner, live: make(map[int]*claim)}
}

func (o *Once) Inject(ctx context.Context, target Target, image payload.Image, ep Endpoint) (*Injection, error) {
	pid := target.PID()
	o.mu.Lock()
	if prev, ok := o.live[pid]; ok && !prev.target.HasExited() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: pid=%d", ErrAlreadyInjected, pid)
	}
	c := &claim{target: target}
	o.live[pid] = c
	o.mu.Unlock()

	inj, err := o.inner.Inject(ctx, target, image, ep)
	if err != nil {
		o.mu.Lock()
		if o.live[pid] == c {
			delete(o.live, pid)
		}
		o.mu.Unlock()
		return nil, err
	}
	return inj, nil
}
