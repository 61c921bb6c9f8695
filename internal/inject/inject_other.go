//go:build !windows

package inject

import (
	"context"
	"fmt"
	"runtime"

	"github.com/danmuck/patchctl/internal/payload"
)

// Native returns the platform injector. Injection needs Windows process
// APIs; elsewhere every attempt fails.
func Native() Injector { return Unsupported{} }

type Unsupported struct{}

func (Unsupported) Inject(ctx context.Context, target Target, image payload.Image, ep Endpoint) (*Injection, error) {
	if err := checkAlive(ctx, target); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w: %s", ErrInjectionFailed, ErrUnsupportedPlatform, runtime.GOOS)
}
