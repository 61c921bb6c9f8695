package hostproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/patchctl/internal/inject"
)

// Dialer creates the message channel for one host process. conn is the
// controller end; ep holds the payload end, which release closes once the
// injector has duplicated it into the target.
type Dialer interface {
	Dial(ctx context.Context, target inject.Target) (conn io.ReadWriteCloser, ep inject.Endpoint, release func(), err error)
}

// PipeDialer connects over a pair of anonymous OS pipes.
type PipeDialer struct{}

func (PipeDialer) Dial(ctx context.Context, target inject.Target) (io.ReadWriteCloser, inject.Endpoint, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, inject.Endpoint{}, nil, err
	}
	ctlRead, payloadWrite, err := os.Pipe()
	if err != nil {
		return nil, inject.Endpoint{}, nil, fmt.Errorf("hostproc: pipe pid=%d: %w", target.PID(), err)
	}
	payloadRead, ctlWrite, err := os.Pipe()
	if err != nil {
		ctlRead.Close()
		payloadWrite.Close()
		return nil, inject.Endpoint{}, nil, fmt.Errorf("hostproc: pipe pid=%d: %w", target.PID(), err)
	}
	ep := inject.Endpoint{Read: payloadRead.Fd(), Write: payloadWrite.Fd()}
	release := func() {
		payloadRead.Close()
		payloadWrite.Close()
	}
	return &pipeConn{r: ctlRead, w: ctlWrite}, ep, release, nil
}

type pipeConn struct {
	r *os.File
	w *os.File
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) Close() error {
	return errors.Join(c.w.Close(), c.r.Close())
}
