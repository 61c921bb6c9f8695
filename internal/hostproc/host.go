package hostproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/patchctl/internal/rpc"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a host process lifecycle state.
type State string

const (
	StateDiscovered        State = "discovered"
	StateInjecting         State = "injecting"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateLoadingScripts    State = "loading_scripts"
	StateReady             State = "ready"
	StateDraining          State = "draining"
	StateExited            State = "exited"
)

// HostProcess is one managed host process. Its context is cancelled with
// ErrProcessExited as the cause when the OS reports the process gone; every
// per-process wait selects on it.
type HostProcess struct {
	session uuid.UUID
	proc    Process
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	mu      sync.RWMutex
	channel *rpc.Channel
	state   State
	status  string
	loaded  []script.Name

	disposeOnce sync.Once
}

// NewHostProcess wraps proc. The returned process is bound to parent and
// to proc's exit notification.
func NewHostProcess(parent context.Context, proc Process) *HostProcess {
	ctx, cancel := context.WithCancelCause(parent)
	hp := &HostProcess{
		session: uuid.New(),
		proc:    proc,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		group:   new(errgroup.Group),
		state:   StateDiscovered,
		status:  "Discovered",
	}
	go func() {
		select {
		case <-proc.Exited():
			cancel(ErrProcessExited)
		case <-ctx.Done():
		}
	}()
	return hp
}

func (hp *HostProcess) PID() int                 { return hp.proc.PID() }
func (hp *HostProcess) Session() uuid.UUID       { return hp.session }
func (hp *HostProcess) Process() Process         { return hp.proc }
func (hp *HostProcess) Started() time.Time       { return hp.started }
func (hp *HostProcess) Context() context.Context { return hp.ctx }

// Exited is closed when the process exits or is disposed.
func (hp *HostProcess) Exited() <-chan struct{} { return hp.ctx.Done() }

// Gone reports whether the process has exited or been disposed.
func (hp *HostProcess) Gone() bool { return hp.ctx.Err() != nil }

// ExitedByOS reports whether the OS, not a dispose, ended the process.
func (hp *HostProcess) ExitedByOS() bool {
	return errors.Is(context.Cause(hp.ctx), ErrProcessExited)
}

// Channel returns the script-facing channel. It is nil before injection.
func (hp *HostProcess) Channel() script.Channel {
	ch := hp.RPC()
	if ch == nil {
		return nil
	}
	return ch
}

// NamedChannel returns the stream the host posts to under name. It is
// created on first use and closed when the process is disposed.
func (hp *HostProcess) NamedChannel(name string) (script.Stream, error) {
	if hp.Gone() {
		return nil, hp.ExitErr()
	}
	ch := hp.RPC()
	if ch == nil {
		return nil, ErrNoChannel
	}
	s, err := ch.Named(name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (hp *HostProcess) RPC() *rpc.Channel {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return hp.channel
}

func (hp *HostProcess) setChannel(ch *rpc.Channel) {
	hp.mu.Lock()
	hp.channel = ch
	hp.mu.Unlock()
}

func (hp *HostProcess) State() State {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return hp.state
}

func (hp *HostProcess) Status() string {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	return hp.status
}

// SetState records a transition and a human readable status.
func (hp *HostProcess) SetState(state State, status string) {
	hp.mu.Lock()
	hp.state = state
	hp.status = status
	hp.mu.Unlock()
}

// SetStatus changes the status text only.
func (hp *HostProcess) SetStatus(status string) {
	hp.mu.Lock()
	hp.status = status
	hp.mu.Unlock()
}

// MarkLoaded appends name to the load order if absent.
func (hp *HostProcess) MarkLoaded(name script.Name) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for _, n := range hp.loaded {
		if n.Equal(name) {
			return
		}
	}
	hp.loaded = append(hp.loaded, name)
}

func (hp *HostProcess) MarkUnloaded(name script.Name) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for i, n := range hp.loaded {
		if n.Equal(name) {
			hp.loaded = append(hp.loaded[:i], hp.loaded[i+1:]...)
			return
		}
	}
}

func (hp *HostProcess) IsLoaded(name script.Name) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	for _, n := range hp.loaded {
		if n.Equal(name) {
			return true
		}
	}
	return false
}

// Loaded returns the scripts believed loaded, in load order.
func (hp *HostProcess) Loaded() []script.Name {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	out := make([]script.Name, len(hp.loaded))
	copy(out, hp.loaded)
	return out
}

// Go runs fn as a child task bound to the process. Children are awaited on
// dispose.
func (hp *HostProcess) Go(fn func(ctx context.Context) error) {
	hp.group.Go(func() error { return fn(hp.ctx) })
}

// Race runs fn and returns its result, or ErrProcessExited as soon as the
// process exits. fn's context is cancelled on exit so it cannot outlive
// the process.
func (hp *HostProcess) Race(ctx context.Context, fn func(ctx context.Context) error) error {
	if hp.Gone() {
		return hp.ExitErr()
	}
	ctx, cancel := hp.Bound(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		if hp.Gone() {
			return hp.ExitErr()
		}
		return err
	case <-hp.ctx.Done():
		return hp.ExitErr()
	}
}

// Bound returns a child of ctx that is also cancelled when the process
// exits or is disposed.
func (hp *HostProcess) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(hp.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ExitErr wraps ErrProcessExited with the pid.
func (hp *HostProcess) ExitErr() error {
	return fmt.Errorf("%w: pid=%d", ErrProcessExited, hp.PID())
}

// Snapshot is a point-in-time view for status surfaces.
type Snapshot struct {
	PID          int       `json:"pid"`
	Session      string    `json:"session"`
	State        State     `json:"state"`
	Status       string    `json:"status"`
	Loaded       []string  `json:"loaded"`
	PeerThreadID uint32    `json:"peer_thread_id,omitempty"`
	Streams      []string  `json:"streams,omitempty"`
	Started      time.Time `json:"started"`
}

func (hp *HostProcess) Snapshot() Snapshot {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	snap := Snapshot{
		PID:     hp.proc.PID(),
		Session: hp.session.String(),
		State:   hp.state,
		Status:  hp.status,
		Loaded:  make([]string, 0, len(hp.loaded)),
		Started: hp.started,
	}
	for _, n := range hp.loaded {
		snap.Loaded = append(snap.Loaded, n.String())
	}
	if hp.channel != nil {
		snap.PeerThreadID = hp.channel.PeerThreadID()
		snap.Streams = hp.channel.StreamNames()
		sort.Strings(snap.Streams)
	}
	return snap
}

// Dispose cancels the process context, closes the channel, waits for child
// tasks and releases the native handle. It runs once.
func (hp *HostProcess) Dispose() error {
	var err error
	hp.disposeOnce.Do(func() {
		hp.cancel(context.Canceled)
		if ch := hp.RPC(); ch != nil {
			_ = ch.Close()
		}
		_ = hp.group.Wait()
		err = hp.proc.Close()
		hp.mu.Lock()
		hp.state = StateExited
		hp.loaded = nil
		hp.mu.Unlock()
	})
	return err
}
