package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/rpc"
)

// NotifyNewProcess starts managing proc. It is idempotent per pid: a pid
// that is already live keeps its manager, the duplicate handle is closed
// and false is returned.
func (o *Orchestrator) NotifyNewProcess(proc hostproc.Process) (*hostproc.HostProcess, bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = proc.Close()
		return nil, false
	}
	if cur, ok := o.procs[proc.PID()]; ok && !cur.Gone() {
		o.mu.Unlock()
		_ = proc.Close()
		return cur, false
	}
	hp := hostproc.NewHostProcess(o.ctx, proc)
	o.procs[proc.PID()] = hp
	n := len(o.procs)
	o.runs.Add(1)
	o.mu.Unlock()

	observability.SetLiveProcesses(n)
	o.log.Info().Msgf("orchestrator.NotifyNewProcess pid=%d session=%s", hp.PID(), hp.Session())
	o.broadcast(processEvent(EventProcessAdded, hp))

	go func() {
		defer o.runs.Done()
		defer o.recoverPanic(hp.PID())
		if err := o.manager.Run(o.ctx, hp); err != nil {
			o.log.Warn().Msgf("orchestrator.NotifyNewProcess abandoned pid=%d err=%v", hp.PID(), err)
		}
	}()
	return hp, true
}

// LoadInitial pushes the current order into a process that finished its
// handshake. It holds the cycle lock so the push never interleaves with a
// reload cycle. Waiting for the lock ends as soon as the process exits.
func (o *Orchestrator) LoadInitial(ctx context.Context, hp *hostproc.HostProcess) error {
	if err := o.acquireCycle(ctx, hp); err != nil {
		return err
	}
	defer o.cycle.Release(1)
	order := o.Order()
	err := hostproc.LoadScriptsInto(ctx, hp, order, o.lib.Get)
	if !hp.Gone() {
		hp.SetState(hostproc.StateReady, "Ready")
		o.Changed(hp)
	}
	return err
}

func (o *Orchestrator) acquireCycle(ctx context.Context, hp *hostproc.HostProcess) error {
	ctx, cancel := hp.Bound(ctx)
	defer cancel()
	if err := o.cycle.Acquire(ctx, 1); err != nil {
		if hp.Gone() {
			return hp.ExitErr()
		}
		return err
	}
	if hp.Gone() {
		o.cycle.Release(1)
		return hp.ExitErr()
	}
	return nil
}

func (o *Orchestrator) Changed(hp *hostproc.HostProcess) {
	o.broadcast(processEvent(EventProcessChanged, hp))
}

// Detach removes hp from the live table. The manager calls it once per
// process.
func (o *Orchestrator) Detach(hp *hostproc.HostProcess) {
	o.mu.Lock()
	removed := false
	if cur, ok := o.procs[hp.PID()]; ok && cur == hp {
		delete(o.procs, hp.PID())
		removed = true
	}
	n := len(o.procs)
	o.mu.Unlock()
	if !removed {
		return
	}
	observability.SetLiveProcesses(n)
	o.log.Info().Msgf("orchestrator.Detach pid=%d status=%q", hp.PID(), hp.Status())
	o.broadcast(processEvent(EventProcessRemoved, hp))
}

// ReportError records an error for the user. pid zero marks errors that
// belong to no process.
func (o *Orchestrator) ReportError(pid int, text string) {
	rep := ErrorReport{PID: pid, Text: text}
	rep.At = nowUTC()
	o.reports.Record(rep)
	o.log.Error().Msgf("orchestrator.ReportError pid=%d text=%q", pid, text)
	o.broadcast(Event{Kind: EventError, PID: pid, Error: &rep, At: rep.At})
}

// Processes returns a snapshot of every live process ordered by pid.
func (o *Orchestrator) Processes() []hostproc.Snapshot {
	live := o.live()
	out := make([]hostproc.Snapshot, 0, len(live))
	for _, hp := range live {
		out = append(out, hp.Snapshot())
	}
	return out
}

func (o *Orchestrator) Process(pid int) (*hostproc.HostProcess, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	hp, ok := o.procs[pid]
	return hp, ok
}

// Eval runs expr inside process pid and returns the JSON text of its value.
func (o *Orchestrator) Eval(ctx context.Context, pid int, expr string) ([]byte, error) {
	var out []byte
	err := o.withChannel(ctx, pid, func(ctx context.Context, ch *rpc.Channel) error {
		var err error
		out, err = ch.Eval(ctx, expr)
		return err
	})
	return out, err
}

// CallFunction calls module.function inside process pid.
func (o *Orchestrator) CallFunction(ctx context.Context, pid int, module, function string, args ...any) ([]byte, error) {
	var out []byte
	err := o.withChannel(ctx, pid, func(ctx context.Context, ch *rpc.Channel) error {
		var err error
		out, err = ch.CallFunction(ctx, module, function, args...)
		return err
	})
	return out, err
}

func (o *Orchestrator) withChannel(ctx context.Context, pid int, fn func(ctx context.Context, ch *rpc.Channel) error) error {
	hp, ok := o.Process(pid)
	if !ok {
		return fmt.Errorf("%w: pid=%d", ErrProcessNotFound, pid)
	}
	ch := hp.RPC()
	if ch == nil {
		return fmt.Errorf("%w: pid=%d state=%s", ErrNotReady, pid, hp.State())
	}
	return hp.Race(ctx, func(ctx context.Context) error { return fn(ctx, ch) })
}

func (o *Orchestrator) live() []*hostproc.HostProcess {
	o.mu.RLock()
	out := make([]*hostproc.HostProcess, 0, len(o.procs))
	for _, hp := range o.procs {
		out = append(out, hp)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID() < out[j].PID() })
	return out
}

// recoverPanic turns a panic in a background task into a reported error so
// the session continues.
func (o *Orchestrator) recoverPanic(pid int) {
	if r := recover(); r != nil {
		o.log.Error().Msgf("orchestrator.recover pid=%d panic=%v\n%s", pid, r, debug.Stack())
		o.ReportError(pid, fmt.Sprintf("internal error: %v", r))
	}
}
