// Package orchestrator keeps every live host process converged on the
// desired script set. It owns the desired set, the live process table and
// the script library, and serializes reload cycles so the load and unload
// steps inside one process never interleave.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/library"
	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/observability"
	"github.com/danmuck/patchctl/internal/resolve"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed          = errors.New("orchestrator: closed")
	ErrScriptNotFound  = errors.New("orchestrator: script not in desired set")
	ErrProcessNotFound = errors.New("orchestrator: process not found")
	ErrNotReady        = errors.New("orchestrator: process not ready")
	ErrNilLibrary      = errors.New("orchestrator: library is nil")
)

// Store persists the desired script set per profile.
type Store interface {
	LoadScripts(ctx context.Context, profile string) ([]string, error)
	SaveScripts(ctx context.Context, profile string, paths []string) error
}

type Options struct {
	Profile  string
	Store    Store
	Library  *library.Library
	Prompter resolve.Prompter
	// MaxRequeues bounds the resolver; zero uses its default.
	MaxRequeues  int
	Manager      hostproc.ManagerOptions
	ErrorHistory int
}

type Orchestrator struct {
	profile  string
	store    Store
	lib      *library.Library
	resolver *resolve.Resolver
	manager  *hostproc.Manager
	board    *Board
	reports  *ErrorRing
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	// cycle serializes reload cycles, initial loads and shutdown. A weighted
	// semaphore so waiting for it honours a context.
	cycle *semaphore.Weighted

	mu          sync.RWMutex
	desired     []script.File
	order       []script.Name
	failed      map[string]error
	procs       map[int]*hostproc.HostProcess
	closed      bool
	statusShown bool

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Library == nil {
		return nil, ErrNilLibrary
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		profile:  opts.Profile,
		store:    opts.Store,
		lib:      opts.Library,
		resolver: resolve.New(opts.Library, opts.Prompter, opts.MaxRequeues),
		board:    NewBoard(),
		reports:  NewErrorRing(opts.ErrorHistory),
		log:      logging.Component("orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
		cycle:    semaphore.NewWeighted(1),
		failed:   make(map[string]error),
		procs:    make(map[int]*hostproc.HostProcess),
		subs:     make(map[int]chan Event),
	}
	m, err := hostproc.NewManager(opts.Manager, o)
	if err != nil {
		cancel()
		return nil, err
	}
	o.manager = m
	return o, nil
}

// Restore loads the persisted desired set for the profile and runs one
// reload cycle when it is not empty.
func (o *Orchestrator) Restore(ctx context.Context) (resolve.Result, error) {
	if o.store == nil {
		return resolve.Result{}, nil
	}
	paths, err := o.store.LoadScripts(ctx, o.profile)
	if err != nil {
		return resolve.Result{}, fmt.Errorf("orchestrator: restore profile=%s: %w", o.profile, err)
	}
	o.mu.Lock()
	for _, p := range paths {
		o.addDesiredLocked(script.NewFile(p))
	}
	n := len(o.desired)
	o.mu.Unlock()
	o.log.Info().Msgf("orchestrator.Orchestrator.Restore profile=%s scripts=%d", o.profile, n)
	if n == 0 {
		return resolve.Result{}, nil
	}
	return o.ScriptsChanged(ctx)
}

// AddScripts adds paths to the desired set, persists it and reconciles.
func (o *Orchestrator) AddScripts(ctx context.Context, paths ...string) (resolve.Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return resolve.Result{}, ErrClosed
	}
	for _, p := range paths {
		o.addDesiredLocked(script.NewFile(p))
	}
	o.mu.Unlock()
	if err := o.persist(ctx); err != nil {
		return resolve.Result{}, err
	}
	return o.ScriptsChanged(ctx)
}

// RemoveScript drops path from the desired set, persists it and reconciles.
func (o *Orchestrator) RemoveScript(ctx context.Context, path string) (resolve.Result, error) {
	file := script.NewFile(path)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return resolve.Result{}, ErrClosed
	}
	idx := -1
	for i, f := range o.desired {
		if f.Equal(file) {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return resolve.Result{}, fmt.Errorf("%w: %s", ErrScriptNotFound, file)
	}
	o.desired = append(o.desired[:idx], o.desired[idx+1:]...)
	o.mu.Unlock()
	if err := o.persist(ctx); err != nil {
		return resolve.Result{}, err
	}
	return o.ScriptsChanged(ctx)
}

func (o *Orchestrator) addDesiredLocked(f script.File) {
	for _, d := range o.desired {
		if d.Equal(f) {
			return
		}
	}
	o.desired = append(o.desired, f)
}

func (o *Orchestrator) persist(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	o.mu.RLock()
	paths := make([]string, len(o.desired))
	for i, f := range o.desired {
		paths[i] = f.Path()
	}
	o.mu.RUnlock()
	if err := o.store.SaveScripts(ctx, o.profile, paths); err != nil {
		return fmt.Errorf("orchestrator: persist profile=%s: %w", o.profile, err)
	}
	return nil
}

// ScriptsChanged reconciles the library and every ready process with the
// desired set: resolve the order, unload and dispose scripts that dropped
// out of it, then run a full reload cycle with the new order.
func (o *Orchestrator) ScriptsChanged(ctx context.Context) (res resolve.Result, err error) {
	if err := o.cycle.Acquire(ctx, 1); err != nil {
		return resolve.Result{}, err
	}
	defer o.cycle.Release(1)

	ctx, span := observability.Tracer().Start(ctx, "orchestrator.scripts_changed")
	start := time.Now()
	defer func() {
		observability.RecordReloadCycle(time.Since(start), err)
		endSpan(span, err)
	}()

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return resolve.Result{}, ErrClosed
	}
	desired := append([]script.File(nil), o.desired...)
	previous := append([]script.Name(nil), o.order...)
	o.mu.RUnlock()
	span.SetAttributes(attribute.Int("desired", len(desired)))

	res, err = o.resolver.Resolve(ctx, desired, func(f float64) {
		o.log.Debug().Msgf("orchestrator.ScriptsChanged progress=%.0f%%", f*100)
	})
	if err != nil {
		return resolve.Result{}, err
	}
	for _, key := range res.FailedNames() {
		o.ReportError(0, res.Failed[key].Error())
	}

	keep := script.NewSet(res.Order...)
	var stale []script.Name
	for _, n := range previous {
		if !keep.Has(n) {
			stale = append(stale, n)
		}
	}
	staleSet := script.NewSet(stale...)
	for _, n := range o.lib.Names() {
		if !keep.Has(n) && staleSet.Add(n) {
			stale = append(stale, n)
		}
	}
	if len(stale) > 0 {
		o.eachReady(ctx, func(ctx context.Context, hp *hostproc.HostProcess) error {
			return hostproc.UnloadScriptsFrom(ctx, hp, stale, o.lib.Get)
		})
		for _, n := range stale {
			if err := o.lib.Dispose(ctx, n); err != nil && !errors.Is(err, library.ErrNotLoaded) {
				o.ReportError(0, fmt.Sprintf("dispose %s: %v", n, err))
			}
		}
	}

	o.mu.Lock()
	o.order = append([]script.Name(nil), res.Order...)
	o.failed = res.Failed
	o.mu.Unlock()
	observability.SetLoadedScripts(o.lib.Len())

	o.reloadAll(ctx, res.Order)

	names := make([]string, len(res.Order))
	for i, n := range res.Order {
		names[i] = n.String()
	}
	span.SetAttributes(attribute.Int("ordered", len(res.Order)), attribute.Int("failed", len(res.Failed)))
	o.log.Info().Msgf("orchestrator.ScriptsChanged ordered=%d failed=%d stale=%d", len(res.Order), len(res.Failed), len(stale))
	o.broadcast(Event{Kind: EventScriptsChanged, Order: names})
	return res, nil
}

// ReloadAll reloads every script from disk and re-pushes the current order
// into every ready process.
func (o *Orchestrator) ReloadAll(ctx context.Context) (err error) {
	if err := o.cycle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.cycle.Release(1)

	ctx, span := observability.Tracer().Start(ctx, "orchestrator.reload_all")
	start := time.Now()
	defer func() {
		observability.RecordReloadCycle(time.Since(start), err)
		endSpan(span, err)
	}()

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrClosed
	}
	order := append([]script.Name(nil), o.order...)
	o.mu.RUnlock()
	o.reloadAll(ctx, order)
	return nil
}

// reloadAll unloads order from every ready process in reverse, reloads each
// script once, then pushes the full order back. Callers hold the cycle lock.
func (o *Orchestrator) reloadAll(ctx context.Context, order []script.Name) {
	o.eachReady(ctx, func(ctx context.Context, hp *hostproc.HostProcess) error {
		hp.SetState(hostproc.StateDraining, "Unloading scripts")
		o.Changed(hp)
		return hostproc.UnloadScriptsFrom(ctx, hp, hp.Loaded(), o.lib.Get)
	})
	for _, n := range order {
		s, ok := o.lib.Get(n)
		if !ok {
			continue
		}
		if err := s.Reload(ctx); err != nil {
			o.ReportError(0, fmt.Sprintf("reload %s: %v", n, err))
		}
	}
	o.eachProcess(ctx, hostproc.StateDraining, func(ctx context.Context, hp *hostproc.HostProcess) error {
		hp.SetState(hostproc.StateLoadingScripts, "Loading scripts")
		o.Changed(hp)
		err := hostproc.LoadScriptsInto(ctx, hp, order, o.lib.Get)
		if !hp.Gone() {
			hp.SetState(hostproc.StateReady, "Ready")
			o.Changed(hp)
		}
		return err
	})
}

// eachReady runs fn for every ready process. Processes proceed
// concurrently; the steps inside one process are sequential.
func (o *Orchestrator) eachReady(ctx context.Context, fn func(ctx context.Context, hp *hostproc.HostProcess) error) {
	o.eachProcess(ctx, hostproc.StateReady, fn)
}

func (o *Orchestrator) eachProcess(ctx context.Context, state hostproc.State, fn func(ctx context.Context, hp *hostproc.HostProcess) error) {
	var g errgroup.Group
	for _, hp := range o.live() {
		if hp.Gone() || hp.State() != state {
			continue
		}
		g.Go(func() error {
			defer o.recoverPanic(hp.PID())
			err := fn(ctx, hp)
			if err != nil && !errors.Is(err, hostproc.ErrProcessExited) && !hp.Gone() {
				o.ReportError(hp.PID(), err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown unloads every script from every live process with one commit
// each, disposes the processes, waits for their managers and then disposes
// every script.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if err := o.cycle.Acquire(ctx, 1); err != nil {
		return err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.cycle.Release(1)
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var g errgroup.Group
	for _, hp := range o.live() {
		g.Go(func() error {
			defer o.recoverPanic(hp.PID())
			if hp.RPC() != nil && !hp.Gone() {
				hp.SetState(hostproc.StateDraining, "Shutting down")
				o.Changed(hp)
				if err := hostproc.UnloadAll(ctx, hp, o.lib.Get); err != nil && !errors.Is(err, hostproc.ErrProcessExited) {
					o.log.Warn().Msgf("orchestrator.Shutdown unload pid=%d err=%v", hp.PID(), err)
				}
			}
			return hp.Dispose()
		})
	}
	err := g.Wait()
	o.cancel()
	o.cycle.Release(1)

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	o.hideStatus(ctx)
	if disposeErr := o.lib.DisposeAll(); disposeErr != nil {
		err = errors.Join(err, disposeErr)
	}
	observability.SetLoadedScripts(0)
	o.closeSubscribers()
	o.log.Info().Msg("orchestrator.Shutdown complete")
	return err
}

// ScriptInfo describes one script known to the orchestrator.
type ScriptInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Desired  bool   `json:"desired"`
	Loaded   bool   `json:"loaded"`
	Position int    `json:"position"`
	Error    string `json:"error,omitempty"`
}

// Scripts returns the desired set and every dependency pulled in with it.
// Position is the index in the load order, or -1.
func (o *Orchestrator) Scripts() []ScriptInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	pos := make(map[string]int, len(o.order))
	for i, n := range o.order {
		pos[n.Key()] = i
	}
	seen := make(map[string]bool)
	out := make([]ScriptInfo, 0, len(o.desired))
	for _, f := range o.desired {
		n := f.Name()
		seen[n.Key()] = true
		out = append(out, o.scriptInfoLocked(n, f.Path(), true, pos))
	}
	for _, n := range o.order {
		if seen[n.Key()] {
			continue
		}
		path := ""
		if f, ok := o.lib.File(n); ok {
			path = f.Path()
		}
		out = append(out, o.scriptInfoLocked(n, path, false, pos))
	}
	return out
}

func (o *Orchestrator) scriptInfoLocked(n script.Name, path string, desired bool, pos map[string]int) ScriptInfo {
	info := ScriptInfo{Name: n.String(), Path: path, Desired: desired, Loaded: o.lib.Has(n), Position: -1}
	if p, ok := pos[n.Key()]; ok {
		info.Position = p
	}
	if err := o.failed[n.Key()]; err != nil {
		info.Error = err.Error()
	}
	return info
}

// Order returns the current load order.
func (o *Orchestrator) Order() []script.Name {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]script.Name(nil), o.order...)
}

func (o *Orchestrator) Errors() []ErrorReport { return o.reports.List() }

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func nowUTC() time.Time { return time.Now().UTC() }

