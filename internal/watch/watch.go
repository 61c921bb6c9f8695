// Package watch discovers host processes by executable name and hands each
// new pid to the orchestrator exactly once.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/logging"
	"github.com/rs/zerolog"
)

const DefaultInterval = 2 * time.Second

var (
	ErrUnsupported = errors.New("watch: process listing unsupported on this platform")
	ErrNoNames     = errors.New("watch: no executable names configured")
	ErrNilNotifier = errors.New("watch: notifier is nil")
)

// Entry is one running process as reported by a Lister.
type Entry struct {
	PID  int
	Name string
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]Entry, error)

func (f ListerFunc) List(ctx context.Context) ([]Entry, error) { return f(ctx) }

// Notifier receives newly discovered processes.
type Notifier interface {
	NotifyNewProcess(proc hostproc.Process) (*hostproc.HostProcess, bool)
}

type Options struct {
	Names    []string
	Interval time.Duration
	// Lister defaults to the platform lister.
	Lister Lister
	// Open defaults to hostproc.Open.
	Open func(pid int) (hostproc.Process, error)
}

type Watcher struct {
	names    map[string]bool
	interval time.Duration
	lister   Lister
	open     func(pid int) (hostproc.Process, error)
	notifier Notifier
	log      zerolog.Logger

	mu   sync.Mutex
	seen map[int]bool
}

func New(notifier Notifier, opts Options) (*Watcher, error) {
	if notifier == nil {
		return nil, ErrNilNotifier
	}
	names := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			names[n] = true
		}
	}
	if len(names) == 0 {
		return nil, ErrNoNames
	}
	w := &Watcher{
		names:    names,
		interval: opts.Interval,
		lister:   opts.Lister,
		open:     opts.Open,
		notifier: notifier,
		log:      logging.Component("watch"),
		seen:     make(map[int]bool),
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.lister == nil {
		w.lister = SystemLister()
	}
	if w.open == nil {
		w.open = hostproc.Open
	}
	return w, nil
}

// Run polls until ctx is done. A listing failure is logged and retried on
// the next tick; ErrUnsupported stops the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info().Msgf("watch.Watcher.Run names=%d interval=%s", len(w.names), w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil {
			if errors.Is(err, ErrUnsupported) || ctx.Err() != nil {
				return err
			}
			w.log.Warn().Msgf("watch.Watcher.Run poll failed err=%v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll lists processes once and notifies every matching pid not seen on the
// previous poll. It returns how many processes were handed over.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	entries, err := w.lister.List(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[int]bool, len(entries))
	var fresh []Entry
	w.mu.Lock()
	for _, e := range entries {
		if !w.matches(e.Name) {
			continue
		}
		live[e.PID] = true
		if !w.seen[e.PID] {
			fresh = append(fresh, e)
		}
	}
	for pid := range w.seen {
		if !live[pid] {
			delete(w.seen, pid)
		}
	}
	w.mu.Unlock()

	n := 0
	for _, e := range fresh {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		proc, err := w.open(e.PID)
		if err != nil {
			w.log.Debug().Msgf("watch.Watcher.Poll open failed pid=%d name=%s err=%v", e.PID, e.Name, err)
			continue
		}
		w.mu.Lock()
		w.seen[e.PID] = true
		w.mu.Unlock()
		if _, added := w.notifier.NotifyNewProcess(proc); added {
			n++
			w.log.Info().Msgf("watch.Watcher.Poll discovered pid=%d name=%s", e.PID, e.Name)
		}
	}
	return n, nil
}

func (w *Watcher) matches(name string) bool {
	return w.names[strings.ToLower(filepath.Base(name))]
}
