// Package library holds the process-wide set of initialized scripts. Exactly
// one script instance exists per name; concurrent loads of a name share the
// in-flight initialization.
package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotLoaded   = errors.New("library: script not loaded")
	ErrNilRegistry = errors.New("library: registry is nil")
)

// Library maps script names to their single shared instance.
type Library struct {
	registry *script.Registry
	log      zerolog.Logger

	mu    sync.RWMutex
	items map[string]entry
	shown bool
	board script.StatusBoard

	loads singleflight.Group
}

type entry struct {
	file   script.File
	script script.Script
}

func New(registry *script.Registry) (*Library, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	return &Library{
		registry: registry,
		log:      logging.Component("library"),
		items:    make(map[string]entry),
	}, nil
}

// Load returns the script for file, building and initializing it on first
// use. A caller arriving while the same name is loading waits for that load
// and receives the same instance.
func (l *Library) Load(ctx context.Context, file script.File) (script.Script, error) {
	name := file.Name()
	if s, ok := l.Get(name); ok {
		return s, nil
	}

	v, err, shared := l.loads.Do(name.Key(), func() (any, error) {
		if s, ok := l.Get(name); ok {
			return s, nil
		}
		s, err := l.registry.New(file)
		if err != nil {
			return nil, err
		}
		if err := s.Initialize(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("library: initialize %s: %w", name, err)
		}
		l.mu.Lock()
		l.items[name.Key()] = entry{file: file, script: s}
		shown, board := l.shown, l.board
		l.mu.Unlock()
		l.log.Debug().Msgf("library.Library.Load initialized name=%s file=%s", name, file)
		if o, ok := s.(script.StatusObserver); ok && shown {
			if err := o.OnStatusShown(ctx, board); err != nil {
				l.log.Warn().Msgf("library.Library.Load status shown name=%s err=%v", name, err)
			}
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.log.Debug().Msgf("library.Library.Load joined name=%s", name)
	}
	return v.(script.Script), nil
}

func (l *Library) Get(name script.Name) (script.Script, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.items[name.Key()]
	return e.script, ok
}

// File returns the file a loaded script was built from.
func (l *Library) File(name script.Name) (script.File, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.items[name.Key()]
	return e.file, ok
}

func (l *Library) Has(name script.Name) bool {
	_, ok := l.Get(name)
	return ok
}

// Names returns the loaded script names sorted by key.
func (l *Library) Names() []script.Name {
	l.mu.RLock()
	out := make([]script.Name, 0, len(l.items))
	for _, e := range l.items {
		out = append(out, e.script.Name())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Dispose removes the script and closes it. Callers unload it from every
// host first. While the status surface is shown the script is told it is
// hidden before it closes.
func (l *Library) Dispose(ctx context.Context, name script.Name) error {
	l.mu.Lock()
	e, ok := l.items[name.Key()]
	delete(l.items, name.Key())
	shown, board := l.shown, l.board
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	l.log.Debug().Msgf("library.Library.Dispose name=%s", name)
	var hideErr error
	if o, ok := e.script.(script.StatusObserver); ok && shown {
		hideErr = o.OnStatusHidden(ctx, board)
	}
	return errors.Join(hideErr, e.script.Close())
}

// DisposeAll closes every script and returns the joined close errors.
func (l *Library) DisposeAll() error {
	l.mu.Lock()
	items := l.items
	l.items = make(map[string]entry)
	l.mu.Unlock()

	var errs []error
	for _, e := range items {
		if err := e.script.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.script.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// StatusShown notifies every script that observes the status surface.
// Scripts loaded until StatusHidden are notified as they load.
func (l *Library) StatusShown(ctx context.Context, board script.StatusBoard) error {
	return l.eachObserver(true, board, func(o script.StatusObserver) error { return o.OnStatusShown(ctx, board) })
}

func (l *Library) StatusHidden(ctx context.Context, board script.StatusBoard) error {
	return l.eachObserver(false, nil, func(o script.StatusObserver) error { return o.OnStatusHidden(ctx, board) })
}

// eachObserver records whether the status surface is shown and runs fn for
// every observer registered at that moment.
func (l *Library) eachObserver(shown bool, board script.StatusBoard, fn func(script.StatusObserver) error) error {
	l.mu.Lock()
	l.shown, l.board = shown, board
	observers := make([]script.StatusObserver, 0, len(l.items))
	for _, e := range l.items {
		if o, ok := e.script.(script.StatusObserver); ok {
			observers = append(observers, o)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, o := range observers {
		if err := fn(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
