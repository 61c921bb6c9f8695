package hostproc

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/patchctl/internal/script"
)

var ErrNoChannel = errors.New("hostproc: process has no channel")

// Lookup returns the loaded script for name.
type Lookup func(name script.Name) (script.Script, bool)

// LoadScriptsInto pushes order into hp: LoadInto for every script not yet
// loaded, one ReloadModules commit, then LoadedInto for each of them. A
// failing script is skipped and reported in the returned error; the rest of
// the batch continues. Process exit ends the batch with ErrProcessExited.
func LoadScriptsInto(ctx context.Context, hp *HostProcess, order []script.Name, lookup Lookup) error {
	ch := hp.RPC()
	if ch == nil {
		return ErrNoChannel
	}
	var errs []error
	var pushed []script.Script
	for _, name := range order {
		if hp.IsLoaded(name) {
			continue
		}
		s, ok := lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("hostproc: load %s: not loaded in library", name))
			continue
		}
		err := hp.Race(ctx, func(ctx context.Context) error { return s.LoadInto(ctx, hp) })
		if errors.Is(err, ErrProcessExited) {
			return err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hostproc: load %s into pid=%d: %w", name, hp.PID(), err))
			continue
		}
		hp.MarkLoaded(name)
		pushed = append(pushed, s)
	}
	if len(pushed) == 0 {
		return errors.Join(errs...)
	}

	if err := hp.Race(ctx, ch.ReloadModules); err != nil {
		if errors.Is(err, ErrProcessExited) {
			return err
		}
		return errors.Join(append(errs, fmt.Errorf("hostproc: reload modules pid=%d: %w", hp.PID(), err))...)
	}

	for _, s := range pushed {
		err := hp.Race(ctx, func(ctx context.Context) error { return s.LoadedInto(ctx, hp) })
		if errors.Is(err, ErrProcessExited) {
			return err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hostproc: loaded hook %s pid=%d: %w", s.Name(), hp.PID(), err))
		}
	}
	return errors.Join(errs...)
}

// UnloadScriptsFrom unloads names from hp in reverse order, committing each
// removal with its own ReloadModules. Names the process does not hold are
// skipped.
func UnloadScriptsFrom(ctx context.Context, hp *HostProcess, names []script.Name, lookup Lookup) error {
	ch := hp.RPC()
	if ch == nil {
		return ErrNoChannel
	}
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if !hp.IsLoaded(name) {
			continue
		}
		s, ok := lookup(name)
		if !ok {
			hp.MarkUnloaded(name)
			continue
		}
		err := hp.Race(ctx, func(ctx context.Context) error {
			if err := s.UnloadFrom(ctx, hp); err != nil {
				return err
			}
			return ch.ReloadModules(ctx)
		})
		if errors.Is(err, ErrProcessExited) {
			return err
		}
		hp.MarkUnloaded(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("hostproc: unload %s from pid=%d: %w", name, hp.PID(), err))
		}
	}
	return errors.Join(errs...)
}

// UnloadAll removes every script hp holds, newest first, and commits the
// removals with a single ReloadModules.
func UnloadAll(ctx context.Context, hp *HostProcess, lookup Lookup) error {
	ch := hp.RPC()
	if ch == nil {
		return ErrNoChannel
	}
	loaded := hp.Loaded()
	if len(loaded) == 0 {
		return nil
	}
	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		name := loaded[i]
		s, ok := lookup(name)
		if ok {
			err := hp.Race(ctx, func(ctx context.Context) error { return s.UnloadFrom(ctx, hp) })
			if errors.Is(err, ErrProcessExited) {
				return err
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("hostproc: unload %s from pid=%d: %w", name, hp.PID(), err))
			}
		}
		hp.MarkUnloaded(name)
	}
	if err := hp.Race(ctx, ch.ReloadModules); err != nil {
		if errors.Is(err, ErrProcessExited) {
			return err
		}
		errs = append(errs, fmt.Errorf("hostproc: reload modules pid=%d: %w", hp.PID(), err))
	}
	return errors.Join(errs...)
}
