// Package resolve computes the order scripts must be loaded in so that every
// required dependency, and every optional dependency that is part of the
// batch, is loaded before its dependents.
//
// The resolver is a requeue loop rather than a depth-first sort: a name whose
// dependencies have not been visited is put back behind them and retried.
// This tolerates forward references and dependency lists that change while
// scripts are being loaded.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/patchctl/internal/logging"
	"github.com/danmuck/patchctl/internal/script"
	"github.com/rs/zerolog"
)

const DefaultMaxRequeues = 256

var (
	ErrResolutionFailed = errors.New("resolve: resolution failed")
	ErrNotFound         = errors.New("resolve: script not found")
	ErrDependencyFailed = errors.New("resolve: required dependency failed")
	ErrRequeueLimit     = errors.New("resolve: requeue limit exceeded")
	ErrNilLoader        = errors.New("resolve: loader is nil")
)

// Loader builds scripts. Get reports scripts that are already loaded so
// they are not located again.
type Loader interface {
	Get(name script.Name) (script.Script, bool)
	Load(ctx context.Context, file script.File) (script.Script, error)
}

// Prompter asks an interactive surface where a script lives. ok=false means
// the user declined.
type Prompter interface {
	Locate(ctx context.Context, name script.Name) (file script.File, ok bool, err error)
}

// ProgressFunc receives a completion fraction in [0, 1].
type ProgressFunc func(fraction float64)

type Resolver struct {
	Loader   Loader
	Prompter Prompter
	// MaxRequeues bounds how many times one entry is put back behind its
	// dependencies. Zero means DefaultMaxRequeues.
	MaxRequeues int

	log zerolog.Logger
}

func New(loader Loader, prompter Prompter, maxRequeues int) *Resolver {
	return &Resolver{
		Loader:      loader,
		Prompter:    prompter,
		MaxRequeues: maxRequeues,
		log:         logging.Component("resolve"),
	}
}

// Result is the outcome of one batch.
type Result struct {
	Order []script.Name
	// Failed maps name keys to errors wrapping ErrResolutionFailed.
	Failed map[string]error
	// Located lists files found outside the desired set through a prompt.
	Located []script.File
}

// FailedNames returns the keys of Failed in sorted order.
func (r Result) FailedNames() []string {
	out := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type batch struct {
	desired  map[string]script.File
	universe map[string]bool
	visited  map[string]bool
	ordered  map[string]bool
	requeues map[string]int
	failed   map[string]error
	major    map[string]bool
	located  []script.File
}

// Resolve orders desired and everything it transitively requires. Failures
// are per name and never abort the batch; only ctx cancellation returns an
// error.
func (r *Resolver) Resolve(ctx context.Context, desired []script.File, progress ProgressFunc) (Result, error) {
	if r.Loader == nil {
		return Result{}, ErrNilLoader
	}
	limit := r.MaxRequeues
	if limit <= 0 {
		limit = DefaultMaxRequeues
	}

	b := batch{
		desired:  make(map[string]script.File, len(desired)),
		universe: make(map[string]bool, len(desired)),
		visited:  make(map[string]bool),
		ordered:  make(map[string]bool),
		requeues: make(map[string]int),
		failed:   make(map[string]error),
		major:    make(map[string]bool, len(desired)),
	}
	queue := make([]script.Name, 0, len(desired))
	for _, f := range desired {
		n := f.Name()
		if _, dup := b.desired[n.Key()]; dup {
			continue
		}
		b.desired[n.Key()] = f
		b.universe[n.Key()] = true
		b.major[n.Key()] = true
		queue = append(queue, n)
	}
	initial := len(b.major)

	var order []script.Name
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if progress != nil && initial > 0 {
			progress(1 - float64(len(b.major))/float64(initial))
		}

		current := queue[0]
		queue = queue[1:]
		key := current.Key()
		if b.ordered[key] || b.failed[key] != nil {
			continue
		}
		b.visited[key] = true
		delete(b.major, key)

		s, err := r.load(ctx, &b, current)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			b.fail(current, err)
			r.log.Warn().Msgf("resolve.Resolver.Resolve failed name=%s err=%v", current, err)
			continue
		}
		b.universe[key] = true

		var ahead []script.Name
		var depFailed script.Name
		for _, dep := range s.Dependencies() {
			if b.failed[dep.Key()] != nil {
				depFailed = dep
				break
			}
			if b.visited[dep.Key()] || containsName(ahead, dep) {
				continue
			}
			ahead = append(ahead, dep)
		}
		if !depFailed.IsZero() {
			b.fail(current, fmt.Errorf("%w: %s", ErrDependencyFailed, depFailed))
			r.log.Warn().Msgf("resolve.Resolver.Resolve failed name=%s dependency=%s", current, depFailed)
			continue
		}
		for _, dep := range s.OptionalDependencies() {
			k := dep.Key()
			if b.visited[k] || !b.universe[k] || containsName(ahead, dep) {
				continue
			}
			ahead = append(ahead, dep)
		}

		if len(ahead) == 0 {
			order = append(order, current)
			b.ordered[key] = true
			continue
		}
		b.requeues[key]++
		if b.requeues[key] > limit {
			b.fail(current, fmt.Errorf("%w: %d", ErrRequeueLimit, limit))
			r.log.Warn().Msgf("resolve.Resolver.Resolve requeue limit name=%s limit=%d", current, limit)
			continue
		}
		next := make([]script.Name, 0, len(ahead)+1+len(queue))
		next = append(next, ahead...)
		next = append(next, current)
		queue = append(next, queue...)
	}
	if progress != nil {
		progress(1)
	}

	r.log.Info().Msgf("dependency order: %s", joinNames(order))
	return Result{Order: order, Failed: b.failed, Located: b.located}, nil
}

func (r *Resolver) load(ctx context.Context, b *batch, name script.Name) (script.Script, error) {
	if s, ok := r.Loader.Get(name); ok {
		return s, nil
	}
	file, err := r.locate(ctx, b, name)
	if err != nil {
		return nil, err
	}
	return r.Loader.Load(ctx, file)
}

// locate finds name in the desired set, then next to DefaultDir, then by
// asking the prompter.
func (r *Resolver) locate(ctx context.Context, b *batch, name script.Name) (script.File, error) {
	if f, ok := b.desired[name.Key()]; ok {
		return f, nil
	}
	if dir := name.DefaultDir(); dir != "" {
		path := filepath.Join(dir, name.String())
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return script.NewFile(path), nil
		}
	}
	if r.Prompter == nil || b.failed[name.Key()] != nil {
		return script.File{}, ErrNotFound
	}
	f, ok, err := r.Prompter.Locate(ctx, name)
	if err != nil {
		return script.File{}, err
	}
	if !ok || f.IsZero() {
		return script.File{}, ErrNotFound
	}
	if !f.Name().Equal(name) {
		return script.File{}, fmt.Errorf("%w: located %s does not match", ErrNotFound, f)
	}
	b.located = append(b.located, f)
	return f, nil
}

func (b *batch) fail(name script.Name, cause error) {
	b.failed[name.Key()] = fmt.Errorf("%w: %s: %w", ErrResolutionFailed, name, cause)
}

func containsName(list []script.Name, n script.Name) bool {
	for _, v := range list {
		if v.Equal(n) {
			return true
		}
	}
	return false
}

func joinNames(names []script.Name) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}
