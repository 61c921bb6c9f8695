package script

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrFactoryExists    = errors.New("script: factory already registered")
	ErrFactoryNil       = errors.New("script: factory is nil")
	ErrInvalidExtension = errors.New("script: invalid extension")
	ErrNotAScript       = errors.New("script: not a script")
)

// Factory builds an uninitialized script from a resolved file.
type Factory func(file File) (Script, error)

// Registry maps file extensions to script factories.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in module and manifest kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(ExtModule, NewModuleScript)
	_ = r.Register(ExtManifest, NewManifestScript)
	return r
}

// Register binds an extension such as ".py" to a factory.
func (r *Registry) Register(ext string, f Factory) error {
	if f == nil {
		return ErrFactoryNil
	}
	key := strings.ToLower(strings.TrimSpace(ext))
	if !isValidExt(key) {
		return fmt.Errorf("%w: %q", ErrInvalidExtension, ext)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%w: %s", ErrFactoryExists, key)
	}
	r.items[key] = f
	return nil
}

func (r *Registry) Resolve(ext string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.items[strings.ToLower(strings.TrimSpace(ext))]
	return f, ok
}

// New builds the script for file using the factory registered for its extension.
func (r *Registry) New(file File) (Script, error) {
	f, ok := r.Resolve(file.Ext())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAScript, file)
	}
	s, err := f(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAScript, file, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAScript, file)
	}
	return s, nil
}

// Extensions returns registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for ext := range r.items {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func isValidExt(ext string) bool {
	if len(ext) < 2 || ext[0] != '.' {
		return false
	}
	for i := 1; i < len(ext); i++ {
		c := ext[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		if !(isLower || isDigit || c == '.') {
			return false
		}
		if c == '.' && (i == len(ext)-1 || ext[i-1] == '.') {
			return false
		}
	}
	return true
}
