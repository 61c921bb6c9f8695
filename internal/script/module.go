package script

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

const ExtModule = ".py"

// Header directives recognised at the top of a module script.
const (
	directiveRequires = "requires:"
	directiveOptional = "optional:"
	directiveOnLoaded = "on-loaded:"
)

// ModuleScript is a source module pushed into the host with AddModule.
// Dependencies are declared in leading comment lines:
//
//	# requires: common.py, hooks.py
//	# optional: overlay.py
//	# on-loaded: start
type ModuleScript struct {
	file File
	name Name

	mu       sync.RWMutex
	source   string
	requires []Name
	optional []Name
	onLoaded string
}

func NewModuleScript(file File) (Script, error) {
	if file.Ext() != ExtModule {
		return nil, fmt.Errorf("unexpected extension %q", file.Ext())
	}
	return &ModuleScript{file: file, name: file.Name()}, nil
}

func (m *ModuleScript) Name() Name { return m.name }

// Module is the module name the host registers the source under.
func (m *ModuleScript) Module() string { return m.name.Stem() }

func (m *ModuleScript) Dependencies() []Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Name(nil), m.requires...)
}

func (m *ModuleScript) OptionalDependencies() []Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Name(nil), m.optional...)
}

func (m *ModuleScript) Initialize(ctx context.Context) error {
	return m.read()
}

func (m *ModuleScript) Reload(ctx context.Context) error {
	return m.read()
}

func (m *ModuleScript) LoadInto(ctx context.Context, h Host) error {
	m.mu.RLock()
	source := m.source
	m.mu.RUnlock()
	return h.Channel().AddModule(ctx, m.Module(), source)
}

func (m *ModuleScript) LoadedInto(ctx context.Context, h Host) error {
	m.mu.RLock()
	fn := m.onLoaded
	m.mu.RUnlock()
	if fn == "" {
		return nil
	}
	_, err := h.Channel().CallFunction(ctx, m.Module(), fn)
	return err
}

func (m *ModuleScript) UnloadFrom(ctx context.Context, h Host) error {
	return h.Channel().RemoveModule(ctx, m.Module())
}

func (m *ModuleScript) Close() error { return nil }

func (m *ModuleScript) read() error {
	data, err := os.ReadFile(m.file.Path())
	if err != nil {
		return fmt.Errorf("script: read %s: %w", m.file, err)
	}
	source := string(data)
	requires, optional, onLoaded := parseHeader(source, m.file.Dir())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
	m.requires = requires
	m.optional = optional
	m.onLoaded = onLoaded
	return nil
}

// parseHeader reads directives from the leading comment block only.
func parseHeader(source, dir string) (requires, optional []Name, onLoaded string) {
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		lower := strings.ToLower(body)
		switch {
		case strings.HasPrefix(lower, directiveRequires):
			requires = append(requires, splitNames(body[len(directiveRequires):], dir)...)
		case strings.HasPrefix(lower, directiveOptional):
			optional = append(optional, splitNames(body[len(directiveOptional):], dir)...)
		case strings.HasPrefix(lower, directiveOnLoaded):
			onLoaded = strings.TrimSpace(body[len(directiveOnLoaded):])
		}
	}
	return requires, optional, onLoaded
}

func splitNames(list, dir string) []Name {
	var out []Name
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, NewNameIn(part, dir))
	}
	return out
}
