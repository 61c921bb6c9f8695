package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
)

const ExtManifest = ".lua"

// ManifestScript is described by a Lua chunk that returns a table:
//
//	return {
//	  requires  = { "common.py" },
//	  optional  = { "overlay.lua" },
//	  modules   = { "hud.py", "lib/hud_draw.py" },
//	  on_loaded = "hud.start",
//	}
//
// Module paths are relative to the manifest. Modules are pushed in order
// and removed in reverse.
type ManifestScript struct {
	file File
	name Name

	mu       sync.RWMutex
	manifest Manifest
	sources  []moduleSource
}

// Manifest is the evaluated description of a manifest script.
type Manifest struct {
	Requires []Name
	Optional []Name
	Modules  []string
	OnLoaded string
}

type moduleSource struct {
	module string
	source string
}

func NewManifestScript(file File) (Script, error) {
	if file.Ext() != ExtManifest {
		return nil, fmt.Errorf("unexpected extension %q", file.Ext())
	}
	return &ManifestScript{file: file, name: file.Name()}, nil
}

func (m *ManifestScript) Name() Name { return m.name }

func (m *ManifestScript) Dependencies() []Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Name(nil), m.manifest.Requires...)
}

func (m *ManifestScript) OptionalDependencies() []Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Name(nil), m.manifest.Optional...)
}

func (m *ManifestScript) Initialize(ctx context.Context) error {
	return m.load()
}

func (m *ManifestScript) Reload(ctx context.Context) error {
	return m.load()
}

func (m *ManifestScript) LoadInto(ctx context.Context, h Host) error {
	m.mu.RLock()
	sources := append([]moduleSource(nil), m.sources...)
	m.mu.RUnlock()
	for _, src := range sources {
		if err := h.Channel().AddModule(ctx, src.module, src.source); err != nil {
			return err
		}
	}
	return nil
}

func (m *ManifestScript) LoadedInto(ctx context.Context, h Host) error {
	m.mu.RLock()
	target := m.manifest.OnLoaded
	m.mu.RUnlock()
	if target == "" {
		return nil
	}
	idx := strings.LastIndex(target, ".")
	if idx <= 0 || idx == len(target)-1 {
		return fmt.Errorf("script: %s: on_loaded must be module.function, got %q", m.name, target)
	}
	_, err := h.Channel().CallFunction(ctx, target[:idx], target[idx+1:])
	return err
}

func (m *ManifestScript) UnloadFrom(ctx context.Context, h Host) error {
	m.mu.RLock()
	sources := append([]moduleSource(nil), m.sources...)
	m.mu.RUnlock()
	for i := len(sources) - 1; i >= 0; i-- {
		if err := h.Channel().RemoveModule(ctx, sources[i].module); err != nil {
			return err
		}
	}
	return nil
}

func (m *ManifestScript) Close() error { return nil }

func (m *ManifestScript) load() error {
	manifest, err := EvalManifest(m.file)
	if err != nil {
		return err
	}
	sources := make([]moduleSource, 0, len(manifest.Modules))
	for _, rel := range manifest.Modules {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.file.Dir(), rel)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("script: %s: read module %s: %w", m.name, rel, err)
		}
		base := filepath.Base(rel)
		sources = append(sources, moduleSource{
			module: strings.TrimSuffix(base, filepath.Ext(base)),
			source: string(data),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest = manifest
	m.sources = sources
	return nil
}

// EvalManifest runs the Lua manifest at file and extracts its table.
func EvalManifest(file File) (Manifest, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)

	if err := lua.LoadFile(state, file.Path(), ""); err != nil {
		return Manifest{}, fmt.Errorf("script: load manifest %s: %w", file, err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return Manifest{}, fmt.Errorf("script: run manifest %s: %w", file, err)
	}
	if !state.IsTable(-1) {
		state.Pop(1)
		return Manifest{}, fmt.Errorf("script: manifest %s must return a table", file)
	}

	dir := file.Dir()
	out := Manifest{
		Requires: namesOf(stringList(state, "requires"), dir),
		Optional: namesOf(stringList(state, "optional"), dir),
		Modules:  stringList(state, "modules"),
	}
	state.Field(-1, "on_loaded")
	if s, ok := state.ToString(-1); ok {
		out.OnLoaded = strings.TrimSpace(s)
	}
	state.Pop(2)
	return out, nil
}

// stringList reads table[field] as a list of strings from the table on top of the stack.
func stringList(state *lua.State, field string) []string {
	state.Field(-1, field)
	defer state.Pop(1)
	if !state.IsTable(-1) {
		return nil
	}
	n := state.RawLength(-1)
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		state.RawGetInt(-1, i)
		if s, ok := state.ToString(-1); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
		state.Pop(1)
	}
	return out
}

func namesOf(list []string, dir string) []Name {
	out := make([]Name, 0, len(list))
	for _, s := range list {
		out = append(out, NewNameIn(s, dir))
	}
	return out
}
