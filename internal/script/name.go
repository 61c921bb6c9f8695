package script

import (
	"path/filepath"
	"strings"
)

// Name identifies a script by basename and extension. Comparison is
// case-insensitive through Key; DefaultDir is only a search hint.
type Name struct {
	name       string
	defaultDir string
	key        string
}

func NewName(name string) Name {
	return NewNameIn(name, "")
}

// NewNameIn builds a Name that may be found in dir when no desired file matches.
func NewNameIn(name, dir string) Name {
	name = strings.TrimSpace(name)
	return Name{
		name:       name,
		defaultDir: strings.TrimSpace(dir),
		key:        strings.ToLower(name),
	}
}

func (n Name) String() string     { return n.name }
func (n Name) Key() string        { return n.key }
func (n Name) DefaultDir() string { return n.defaultDir }
func (n Name) IsZero() bool       { return n.key == "" }

func (n Name) Equal(other Name) bool {
	return n.key == other.key
}

// Ext returns the lower-case extension including the dot.
func (n Name) Ext() string {
	return strings.ToLower(filepath.Ext(n.name))
}

// Stem returns the name without its extension.
func (n Name) Stem() string {
	return strings.TrimSuffix(n.name, filepath.Ext(n.name))
}

// File is an absolute script path. Two Files naming the same path in a
// different case are the same file.
type File struct {
	path string
	key  string
}

func NewFile(path string) File {
	path = strings.TrimSpace(path)
	full, err := filepath.Abs(path)
	if err != nil {
		full = path
	}
	full = filepath.Clean(full)
	return File{path: full, key: strings.ToLower(full)}
}

func (f File) Path() string   { return f.path }
func (f File) String() string { return f.path }
func (f File) Key() string    { return f.key }
func (f File) Dir() string    { return filepath.Dir(f.path) }
func (f File) IsZero() bool   { return f.key == "" }

func (f File) Ext() string {
	return strings.ToLower(filepath.Ext(f.path))
}

// Name returns the script name of the file, searchable in the file's directory.
func (f File) Name() Name {
	return NewNameIn(filepath.Base(f.path), filepath.Dir(f.path))
}

func (f File) Equal(other File) bool {
	return f.key == other.key
}

// Names returns the script names of files, keeping their order.
func Names(files []File) []Name {
	out := make([]Name, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name())
	}
	return out
}

// Set is an insertion-ordered set of names keyed case-insensitively.
type Set struct {
	order []Name
	index map[string]int
}

func NewSet(names ...Name) *Set {
	s := &Set{index: make(map[string]int)}
	for _, n := range names {
		s.Add(n)
	}
	return s
}

func (s *Set) Add(n Name) bool {
	if _, ok := s.index[n.key]; ok {
		return false
	}
	s.index[n.key] = len(s.order)
	s.order = append(s.order, n)
	return true
}

func (s *Set) Has(n Name) bool {
	_, ok := s.index[n.key]
	return ok
}

func (s *Set) Remove(n Name) bool {
	i, ok := s.index[n.key]
	if !ok {
		return false
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, n.key)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j].key] = j
	}
	return true
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) List() []Name {
	out := make([]Name, len(s.order))
	copy(out, s.order)
	return out
}
