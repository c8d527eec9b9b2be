// Package model holds the data types shared by every stage of the build
// graph: directives, units, and the persisted graph state. Types here are
// plain structs; nothing here does I/O.
package model

import "fmt"

// Dialect distinguishes the two accepted source extensions for a module.
type Dialect int

const (
	Primary Dialect = iota
	Alternate
)

func (d Dialect) String() string {
	if d == Alternate {
		return "alternate"
	}
	return "primary"
}

// FileStat is the stat fingerprint recorded for a source file, interface
// file, manifest, or library directory. Equality is field-wise.
type FileStat struct {
	Mtime int64 // seconds
	Size  uint64
}

// DirectiveKind tags which of the three shapes a resolved Directive has.
type DirectiveKind int

const (
	KindModule DirectiveKind = iota
	KindLibrary
	KindExternalLib
)

// Directive is the tagged result of resolving one `#require "X"` line.
type Directive struct {
	Kind DirectiveKind

	// Set when Kind == KindModule or KindLibrary: the canonical absolute
	// path to the source file or library directory.
	Path string

	// Set when Kind == KindExternalLib.
	Name    string
	Version string
}

func (d Directive) Equal(o Directive) bool {
	return d == o
}

func (d Directive) String() string {
	switch d.Kind {
	case KindModule:
		return fmt.Sprintf("module(%s)", d.Path)
	case KindLibrary:
		return fmt.Sprintf("library(%s)", d.Path)
	case KindExternalLib:
		return fmt.Sprintf("external(%s=%s)", d.Name, d.Version)
	default:
		return "unknown-directive"
	}
}

// WithLoc attaches a source location to a value for diagnostics. Equality
// ignores the location: two WithLoc values are equal iff their Values are
// equal, regardless of where they were declared.
type WithLoc[T comparable] struct {
	Value      T
	SourceFile string
	Line       int
}

// EqualValue reports whether a and b carry the same Value, ignoring location.
func EqualValue[T comparable](a, b WithLoc[T]) bool {
	return a.Value == b.Value
}

// EqualRequires reports whether two require lists carry the same directives
// in the same order, ignoring source location.
func EqualRequires[T comparable](a, b []WithLoc[T]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !EqualValue(a[i], b[i]) {
			return false
		}
	}
	return true
}

// LibraryMember is one source file (plus optional interface sibling) packaged
// inside a LibraryUnit.
type LibraryMember struct {
	FileSrc  string
	FileIntf string // empty if absent
}

// ModuleUnit is a single compilable source unit.
type ModuleUnit struct {
	PathSrc  string
	StatSrc  FileStat
	PathIntf string // empty if absent
	StatIntf FileStat
	HasIntf  bool
	Dialect  Dialect
	Requires []WithLoc[Directive]
}

// LibraryUnit is a directory packaging multiple source files, described by a
// manifest file.
type LibraryUnit struct {
	PathDir      string
	StatDir      FileStat
	StatManifest FileStat
	Members      []LibraryMember // stable-sorted by FileSrc
	Requires     []WithLoc[Directive]
}

// Unit is the tagged union of ModuleUnit and LibraryUnit. Code that iterates
// all units pattern-matches on the concrete type; there is no virtual
// dispatch beyond Path()/RequiresList().
type Unit interface {
	Path() string
	RequiresList() []WithLoc[Directive]
}

func (m *ModuleUnit) Path() string                       { return m.PathSrc }
func (m *ModuleUnit) RequiresList() []WithLoc[Directive]  { return m.Requires }
func (l *LibraryUnit) Path() string                       { return l.PathDir }
func (l *LibraryUnit) RequiresList() []WithLoc[Directive] { return l.Requires }

// EnvFingerprint identifies the toolchain identity a GraphState was collected
// under. Any field differing forces a full reconfigure (spec's "Env" reason).
type EnvFingerprint struct {
	RuntimeSelfPath     string
	CompilerVersion     string
	PackageIndexVersion string // empty means "none" (no package index available)
}

func (e EnvFingerprint) Equal(o EnvFingerprint) bool {
	return e == o
}

// GraphState is the full persisted state of a build graph: the toolchain
// identity it was collected under, plus every unit in DFS post-order from
// the entry point (the entry point is the last element).
type GraphState struct {
	Env   EnvFingerprint
	Units []Unit
}

// EntryPoint returns the last unit, the entry point the graph was collected
// from, or nil if the graph is empty.
func (g *GraphState) EntryPoint() Unit {
	if len(g.Units) == 0 {
		return nil
	}
	return g.Units[len(g.Units)-1]
}
