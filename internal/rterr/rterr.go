// Package rterr defines the runtime's error taxonomy (spec §7). Every
// fallible core operation returns one of these types, wrapped with
// golang.org/x/xerrors where a call chain needs to be preserved. The
// top-level command dispatcher (outside core scope) is the only place that
// formats these as `runtime: <message>` and maps them to exit codes.
package rterr

import "fmt"

// NotFoundError is returned when a resolved directive or a unit's source no
// longer exists on disk.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// BadDirectiveError is returned by the Directive Parser when a header line
// beginning with '#' is not a well-formed #require directive.
type BadDirectiveError struct {
	SourceFile string
	Line       int
	Raw        string
}

func (e *BadDirectiveError) Error() string {
	return fmt.Sprintf("%s:%d: malformed directive: %q", e.SourceFile, e.Line, e.Raw)
}

// BadLibraryError is returned when a path-like require resolves to an
// existing directory that has no library manifest inside it.
type BadLibraryError struct {
	Dir string
}

func (e *BadLibraryError) Error() string {
	return fmt.Sprintf("%s: not a library (missing manifest)", e.Dir)
}

// PackageIndexMissingError is returned when an external-library require is
// encountered but no package index is available to resolve it against.
type PackageIndexMissingError struct {
	Name string
}

func (e *PackageIndexMissingError) Error() string {
	return fmt.Sprintf("%s: no package index available", e.Name)
}

// UnknownLibraryError is returned when an external-library require names a
// library the package index does not know about.
type UnknownLibraryError struct {
	Name string
}

func (e *UnknownLibraryError) Error() string {
	return fmt.Sprintf("%s: unknown library", e.Name)
}

// BuildFailedError is returned by the Build Executor when the driver exits
// non-zero.
type BuildFailedError struct {
	ExitCode int
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build failed (driver exit code %d)", e.ExitCode)
}

// WatcherMissingError is returned by the Watch Loop when the ambient
// file-change watcher executable cannot be found.
type WatcherMissingError struct {
	Name string
}

func (e *WatcherMissingError) Error() string {
	return fmt.Sprintf("%s: watcher executable not found", e.Name)
}

// StateParseError describes a malformed persisted state file. state.Read
// does not return it: a malformed file is reported as absent (ok == false),
// which forces a full reconfigure and is never fatal.
type StateParseError struct {
	Path   string
	Reason string
}

func (e *StateParseError) Error() string {
	return fmt.Sprintf("%s: could not parse state: %s", e.Path, e.Reason)
}

// InternalError wraps any condition that violates an invariant the core
// relies on (e.g. "no units collected", "driver cleandead failed"). It is
// always fatal.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("internal error in %s", e.Op)
}

func (e *InternalError) Unwrap() error { return e.Err }
