// Package resolve implements the Require Resolver (spec §4.2): it classifies
// a raw `#require` string as a module file, a library directory, or an
// external library name, validates existence, and canonicalizes paths. The
// "try candidate extensions in order, first existing wins" tie-break is
// modeled on the teacher's internal/build/glob.go Glob1, which tries a glob
// pattern and picks a winner by an explicit deterministic rule rather than
// whatever the filesystem happens to return first.
package resolve

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/andreypopp/mach/internal/lang"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/pkgindex"
	"github.com/andreypopp/mach/internal/rterr"
)

// Resolver resolves raw require strings against the filesystem and an
// external package index.
type Resolver struct {
	Index pkgindex.Index
}

// Resolve classifies and resolves one raw require string. sourceFile is the
// absolute path of the unit the require appeared in (used to resolve
// relative paths and for diagnostics); line is its 1-based source line.
func (r *Resolver) Resolve(raw, sourceFile string, line int) (model.WithLoc[model.Directive], error) {
	loc := func(d model.Directive) model.WithLoc[model.Directive] {
		return model.WithLoc[model.Directive]{Value: d, SourceFile: sourceFile, Line: line}
	}

	if strings.Contains(raw, "/") {
		d, err := r.resolvePathLike(raw, sourceFile)
		if err != nil {
			return model.WithLoc[model.Directive]{}, err
		}
		return loc(d), nil
	}

	if r.Index == nil || !r.Index.Available() {
		return model.WithLoc[model.Directive]{}, &rterr.PackageIndexMissingError{Name: raw}
	}
	version, ok := r.Index.Lookup(raw)
	if !ok {
		return model.WithLoc[model.Directive]{}, &rterr.UnknownLibraryError{Name: raw}
	}
	return loc(model.Directive{
		Kind:    model.KindExternalLib,
		Name:    raw,
		Version: version,
	}), nil
}

func (r *Resolver) resolvePathLike(raw, sourceFile string) (model.Directive, error) {
	resolved := raw
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(sourceFile), resolved)
	}
	resolved = filepath.Clean(resolved)

	if fi, err := os.Stat(resolved); err == nil && fi.IsDir() {
		manifest := filepath.Join(resolved, lang.ManifestName)
		if _, err := os.Stat(manifest); err != nil {
			return model.Directive{}, &rterr.BadLibraryError{Dir: resolved}
		}
		canon, err := filepath.EvalSymlinks(resolved)
		if err != nil {
			return model.Directive{}, err
		}
		return model.Directive{Kind: model.KindLibrary, Path: canon}, nil
	}

	candidate, err := moduleCandidate(resolved)
	if err != nil {
		return model.Directive{}, err
	}
	canon, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return model.Directive{}, &rterr.NotFoundError{Path: candidate}
	}
	return model.Directive{Kind: model.KindModule, Path: canon}, nil
}

// moduleCandidate picks the concrete source file a (possibly extensionless)
// path-like require refers to.
func moduleCandidate(resolved string) (string, error) {
	ext := filepath.Ext(resolved)
	if _, ok := lang.DialectOf(ext); ok {
		if _, err := os.Stat(resolved); err != nil {
			return "", &rterr.NotFoundError{Path: resolved}
		}
		return resolved, nil
	}

	// No recognized extension: try each accepted source extension in
	// order, primary first. The first existing candidate wins.
	for _, e := range lang.SourceExtensions {
		candidate := resolved + e
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &rterr.NotFoundError{Path: resolved}
}
