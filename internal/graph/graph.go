// Package graph implements the Graph Collector (spec §4.4): a
// single-producer depth-first traversal from an entry point, producing a
// deduplicated, post-order unit list. The "seen" idiom -- a map keyed by
// canonical path, checked before recursing -- is the same one
// internal/build/resolve.go's resolve1/Resolve uses for runtime-dependency
// closures in the teacher, generalized here from accumulating package names
// pre-order to accumulating units in the post-order the spec requires.
package graph

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andreypopp/mach/internal/directive"
	"github.com/andreypopp/mach/internal/fsutil"
	"github.com/andreypopp/mach/internal/lang"
	"github.com/andreypopp/mach/internal/manifest"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/resolve"
	"github.com/andreypopp/mach/internal/rterr"
)

// Collector runs the DFS traversal described in spec §4.4.
type Collector struct {
	Resolver *resolve.Resolver
}

// Collect traverses the graph reachable from entryPath and returns the units
// in DFS post-order; the entry point is the last element.
func (c *Collector) Collect(entryPath string) ([]model.Unit, error) {
	abs, err := filepath.Abs(entryPath)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &rterr.NotFoundError{Path: abs}
	}

	visited := make(map[string]bool)
	var out []model.Unit
	if err := c.visitModule(canon, visited, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &rterr.InternalError{Op: "Collect", Err: nil}
	}
	return out, nil
}

func (c *Collector) visitModule(path string, visited map[string]bool, out *[]model.Unit) error {
	if visited[path] {
		return nil
	}
	visited[path] = true

	stat, err := fsutil.Stat(path)
	if err != nil {
		return &rterr.NotFoundError{Path: path}
	}

	f, err := os.Open(path)
	if err != nil {
		return &rterr.NotFoundError{Path: path}
	}
	raws, err := directive.Parse(path, f)
	f.Close()
	if err != nil {
		return err
	}

	requires := make([]model.WithLoc[model.Directive], 0, len(raws))
	for _, raw := range raws {
		wl, err := c.Resolver.Resolve(raw.Text, path, raw.Line)
		if err != nil {
			return err
		}
		requires = append(requires, wl)

		switch wl.Value.Kind {
		case model.KindModule:
			if err := c.visitModule(wl.Value.Path, visited, out); err != nil {
				return err
			}
		case model.KindLibrary:
			if err := c.visitLibrary(wl.Value.Path, visited, out); err != nil {
				return err
			}
		}
	}

	ext := filepath.Ext(path)
	dialect, _ := lang.DialectOf(ext)
	intfPath := strings.TrimSuffix(path, ext) + lang.InterfaceExtensionFor(dialect)
	var hasIntf bool
	var intfStat model.FileStat
	if st, err := fsutil.Stat(intfPath); err == nil {
		hasIntf = true
		intfStat = st
	}

	*out = append(*out, &model.ModuleUnit{
		PathSrc:  path,
		StatSrc:  stat,
		PathIntf: intfIfPresent(intfPath, hasIntf),
		StatIntf: intfStat,
		HasIntf:  hasIntf,
		Dialect:  dialect,
		Requires: requires,
	})
	return nil
}

func intfIfPresent(path string, present bool) string {
	if !present {
		return ""
	}
	return path
}

func (c *Collector) visitLibrary(dir string, visited map[string]bool, out *[]model.Unit) error {
	if visited[dir] {
		return nil
	}
	visited[dir] = true

	dirStat, err := fsutil.Stat(dir)
	if err != nil {
		return &rterr.NotFoundError{Path: dir}
	}

	manifestPath := filepath.Join(dir, lang.ManifestName)
	manifestStat, err := fsutil.Stat(manifestPath)
	if err != nil {
		return &rterr.NotFoundError{Path: manifestPath}
	}
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return &rterr.NotFoundError{Path: manifestPath}
	}
	forms, err := manifest.ParseForms(string(b))
	if err != nil {
		return err
	}

	raws := manifest.Requires(forms)
	requires := make([]model.WithLoc[model.Directive], 0, len(raws))
	for i, raw := range raws {
		wl, err := c.Resolver.Resolve(raw, manifestPath, i+1)
		if err != nil {
			return err
		}
		requires = append(requires, wl)
		switch wl.Value.Kind {
		case model.KindModule:
			if err := c.visitModule(wl.Value.Path, visited, out); err != nil {
				return err
			}
		case model.KindLibrary:
			if err := c.visitLibrary(wl.Value.Path, visited, out); err != nil {
				return err
			}
		}
	}

	members, err := EnumerateMembers(dir)
	if err != nil {
		return err
	}

	*out = append(*out, &model.LibraryUnit{
		PathDir:      dir,
		StatDir:      dirStat,
		StatManifest: manifestStat,
		Members:      members,
		Requires:     requires,
	})
	return nil
}

// EnumerateMembers lists every source file directly inside dir (excluding
// the manifest) paired with its optional interface sibling, stable-sorted by
// FileSrc (spec §3, LibraryUnit.members). Exported so the State Store's diff
// operation (spec §4.3) can re-enumerate a library directory's members
// without duplicating this logic.
func EnumerateMembers(dir string) ([]model.LibraryMember, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	bySrc := make(map[string]string) // src name -> intf name, if any
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if _, ok := lang.DialectOf(ext); !ok {
			continue // not a source file (manifest, interface, other)
		}
		bySrc[name] = ""
		names = append(names, name)
	}
	for _, e := range entries {
		name := e.Name()
		for src := range bySrc {
			base := strings.TrimSuffix(src, filepath.Ext(src))
			d, _ := lang.DialectOf(filepath.Ext(src))
			if name == base+lang.InterfaceExtensionFor(d) {
				bySrc[src] = name
			}
		}
	}

	sort.Strings(names)
	out := make([]model.LibraryMember, 0, len(names))
	for _, name := range names {
		intf := bySrc[name]
		m := model.LibraryMember{FileSrc: filepath.Join(dir, name)}
		if intf != "" {
			m.FileIntf = filepath.Join(dir, intf)
		}
		out = append(out, m)
	}
	return out, nil
}
