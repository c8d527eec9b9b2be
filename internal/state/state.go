// Package state implements the State Store (spec.md §4.3): it serializes a
// GraphState to the textual, line-oriented format spec.md sketches, persists
// it atomically, and computes the reconfigure-reason diff against a fresh
// config and the filesystem.
//
// The on-disk encoding is written through a pgzip.Writer (read back through
// pgzip.NewReader) wrapped in renameio's temp-file-plus-rename dance, the
// same pattern cmd/distri/initrd.go uses to atomically produce a compressed
// image (renameio.TempFile, write through the compressor, then
// CloseAtomicallyReplace) -- the logical content stays the plain textual
// format from spec.md §4.3, only the bytes on disk are gzipped.
package state

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/andreypopp/mach/internal/directive"
	"github.com/andreypopp/mach/internal/fsutil"
	"github.com/andreypopp/mach/internal/graph"
	"github.com/andreypopp/mach/internal/lang"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/resolve"

	"github.com/google/renameio"
)

// Write renders state into the textual format and persists it atomically at
// path (temp file + rename), compressed with pgzip. Rule files must already
// be written by the time Write is called (spec.md §5: "state is persisted
// last").
func Write(path string, st *model.GraphState) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("state.Write: %w", err)
	}
	defer f.Cleanup()

	zw := pgzip.NewWriter(f)
	bw := bufio.NewWriter(zw)
	if err := encode(bw, st); err != nil {
		return xerrors.Errorf("state.Write: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return xerrors.Errorf("state.Write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("state.Write: %w", err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("state.Write: %w", err)
	}
	return nil
}

// Read loads and parses the state file at path. Per spec.md §4.3 ("Any parse
// error ⇒ treat as 'no state', forces full reconfigure"), a missing file or
// any malformed content is reported via ok == false, never as an error the
// caller must propagate; only unexpected I/O failures (e.g. permission
// denied) are returned as errors.
func Read(path string) (st *model.GraphState, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("state.Read: %w", err)
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return nil, false, nil // corrupt: treat as absent
	}
	defer zr.Close()

	st, perr := decode(zr)
	if perr != nil {
		return nil, false, nil // malformed: treat as absent, per spec.md §7 StateParse
	}
	return st, true, nil
}

// --- textual encoding ---

func encode(w io.Writer, st *model.GraphState) error {
	idx := quote(st.Env.PackageIndexVersion)
	if st.Env.PackageIndexVersion == "" {
		idx = "none"
	}
	if _, err := fmt.Fprintf(w, "runtime_self_path %s\ncompiler_version %s\npackage_index_version %s\n\n",
		quote(st.Env.RuntimeSelfPath), quote(st.Env.CompilerVersion), idx); err != nil {
		return err
	}
	for _, u := range st.Units {
		switch v := u.(type) {
		case *model.ModuleUnit:
			if err := encodeModule(w, v); err != nil {
				return err
			}
		case *model.LibraryUnit:
			if err := encodeLibrary(w, v); err != nil {
				return err
			}
		default:
			return xerrors.Errorf("encode: unknown unit type %T", u)
		}
	}
	return nil
}

func encodeModule(w io.Writer, m *model.ModuleUnit) error {
	if _, err := fmt.Fprintf(w, "unit module %s %s %d %d\n",
		m.Dialect, quote(m.PathSrc), m.StatSrc.Mtime, m.StatSrc.Size); err != nil {
		return err
	}
	if m.HasIntf {
		if _, err := fmt.Fprintf(w, "  intf %s %d %d\n",
			quote(m.PathIntf), m.StatIntf.Mtime, m.StatIntf.Size); err != nil {
			return err
		}
	}
	for _, r := range m.Requires {
		if err := encodeRequire(w, r); err != nil {
			return err
		}
	}
	return nil
}

func encodeLibrary(w io.Writer, l *model.LibraryUnit) error {
	if _, err := fmt.Fprintf(w, "unit library %s %d %d %d %d\n",
		quote(l.PathDir), l.StatDir.Mtime, l.StatDir.Size, l.StatManifest.Mtime, l.StatManifest.Size); err != nil {
		return err
	}
	for _, mem := range l.Members {
		if _, err := fmt.Fprintf(w, "  member %s %s\n", quote(mem.FileSrc), quote(mem.FileIntf)); err != nil {
			return err
		}
	}
	for _, r := range l.Requires {
		if err := encodeRequire(w, r); err != nil {
			return err
		}
	}
	return nil
}

func encodeRequire(w io.Writer, r model.WithLoc[model.Directive]) error {
	switch r.Value.Kind {
	case model.KindModule:
		_, err := fmt.Fprintf(w, "  requires %s %d module %s\n", quote(r.SourceFile), r.Line, quote(r.Value.Path))
		return err
	case model.KindLibrary:
		_, err := fmt.Fprintf(w, "  requires %s %d library %s\n", quote(r.SourceFile), r.Line, quote(r.Value.Path))
		return err
	case model.KindExternalLib:
		_, err := fmt.Fprintf(w, "  requires %s %d external %s %s\n", quote(r.SourceFile), r.Line, quote(r.Value.Name), quote(r.Value.Version))
		return err
	default:
		return xerrors.Errorf("encodeRequire: unknown kind %v", r.Value.Kind)
	}
}

func quote(s string) string { return strconv.Quote(s) }

func decode(r io.Reader) (*model.GraphState, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	st := &model.GraphState{}
	var cur model.Unit // current in-progress unit record

	flush := func() {
		if cur != nil {
			st.Units = append(st.Units, cur)
			cur = nil
		}
	}

	headerLines := 0
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "  ") && headerLines < 3 {
			tok, err := tokenize(line)
			if err != nil {
				return nil, err
			}
			if len(tok) < 2 {
				return nil, xerrors.Errorf("decode: malformed header line %q", line)
			}
			switch tok[0] {
			case "runtime_self_path":
				st.Env.RuntimeSelfPath = tok[1]
			case "compiler_version":
				st.Env.CompilerVersion = tok[1]
			case "package_index_version":
				if tok[1] != "none" {
					st.Env.PackageIndexVersion = tok[1]
				}
			default:
				return nil, xerrors.Errorf("decode: unexpected header field %q", tok[0])
			}
			headerLines++
			continue
		}

		if strings.HasPrefix(line, "unit ") {
			flush()
			u, err := decodeUnitHeader(line)
			if err != nil {
				return nil, err
			}
			cur = u
			continue
		}

		if cur == nil {
			return nil, xerrors.Errorf("decode: attribute line %q before any unit", line)
		}
		if err := decodeAttr(cur, strings.TrimSpace(line)); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return st, nil
}

func decodeUnitHeader(line string) (model.Unit, error) {
	tok, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tok) < 2 {
		return nil, xerrors.Errorf("decode: malformed unit line %q", line)
	}
	switch tok[1] {
	case "module":
		if len(tok) != 6 {
			return nil, xerrors.Errorf("decode: malformed module unit line %q", line)
		}
		dialect := model.Primary
		if tok[2] == "alternate" {
			dialect = model.Alternate
		}
		mtime, err := strconv.ParseInt(tok[4], 10, 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseUint(tok[5], 10, 64)
		if err != nil {
			return nil, err
		}
		return &model.ModuleUnit{
			PathSrc: tok[3],
			StatSrc: model.FileStat{Mtime: mtime, Size: size},
			Dialect: dialect,
		}, nil
	case "library":
		if len(tok) != 7 {
			return nil, xerrors.Errorf("decode: malformed library unit line %q", line)
		}
		dirMtime, err := strconv.ParseInt(tok[3], 10, 64)
		if err != nil {
			return nil, err
		}
		dirSize, err := strconv.ParseUint(tok[4], 10, 64)
		if err != nil {
			return nil, err
		}
		manMtime, err := strconv.ParseInt(tok[5], 10, 64)
		if err != nil {
			return nil, err
		}
		manSize, err := strconv.ParseUint(tok[6], 10, 64)
		if err != nil {
			return nil, err
		}
		return &model.LibraryUnit{
			PathDir:      tok[2],
			StatDir:      model.FileStat{Mtime: dirMtime, Size: dirSize},
			StatManifest: model.FileStat{Mtime: manMtime, Size: manSize},
		}, nil
	default:
		return nil, xerrors.Errorf("decode: unknown unit kind %q", tok[1])
	}
}

func decodeAttr(u model.Unit, line string) error {
	tok, err := tokenize(line)
	if err != nil {
		return err
	}
	if len(tok) == 0 {
		return xerrors.Errorf("decode: empty attribute line")
	}
	switch tok[0] {
	case "intf":
		m, ok := u.(*model.ModuleUnit)
		if !ok || len(tok) != 4 {
			return xerrors.Errorf("decode: unexpected intf attribute")
		}
		mtime, err := strconv.ParseInt(tok[2], 10, 64)
		if err != nil {
			return err
		}
		size, err := strconv.ParseUint(tok[3], 10, 64)
		if err != nil {
			return err
		}
		m.HasIntf = true
		m.PathIntf = tok[1]
		m.StatIntf = model.FileStat{Mtime: mtime, Size: size}
	case "member":
		l, ok := u.(*model.LibraryUnit)
		if !ok || len(tok) != 3 {
			return xerrors.Errorf("decode: unexpected member attribute")
		}
		l.Members = append(l.Members, model.LibraryMember{FileSrc: tok[1], FileIntf: tok[2]})
	case "requires":
		wl, err := decodeRequire(tok)
		if err != nil {
			return err
		}
		switch v := u.(type) {
		case *model.ModuleUnit:
			v.Requires = append(v.Requires, wl)
		case *model.LibraryUnit:
			v.Requires = append(v.Requires, wl)
		}
	default:
		return xerrors.Errorf("decode: unknown attribute %q", tok[0])
	}
	return nil
}

func decodeRequire(tok []string) (model.WithLoc[model.Directive], error) {
	if len(tok) < 4 {
		return model.WithLoc[model.Directive]{}, xerrors.Errorf("decode: malformed requires line")
	}
	declFile := tok[1]
	line, err := strconv.Atoi(tok[2])
	if err != nil {
		return model.WithLoc[model.Directive]{}, err
	}
	switch tok[3] {
	case "module":
		if len(tok) != 5 {
			return model.WithLoc[model.Directive]{}, xerrors.Errorf("decode: malformed module require")
		}
		return model.WithLoc[model.Directive]{
			Value:      model.Directive{Kind: model.KindModule, Path: tok[4]},
			SourceFile: declFile,
			Line:       line,
		}, nil
	case "library":
		if len(tok) != 5 {
			return model.WithLoc[model.Directive]{}, xerrors.Errorf("decode: malformed library require")
		}
		return model.WithLoc[model.Directive]{
			Value:      model.Directive{Kind: model.KindLibrary, Path: tok[4]},
			SourceFile: declFile,
			Line:       line,
		}, nil
	case "external":
		if len(tok) != 6 {
			return model.WithLoc[model.Directive]{}, xerrors.Errorf("decode: malformed external require")
		}
		return model.WithLoc[model.Directive]{
			Value:      model.Directive{Kind: model.KindExternalLib, Name: tok[4], Version: tok[5]},
			SourceFile: declFile,
			Line:       line,
		}, nil
	default:
		return model.WithLoc[model.Directive]{}, xerrors.Errorf("decode: unknown require kind %q", tok[3])
	}
}

// tokenize splits a line into whitespace-separated fields, treating
// double-quoted segments (as produced by quote/strconv.Quote) as single
// fields -- the same "only the one format we emit" discipline
// internal/manifest's reader applies to library manifests, sized down here
// to flat records instead of nested forms.
func tokenize(line string) ([]string, error) {
	var out []string
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		if line[i] == '"' {
			j := i + 1
			for j < len(line) {
				if line[j] == '\\' {
					j += 2
					continue
				}
				if line[j] == '"' {
					break
				}
				j++
			}
			if j >= len(line) {
				return nil, xerrors.Errorf("tokenize: unterminated quoted field in %q", line)
			}
			s, err := strconv.Unquote(line[i : j+1])
			if err != nil {
				return nil, xerrors.Errorf("tokenize: %w", err)
			}
			out = append(out, s)
			i = j + 1
			continue
		}
		j := i
		for j < len(line) && line[j] != ' ' {
			j++
		}
		out = append(out, line[i:j])
		i = j
	}
	return out, nil
}

// --- reconfigure diff ---

// Reason classifies why a reconfigure is needed (spec.md §4.3, §4.6).
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEnv
	ReasonPaths
)

// Diff is the result of CheckReconfigure: a Reason plus, when Reason ==
// ReasonPaths, the non-empty set of unit paths whose structural fingerprint
// changed (spec.md §8: "Paths(∅) is never produced").
type Diff struct {
	Reason Reason
	Paths  map[string]bool
}

// CheckReconfigure implements spec.md §4.3's diff operation. persisted is a
// successfully-loaded GraphState; currentEnv is the env fingerprint computed
// for the present invocation; resolver is used to re-resolve requires for
// modules whose source stat changed, to tell a cosmetic rewrite from a
// structural one. A source file that no longer exists is not reported here
// (spec.md: "caught during re-collection, which raises NotFound") -- such
// units are simply skipped in the diff.
func CheckReconfigure(persisted *model.GraphState, currentEnv model.EnvFingerprint, resolver *resolve.Resolver) (Diff, error) {
	if !persisted.Env.Equal(currentEnv) {
		return Diff{Reason: ReasonEnv}, nil
	}

	changed := make(map[string]bool)
	for _, u := range persisted.Units {
		switch v := u.(type) {
		case *model.ModuleUnit:
			ch, err := moduleChanged(v, resolver)
			if err != nil {
				return Diff{}, err
			}
			if ch {
				changed[v.PathSrc] = true
			}
		case *model.LibraryUnit:
			ch, err := libraryChanged(v)
			if err != nil {
				return Diff{}, err
			}
			if ch {
				changed[v.PathDir] = true
			}
		}
	}

	if len(changed) == 0 {
		return Diff{Reason: ReasonNone}, nil
	}
	return Diff{Reason: ReasonPaths, Paths: changed}, nil
}

func moduleChanged(m *model.ModuleUnit, resolver *resolve.Resolver) (bool, error) {
	intfPath := lang.InterfacePath(m.PathSrc)
	intfNowPresent := fsutil.Exists(intfPath)
	if intfNowPresent != m.HasIntf {
		return true, nil
	}

	stat, err := fsutil.Stat(m.PathSrc)
	if err != nil {
		// Missing source: not reported here, caught by re-collection.
		return false, nil
	}
	if stat == m.StatSrc {
		return false, nil
	}

	// Source changed: re-parse and re-resolve to see whether requires
	// actually differ (a comment-only edit does not invalidate the graph).
	f, err := os.Open(m.PathSrc)
	if err != nil {
		return false, nil
	}
	defer f.Close()
	raws, err := directive.Parse(m.PathSrc, f)
	if err != nil {
		return true, nil // unparsable now: treat as structurally changed
	}
	fresh := make([]model.WithLoc[model.Directive], 0, len(raws))
	for _, raw := range raws {
		wl, err := resolver.Resolve(raw.Text, m.PathSrc, raw.Line)
		if err != nil {
			return true, nil
		}
		fresh = append(fresh, wl)
	}
	return !model.EqualRequires(fresh, m.Requires), nil
}

func libraryChanged(l *model.LibraryUnit) (bool, error) {
	manifestPath := l.PathDir + "/" + lang.ManifestName
	manStat, err := fsutil.Stat(manifestPath)
	if err != nil {
		return false, nil // missing: caught by re-collection
	}
	if manStat != l.StatManifest {
		return true, nil // "manifest changed"
	}

	dirStat, err := fsutil.Stat(l.PathDir)
	if err != nil {
		return false, nil
	}
	if dirStat == l.StatDir {
		return false, nil
	}

	fresh, err := graph.EnumerateMembers(l.PathDir)
	if err != nil {
		return false, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].FileSrc < fresh[j].FileSrc })
	if len(fresh) != len(l.Members) {
		return true, nil // "directory layout changed"
	}
	for i := range fresh {
		if fresh[i] != l.Members[i] {
			return true, nil
		}
	}
	return false, nil
}
