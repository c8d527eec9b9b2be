// Package fsutil provides the stat-fingerprint and path-normalization
// helpers shared by the Graph Collector, State Store, and Configure
// Orchestrator.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/andreypopp/mach/internal/model"
)

// Stat reads a FileStat off path, the same way the teacher's cpFileInfo
// type-asserts os.FileInfo.Sys() to a *syscall.Stat_t to get at raw mode and
// xattrs: here we only need mtime and size, at one-second resolution.
func Stat(path string) (model.FileStat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return model.FileStat{}, err
	}
	return statFromFileInfo(fi), nil
}

func statFromFileInfo(fi os.FileInfo) model.FileStat {
	var mtime int64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		mtime = st.Mtim.Sec
	} else {
		mtime = fi.ModTime().Unix()
	}
	return model.FileStat{
		Mtime: mtime,
		Size:  uint64(fi.Size()),
	}
}

// Exists reports whether path exists (regardless of type).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// normalizeEscapeRune is the middle dot used to mark an escaped path
// separator. A literal occurrence of this rune inside the input path is
// itself escaped (to normalizeLitDot) so that no two distinct paths can ever
// collide on the same encoded output -- see Normalize.
const normalizeEscapeRune = '·'

const (
	normalizeSep    = "··" // encodes one path separator
	normalizeLitDot = "·^" // encodes one literal normalizeEscapeRune
)

// Normalize maps an absolute source path to a filesystem-safe single-segment
// name by doubling the path separator, so every unit gets a unique, stable,
// flat build directory name (spec §3, "Ownership"). This generalizes the
// teacher's package-version naming (pkg+"-"+arch+"-"+version in
// internal/build) from concatenating already-flat name components to
// escaping an arbitrary absolute path into one.
//
// A path separator encodes to normalizeSep and a literal normalizeEscapeRune
// already present in the input encodes to normalizeLitDot; every other
// rune passes through unchanged. Because normalizeSep and normalizeLitDot
// are distinguished by their second rune and no unescaped rune can begin
// with normalizeEscapeRune, the encoding is unambiguous left-to-right and
// therefore injective (spec §8 invariant 3): two different absolute paths
// never normalize to the same build directory name, even if one of them
// already contains the escape rune as ordinary text.
func Normalize(absPath string) string {
	clean := filepath.Clean(absPath)
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		switch r {
		case filepath.Separator:
			b.WriteString(normalizeSep)
		case normalizeEscapeRune:
			b.WriteString(normalizeLitDot)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildDir returns the per-unit build directory for absPath under home.
func BuildDir(home, absPath string) string {
	return filepath.Join(home, "_build", Normalize(absPath))
}

// Canonical resolves path to an absolute, symlink-free form, the same
// normalization the Graph Collector applies to its entry point (spec §4.4)
// -- lifted out here so the Configure Orchestrator can compute a build
// directory from an entry path before any collection has happened.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
