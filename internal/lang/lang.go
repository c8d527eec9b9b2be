// Package lang names the file-extension and manifest-filename conventions
// the target language toolchain uses. These are conventions of the external
// toolchain (spec §1's "these are external collaborators"), not something
// core invents, but core needs to know them to resolve requires and to
// decide which artifacts a unit produces.
package lang

import (
	"path/filepath"
	"strings"

	"github.com/andreypopp/mach/internal/model"
)

const (
	// ExtPrimary is the primary source extension, tried first when a
	// require has no extension.
	ExtPrimary = ".fn"
	// ExtAlternate is the alternate-dialect source extension.
	ExtAlternate = ".fnx"
	// ExtInterfacePrimary is the sibling interface-file extension for a
	// primary-dialect source.
	ExtInterfacePrimary = ".fni"
	// ExtInterfaceAlternate is the sibling interface-file extension for an
	// alternate-dialect source.
	ExtInterfaceAlternate = ".fnxi"

	// ManifestName is the fixed manifest filename a library directory must
	// contain (spec §4.2).
	ManifestName = "library.manifest"
)

// SourceExtensions lists the accepted source extensions, primary first --
// the order the tie-break in spec §4.2 requires when a require string
// carries no extension.
var SourceExtensions = []string{ExtPrimary, ExtAlternate}

// DialectOf returns the Dialect for a recognized source extension, and
// whether ext was recognized at all.
func DialectOf(ext string) (model.Dialect, bool) {
	switch ext {
	case ExtPrimary:
		return model.Primary, true
	case ExtAlternate:
		return model.Alternate, true
	default:
		return 0, false
	}
}

// InterfaceExtensionFor returns the interface-file extension that sits
// alongside a source file of the given dialect.
func InterfaceExtensionFor(d model.Dialect) string {
	if d == model.Alternate {
		return ExtInterfaceAlternate
	}
	return ExtInterfacePrimary
}

// InterfacePath returns the sibling interface-file path for a source file,
// derived purely from its extension (no filesystem access).
func InterfacePath(srcPath string) string {
	ext := filepath.Ext(srcPath)
	dialect, _ := DialectOf(ext)
	return strings.TrimSuffix(srcPath, ext) + InterfaceExtensionFor(dialect)
}
