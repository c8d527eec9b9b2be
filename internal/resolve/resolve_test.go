package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andreypopp/mach/internal/lang"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/pkgindex"
	"github.com/andreypopp/mach/internal/rterr"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveModuleExtensionTieBreak(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "foo.fn"), "")
	writeFile(t, filepath.Join(dir, "foo.fnx"), "")
	src := filepath.Join(dir, "main.fn")
	writeFile(t, src, "")

	r := &Resolver{}
	wl, err := r.Resolve("./foo", src, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(dir, "foo.fn")
	if wl.Value.Kind != model.KindModule || wl.Value.Path != want {
		t.Errorf("resolved %+v, want module %s (primary wins tie-break)", wl.Value, want)
	}
}

func TestResolveModuleExplicitExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "foo.fnx"), "")
	src := filepath.Join(dir, "main.fn")
	writeFile(t, src, "")

	r := &Resolver{}
	wl, err := r.Resolve("./foo.fnx", src, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if wl.Value.Path != filepath.Join(dir, "foo.fnx") {
		t.Errorf("resolved %s, want foo.fnx", wl.Value.Path)
	}
}

func TestResolveModuleNotFound(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.fn")
	writeFile(t, src, "")

	r := &Resolver{}
	_, err := r.Resolve("./missing", src, 1)
	var nfe *rterr.NotFoundError
	if !asNotFound(err, &nfe) {
		t.Fatalf("expected NotFoundError, got %v (%T)", err, err)
	}
}

func asNotFound(err error, target **rterr.NotFoundError) bool {
	nfe, ok := err.(*rterr.NotFoundError)
	if !ok {
		return false
	}
	*target = nfe
	return true
}

func TestResolveLibraryRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "vendor", "mathlib")
	if err := os.MkdirAll(libDir, 0755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "main.fn")
	writeFile(t, src, "")

	r := &Resolver{}
	if _, err := r.Resolve("./vendor/mathlib", src, 1); err == nil {
		t.Fatal("expected BadLibraryError for directory without manifest")
	}

	writeFile(t, filepath.Join(libDir, lang.ManifestName), "(require)\n")
	wl, err := r.Resolve("./vendor/mathlib", src, 1)
	if err != nil {
		t.Fatalf("Resolve with manifest present: %v", err)
	}
	if wl.Value.Kind != model.KindLibrary {
		t.Errorf("resolved kind = %v, want KindLibrary", wl.Value.Kind)
	}
}

func TestResolveExternalLibrary(t *testing.T) {
	src := filepath.Join(t.TempDir(), "main.fn")
	writeFile(t, src, "")

	t.Run("no index", func(t *testing.T) {
		r := &Resolver{Index: &pkgindex.Stub{Present: false}}
		if _, err := r.Resolve("json", src, 1); err == nil {
			t.Fatal("expected PackageIndexMissingError")
		}
	})

	t.Run("unknown library", func(t *testing.T) {
		r := &Resolver{Index: &pkgindex.Stub{Present: true, Versions: map[string]string{}}}
		if _, err := r.Resolve("json", src, 1); err == nil {
			t.Fatal("expected UnknownLibraryError")
		}
	})

	t.Run("known library", func(t *testing.T) {
		r := &Resolver{Index: &pkgindex.Stub{Present: true, Versions: map[string]string{"json": "3.0.0"}}}
		wl, err := r.Resolve("json", src, 1)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if wl.Value.Kind != model.KindExternalLib || wl.Value.Name != "json" || wl.Value.Version != "3.0.0" {
			t.Errorf("resolved %+v, want external json=3.0.0", wl.Value)
		}
	})
}
