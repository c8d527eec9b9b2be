package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/pkgindex"
	"github.com/andreypopp/mach/internal/resolve"
)

func sampleState() *model.GraphState {
	return &model.GraphState{
		Env: model.EnvFingerprint{
			RuntimeSelfPath:     "/usr/bin/mach",
			CompilerVersion:     "mach-compiler 1.2.3",
			PackageIndexVersion: "pkgidx-4",
		},
		Units: []model.Unit{
			&model.ModuleUnit{
				PathSrc: "/proj/lib.fn",
				StatSrc: model.FileStat{Mtime: 100, Size: 12},
				Dialect: model.Primary,
			},
			&model.ModuleUnit{
				PathSrc:  "/proj/main.fn",
				StatSrc:  model.FileStat{Mtime: 200, Size: 40},
				HasIntf:  true,
				PathIntf: "/proj/main.fni",
				StatIntf: model.FileStat{Mtime: 201, Size: 5},
				Dialect:  model.Primary,
				Requires: []model.WithLoc[model.Directive]{
					{
						Value:      model.Directive{Kind: model.KindModule, Path: "/proj/lib.fn"},
						SourceFile: "/proj/main.fn",
						Line:       1,
					},
					{
						Value:      model.Directive{Kind: model.KindExternalLib, Name: "json", Version: "3.0.0"},
						SourceFile: "/proj/main.fn",
						Line:       2,
					},
				},
			},
			&model.LibraryUnit{
				PathDir:      "/proj/vendor/mathlib",
				StatDir:      model.FileStat{Mtime: 300, Size: 64},
				StatManifest: model.FileStat{Mtime: 301, Size: 20},
				Members: []model.LibraryMember{
					{FileSrc: "/proj/vendor/mathlib/a.fn", FileIntf: "/proj/vendor/mathlib/a.fni"},
					{FileSrc: "/proj/vendor/mathlib/b.fn"},
				},
				Requires: []model.WithLoc[model.Directive]{
					{
						Value:      model.Directive{Kind: model.KindLibrary, Path: "/proj/vendor/other"},
						SourceFile: "/proj/vendor/mathlib/library.manifest",
						Line:       1,
					},
				},
			},
		},
	}
}

var cmpOpts = []cmp.Option{
	cmpopts.IgnoreFields(model.WithLoc[model.Directive]{}, "SourceFile", "Line"),
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	want := sampleState()
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatalf("Read: state reported absent after a successful Write")
	}

	if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMissing(t *testing.T) {
	_, ok, err := Read(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Read: unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("Read: expected ok=false for a missing file")
	}
}

func TestReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	if err := os.WriteFile(path, []byte("not a gzip stream"), 0644); err != nil {
		t.Fatal(err)
	}
	_, ok, err := Read(path)
	if err != nil {
		t.Fatalf("Read: unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("Read: expected ok=false for a corrupt file")
	}
}

func TestCheckReconfigureNoChange(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.fn")
	main := filepath.Join(dir, "main.fn")
	mustWrite(t, lib, `let msg = "from lib"`+"\n")
	mustWrite(t, main, "#require \"./lib\"\nlet () = print_endline Lib.msg\n")

	libStat, mainStat := mustStat(t, lib), mustStat(t, main)

	st := &model.GraphState{
		Env: model.EnvFingerprint{CompilerVersion: "v1"},
		Units: []model.Unit{
			&model.ModuleUnit{PathSrc: lib, StatSrc: libStat, Dialect: model.Primary},
			&model.ModuleUnit{
				PathSrc: main, StatSrc: mainStat, Dialect: model.Primary,
				Requires: []model.WithLoc[model.Directive]{
					{Value: model.Directive{Kind: model.KindModule, Path: lib}, SourceFile: main, Line: 1},
				},
			},
		},
	}

	r := &resolve.Resolver{Index: &pkgindex.Stub{}}
	diff, err := CheckReconfigure(st, model.EnvFingerprint{CompilerVersion: "v1"}, r)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Reason != ReasonNone {
		t.Errorf("Reason = %v, want ReasonNone", diff.Reason)
	}
}

func TestCheckReconfigureEnvDominatesPaths(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.fn")
	mustWrite(t, main, "let () = ()\n")
	mainStat := mustStat(t, main)

	st := &model.GraphState{
		Env:   model.EnvFingerprint{CompilerVersion: "v1"},
		Units: []model.Unit{&model.ModuleUnit{PathSrc: main, StatSrc: model.FileStat{Mtime: mainStat.Mtime - 1, Size: 0}}},
	}

	r := &resolve.Resolver{Index: &pkgindex.Stub{}}
	diff, err := CheckReconfigure(st, model.EnvFingerprint{CompilerVersion: "v2"}, r)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Reason != ReasonEnv {
		t.Errorf("Reason = %v, want ReasonEnv even though a path also changed", diff.Reason)
	}
}

func TestCheckReconfigurePathsNeverEmpty(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.fn")
	mustWrite(t, main, "let () = ()\n")
	mainStat := mustStat(t, main)

	st := &model.GraphState{
		Env:   model.EnvFingerprint{CompilerVersion: "v1"},
		Units: []model.Unit{&model.ModuleUnit{PathSrc: main, StatSrc: mainStat, Dialect: model.Primary}},
	}

	r := &resolve.Resolver{Index: &pkgindex.Stub{}}
	diff, err := CheckReconfigure(st, model.EnvFingerprint{CompilerVersion: "v1"}, r)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Reason == ReasonPaths && len(diff.Paths) == 0 {
		t.Errorf("ReasonPaths produced with an empty set")
	}
}

func TestCheckReconfigurePathsRealChange(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.fn")
	main := filepath.Join(dir, "main.fn")
	mustWrite(t, lib, `let msg = "from lib"`+"\n")
	mustWrite(t, main, "#require \"./lib\"\nlet () = print_endline Lib.msg\n")

	libStat, mainStat := mustStat(t, lib), mustStat(t, main)

	st := &model.GraphState{
		Env: model.EnvFingerprint{CompilerVersion: "v1"},
		Units: []model.Unit{
			&model.ModuleUnit{PathSrc: lib, StatSrc: libStat, Dialect: model.Primary},
			&model.ModuleUnit{
				PathSrc: main, StatSrc: mainStat, Dialect: model.Primary,
				Requires: []model.WithLoc[model.Directive]{
					{Value: model.Directive{Kind: model.KindModule, Path: lib}, SourceFile: main, Line: 1},
				},
			},
		},
	}

	// Add a second #require to main.fn: its re-parsed require set now
	// genuinely differs from what was persisted, so only main, not lib,
	// should be reported changed.
	mustWrite(t, main, "#require \"./lib\"\n#require \"json\"\nlet () = print_endline Lib.msg\n")

	r := &resolve.Resolver{Index: &pkgindex.Stub{Present: true, Versions: map[string]string{"json": "1.0.0"}}}
	diff, err := CheckReconfigure(st, model.EnvFingerprint{CompilerVersion: "v1"}, r)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Reason != ReasonPaths {
		t.Fatalf("Reason = %v, want ReasonPaths", diff.Reason)
	}
	if !diff.Paths[main] {
		t.Errorf("Paths = %v, want it to contain %s", diff.Paths, main)
	}
	if diff.Paths[lib] {
		t.Errorf("Paths = %v, lib.fn was not touched and must not be reported changed: %s", diff.Paths, lib)
	}
}

func TestCheckReconfigureBodyOnlyEditIsNotAStructuralChange(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.fn")
	mustWrite(t, lib, `let msg = "from lib"`+"\n")
	libStat := mustStat(t, lib)

	st := &model.GraphState{
		Env:   model.EnvFingerprint{CompilerVersion: "v1"},
		Units: []model.Unit{&model.ModuleUnit{PathSrc: lib, StatSrc: libStat, Dialect: model.Primary}},
	}

	// A body-only edit changes mtime and size but leaves the require set
	// (here, empty) identical once re-parsed -- spec.md §4.3 -- so this must
	// not be treated as a structural change.
	mustWrite(t, lib, "let msg = \"from lib\"\nlet other = 1\n")

	r := &resolve.Resolver{Index: &pkgindex.Stub{}}
	diff, err := CheckReconfigure(st, model.EnvFingerprint{CompilerVersion: "v1"}, r)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Reason != ReasonNone {
		t.Errorf("Reason = %v, want ReasonNone for a body-only edit with unchanged requires", diff.Reason)
	}
}

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustStat(t *testing.T, path string) model.FileStat {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return model.FileStat{Mtime: fi.ModTime().Unix(), Size: uint64(fi.Size())}
}
