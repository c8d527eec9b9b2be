package emit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreypopp/mach/internal/fsutil"
	"github.com/andreypopp/mach/internal/model"
)

func newEmitter(t *testing.T) (*Emitter, string) {
	t.Helper()
	home := t.TempDir()
	return &Emitter{
		Home:           home,
		SelfPath:       "/usr/bin/mach",
		FastCompiler:   "machc-bytecode",
		NativeCompiler: "machc",
	}, home
}

func TestEmitModuleAndRoot(t *testing.T) {
	e, home := newEmitter(t)

	lib := &model.ModuleUnit{
		PathSrc: "/proj/lib.fn",
		StatSrc: model.FileStat{Mtime: 1, Size: 1},
		Dialect: model.Primary,
	}
	main := &model.ModuleUnit{
		PathSrc: "/proj/main.fn",
		StatSrc: model.FileStat{Mtime: 1, Size: 1},
		Dialect: model.Primary,
		Requires: []model.WithLoc[model.Directive]{
			{Value: model.Directive{Kind: model.KindModule, Path: lib.PathSrc}, SourceFile: "/proj/main.fn", Line: 1},
		},
	}
	st := &model.GraphState{Units: []model.Unit{lib, main}}

	if err := e.EmitGraph(st, nil, true); err != nil {
		t.Fatalf("EmitGraph: %v", err)
	}

	libBD := e.BuildDir(lib.PathSrc)
	mainBD := e.BuildDir(main.PathSrc)

	if !fsutil.Exists(filepath.Join(libBD, "module."+DriverExt)) {
		t.Errorf("module fragment not written for lib")
	}
	mainFragment, err := os.ReadFile(filepath.Join(mainBD, "module."+DriverExt))
	if err != nil {
		t.Fatalf("reading main fragment: %v", err)
	}
	if !strings.Contains(string(mainFragment), "-I="+libBD) {
		t.Errorf("main fragment does not include lib's build dir in includes.args:\n%s", mainFragment)
	}

	rootFragment, err := os.ReadFile(filepath.Join(mainBD, "build."+DriverExt))
	if err != nil {
		t.Fatalf("reading root fragment: %v", err)
	}
	root := string(rootFragment)
	if !strings.Contains(root, "subninja "+filepath.Join(libBD, "module."+DriverExt)) {
		t.Errorf("root fragment does not subninja lib's fragment:\n%s", root)
	}
	if !strings.Contains(root, mainBD+"/a.out") {
		t.Errorf("root fragment does not build the final executable:\n%s", root)
	}

	_ = home
}

func TestEmitGraphPartialOnlyTouchesChanged(t *testing.T) {
	e, _ := newEmitter(t)

	lib := &model.ModuleUnit{PathSrc: "/proj/lib.fn", Dialect: model.Primary}
	main := &model.ModuleUnit{
		PathSrc: "/proj/main.fn", Dialect: model.Primary,
		Requires: []model.WithLoc[model.Directive]{
			{Value: model.Directive{Kind: model.KindModule, Path: lib.PathSrc}},
		},
	}
	st := &model.GraphState{Units: []model.Unit{lib, main}}

	if err := e.EmitGraph(st, nil, true); err != nil {
		t.Fatal(err)
	}

	mainFragment := filepath.Join(e.BuildDir(main.PathSrc), "module."+DriverExt)
	before, err := os.Stat(mainFragment)
	if err != nil {
		t.Fatal(err)
	}

	// Re-emit with only "lib" marked changed; main's fragment must not be
	// rewritten (its mtime should be unchanged since its build dir already
	// exists and it is not in the changed set).
	if err := e.EmitGraph(st, map[string]bool{lib.PathSrc: true}, false); err != nil {
		t.Fatal(err)
	}
	after, err := os.Stat(mainFragment)
	if err != nil {
		t.Fatal(err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Errorf("main's fragment was rewritten even though it was not in the changed set")
	}
}

func TestMemberLinkOrder(t *testing.T) {
	deps := map[string][]string{
		"c": {"a", "b"},
		"b": {"a"},
		"a": {},
	}
	order, err := MemberLinkOrder([]string{"a", "b", "c"}, deps)
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[string]int, len(order))
	for i, m := range order {
		pos[m] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("link order %v does not respect dependency edges", order)
	}
}
