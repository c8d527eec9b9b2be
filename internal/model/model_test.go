package model

import "testing"

func TestEqualRequiresIgnoresLocation(t *testing.T) {
	a := []WithLoc[Directive]{
		{Value: Directive{Kind: KindModule, Path: "/a.fn"}, SourceFile: "main.fn", Line: 1},
	}
	b := []WithLoc[Directive]{
		{Value: Directive{Kind: KindModule, Path: "/a.fn"}, SourceFile: "other.fn", Line: 99},
	}
	if !EqualRequires(a, b) {
		t.Error("EqualRequires should ignore SourceFile/Line, comparing Values only")
	}
}

func TestEqualRequiresDetectsValueChange(t *testing.T) {
	a := []WithLoc[Directive]{
		{Value: Directive{Kind: KindModule, Path: "/a.fn"}, SourceFile: "main.fn", Line: 1},
	}
	b := []WithLoc[Directive]{
		{Value: Directive{Kind: KindModule, Path: "/b.fn"}, SourceFile: "main.fn", Line: 1},
	}
	if EqualRequires(a, b) {
		t.Error("EqualRequires should detect a different Value")
	}
}

func TestEqualRequiresDetectsLengthChange(t *testing.T) {
	a := []WithLoc[Directive]{
		{Value: Directive{Kind: KindModule, Path: "/a.fn"}},
	}
	var b []WithLoc[Directive]
	if EqualRequires(a, b) {
		t.Error("EqualRequires should detect a length mismatch")
	}
}

func TestEntryPointIsLastUnit(t *testing.T) {
	lib := &ModuleUnit{PathSrc: "/lib.fn"}
	main := &ModuleUnit{PathSrc: "/main.fn"}
	g := &GraphState{Units: []Unit{lib, main}}
	if g.EntryPoint() != Unit(main) {
		t.Errorf("EntryPoint() = %v, want main", g.EntryPoint())
	}
}

func TestEntryPointEmptyGraph(t *testing.T) {
	g := &GraphState{}
	if g.EntryPoint() != nil {
		t.Error("EntryPoint() of an empty graph should be nil")
	}
}
