package lang

import (
	"testing"

	"github.com/andreypopp/mach/internal/model"
)

func TestDialectOf(t *testing.T) {
	if d, ok := DialectOf(ExtPrimary); !ok || d != model.Primary {
		t.Errorf("DialectOf(%q) = %v, %v; want Primary, true", ExtPrimary, d, ok)
	}
	if d, ok := DialectOf(ExtAlternate); !ok || d != model.Alternate {
		t.Errorf("DialectOf(%q) = %v, %v; want Alternate, true", ExtAlternate, d, ok)
	}
	if _, ok := DialectOf(".txt"); ok {
		t.Error("DialectOf(.txt) should not be recognized")
	}
}

func TestInterfacePath(t *testing.T) {
	if got := InterfacePath("/proj/main.fn"); got != "/proj/main.fni" {
		t.Errorf("InterfacePath(main.fn) = %q, want main.fni", got)
	}
	if got := InterfacePath("/proj/main.fnx"); got != "/proj/main.fnxi" {
		t.Errorf("InterfacePath(main.fnx) = %q, want main.fnxi", got)
	}
}
