package fsutil

import "testing"

// TestNormalizeInjective covers spec.md §8 invariant 3: the normalized build
// directory name for a given absolute source path is injective.
func TestNormalizeInjective(t *testing.T) {
	cases := []string{
		"/proj/lib.fn",
		"/proj/sub/lib.fn",
		"/proj-sub/lib.fn",
		"/proj/sub-lib.fn",
		"/a/b/c.fn",
		"/a/b-c.fn",
		// A literal occurrence of the escape rune must not let a path
		// collide with one where a real separator sits in the same spot.
		"/a··b",
		"/a/·b",
		"/a/b",
	}
	seen := make(map[string]string, len(cases))
	for _, c := range cases {
		n := Normalize(c)
		if prev, ok := seen[n]; ok && prev != c {
			t.Errorf("Normalize(%q) == Normalize(%q) == %q, want injective mapping", c, prev, n)
		}
		seen[n] = c
	}
}

func TestNormalizeRoundTripsSeparator(t *testing.T) {
	got := Normalize("/a/b/c.fn")
	want := "··a··b··c.fn"
	if got != want {
		t.Errorf("Normalize(/a/b/c.fn) = %q, want %q", got, want)
	}
}

func TestBuildDirUsesHomeAndUnderscoreBuild(t *testing.T) {
	got := BuildDir("/home/user/.cache/mach", "/proj/lib.fn")
	want := "/home/user/.cache/mach/_build/··proj··lib.fn"
	if got != want {
		t.Errorf("BuildDir = %q, want %q", got, want)
	}
}
