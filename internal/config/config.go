// Package config locates the per-user runtime home directory, loads the
// optional settings file found there, and detects toolchain versions that
// feed the env fingerprint (spec §6). Grounded on internal/env's
// findDistriRoot in the teacher repo (a single DISTRIROOT env var with a
// hardcoded fallback), generalized here to the full discovery order spec.md
// prescribes: env var, then parent-walk for a marker file, then a standard
// per-user state directory.
package config

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/andreypopp/mach/internal/manifest"
)

// HomeEnvVar is the environment variable consulted first when locating the
// runtime home directory.
const HomeEnvVar = "MACH_HOME"

// HomeFile is the marker/config file name searched for while walking parent
// directories. LoadSettings can parse such a file; Home itself only checks
// that it exists and does not read it.
const HomeFile = ".machrc"

// Home discovers the runtime home directory, in the order spec.md §6
// prescribes:
//  1. $MACH_HOME, if set.
//  2. Walking up from the current working directory looking for a HomeFile.
//  3. A standard per-user state directory (os.UserConfigDir()/mach).
func Home() (string, error) {
	if v := os.Getenv(HomeEnvVar); v != "" {
		return v, nil
	}
	if dir, ok := findDominatingHomeFile(); ok {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", xerrors.Errorf("UserConfigDir: %w", err)
	}
	return filepath.Join(base, "mach"), nil
}

func findDominatingHomeFile() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, HomeFile)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Settings is the parsed optional settings file. Its only currently
// recognized key is reserved and unused (spec.md §6); Settings exists so
// future keys have somewhere to land without changing the file format.
type Settings struct {
	Forms []manifest.Form
}

// LoadSettings reads and parses the settings file at path. A missing file is
// not an error: it returns an empty Settings.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, xerrors.Errorf("reading %s: %w", path, err)
	}
	forms, err := manifest.ParseForms(string(b))
	if err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", path, err)
	}
	return &Settings{Forms: forms}, nil
}

// DetectCompilerVersion runs `<compiler> -version` and returns the trimmed
// first line of its output, the string stored verbatim in the env
// fingerprint.
func DetectCompilerVersion(ctx context.Context, compiler string) (string, error) {
	cmd := exec.CommandContext(ctx, compiler, "-version")
	out, err := cmd.Output()
	if err != nil {
		return "", xerrors.Errorf("%s -version: %w", compiler, err)
	}
	line := strings.SplitN(string(out), "\n", 2)[0]
	return strings.TrimSpace(line), nil
}

// CompareCompilerVersions classifies a change in compiler version for
// diagnostics only (never part of the Env-vs-Paths classification law, which
// per spec.md is a plain equality check). Returns a positive number if a is
// newer than b, negative if a is older than b, 0 if indistinguishable under
// semver (e.g. either string has no token that parses as a semver).
func CompareCompilerVersions(a, b string) int {
	va, vb := canonicalSemver(a), canonicalSemver(b)
	if va == "" || vb == "" {
		return 0
	}
	return semver.Compare(va, vb)
}

// canonicalSemver extracts a leading semver-ish token and ensures it carries
// the "v" prefix golang.org/x/mod/semver requires.
func canonicalSemver(s string) string {
	fields := strings.Fields(s)
	for _, f := range fields {
		v := f
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if semver.IsValid(v) {
			return v
		}
	}
	return ""
}
