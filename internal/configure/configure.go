// Package configure implements the Configure Orchestrator (spec.md §4.6): it
// drives the Graph Collector, State Store, and Rule Emitter through the
// decision tree that turns a canonical entry path into an up-to-date build
// directory, persisting the result last so a crash mid-reconfigure never
// leaves a torn state file (spec.md §5's ordering guarantee).
package configure

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/andreypopp/mach/internal/config"
	"github.com/andreypopp/mach/internal/emit"
	"github.com/andreypopp/mach/internal/execute"
	"github.com/andreypopp/mach/internal/fsutil"
	"github.com/andreypopp/mach/internal/graph"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/pkgindex"
	"github.com/andreypopp/mach/internal/resolve"
	"github.com/andreypopp/mach/internal/rterr"
	"github.com/andreypopp/mach/internal/state"
)

// StateFileName is the fixed name of the persisted GraphState file within an
// entry point's build directory (spec.md §6).
const StateFileName = "state"

// Orchestrator wires the stages the decision tree in spec.md §4.6 needs.
type Orchestrator struct {
	Home     string // runtime home directory (spec.md §6)
	SelfPath string // this runtime binary's own canonical path
	Compiler string // native compiler used to detect the toolchain version
	Index    pkgindex.Index

	Collector *graph.Collector
	Emitter   *emit.Emitter
	Executor  *execute.Executor
}

// Result is what Configure produces: the graph state now on disk, and
// whether a reconfigure actually happened (spec.md §4.6 step 4).
type Result struct {
	State        *model.GraphState
	Reconfigured bool
	BuildDir     string
}

// Configure runs the full decision tree of spec.md §4.6 for entryPath.
func (o *Orchestrator) Configure(ctx context.Context, entryPath string) (*Result, error) {
	canon, err := fsutil.Canonical(entryPath)
	if err != nil {
		return nil, &rterr.NotFoundError{Path: entryPath}
	}
	buildDir := fsutil.BuildDir(o.Home, canon)
	statePath := filepath.Join(buildDir, StateFileName)

	currentEnv, err := o.envFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	persisted, ok, err := state.Read(statePath)
	if err != nil {
		return nil, xerrors.Errorf("configure: %w", err)
	}

	var reason state.Reason
	var only map[string]bool
	if !ok {
		reason = state.ReasonEnv
	} else {
		resolver := &resolve.Resolver{Index: o.Index}
		diff, err := state.CheckReconfigure(persisted, currentEnv, resolver)
		if err != nil {
			return nil, err
		}
		reason = diff.Reason
		only = diff.Paths
	}

	if reason == state.ReasonNone {
		return &Result{State: persisted, Reconfigured: false, BuildDir: buildDir}, nil
	}

	if reason == state.ReasonEnv && ok {
		if err := o.fullClean(persisted); err != nil {
			return nil, xerrors.Errorf("configure: %w", err)
		}
	}

	units, err := o.Collector.Collect(canon)
	if err != nil {
		return nil, err
	}
	newState := &model.GraphState{Env: currentEnv, Units: units}

	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return nil, xerrors.Errorf("configure: %w", err)
	}

	full := reason == state.ReasonEnv
	if err := o.Emitter.EmitGraph(newState, only, full); err != nil {
		return nil, err
	}

	if err := o.Executor.CleanDead(ctx, buildDir); err != nil {
		return nil, err
	}

	if err := state.Write(statePath, newState); err != nil {
		return nil, xerrors.Errorf("configure: %w", err)
	}

	return &Result{State: newState, Reconfigured: true, BuildDir: buildDir}, nil
}

// envFingerprint computes the current toolchain identity (spec.md §3):
// this runtime's own path, the native compiler's reported version, and the
// package index's version string (empty when none is available).
func (o *Orchestrator) envFingerprint(ctx context.Context) (model.EnvFingerprint, error) {
	version, err := config.DetectCompilerVersion(ctx, o.Compiler)
	if err != nil {
		return model.EnvFingerprint{}, err
	}
	idxVersion := ""
	if o.Index != nil && o.Index.Available() {
		idxVersion = o.Index.Version()
	}
	return model.EnvFingerprint{
		RuntimeSelfPath:     o.SelfPath,
		CompilerVersion:     version,
		PackageIndexVersion: idxVersion,
	}, nil
}

// fullClean removes every persisted unit's build directory (spec.md §4.6
// step 5: "delete every unit's build directory"). Missing directories are
// not an error: a prior partial clean or a manually-removed directory is
// exactly the state this step is meant to reach.
func (o *Orchestrator) fullClean(persisted *model.GraphState) error {
	for _, u := range persisted.Units {
		dir := fsutil.BuildDir(o.Home, u.Path())
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
