// Package watch implements the Watch Loop (spec.md §4.8): it streams
// file-change events from an ambient watcher process, triggers
// Configure+Execute when a relevant file changes, restarts the watcher when
// the watched set itself changes, and optionally keeps a single instance of
// the freshly-built executable running (run-with-watch mode).
//
// Draining the watcher's stdout concurrently with a rebuild in progress
// follows the same errgroup.Group-around-a-sub-process'-output shape
// internal/execute uses for the driver, and ultimately traces to
// internal/build/build.go's pattern in the teacher repo.
package watch

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/andreypopp/mach/internal/configure"
	"github.com/andreypopp/mach/internal/lang"
	"github.com/andreypopp/mach/internal/model"
	"github.com/andreypopp/mach/internal/oninterrupt"
	"github.com/andreypopp/mach/internal/rterr"
)

// Loop runs the watch algorithm of spec.md §4.8 for one entry point.
type Loop struct {
	WatcherPath  string   // the ambient file-change watcher executable
	Extensions   []string // source extensions to watch, with or without a leading dot
	Orchestrator *configure.Orchestrator

	// RunBuiltExecutable, when true, spawns the freshly built entry point's
	// a.out as a child after every successful build, replacing any
	// previous child (run-with-watch mode, spec.md §4.8).
	RunBuiltExecutable bool

	Log *log.Logger

	mu    sync.Mutex
	child *exec.Cmd
}

func (l *Loop) logger() *log.Logger {
	if l.Log != nil {
		return l.Log
	}
	return log.Default()
}

// Run drives the watch loop until an unrecoverable error or a clean
// interrupt-triggered shutdown (the latter exits the process from within
// internal/oninterrupt's registered callback and never returns here).
func (l *Loop) Run(ctx context.Context, entryPath string) error {
	if _, err := exec.LookPath(l.WatcherPath); err != nil {
		return &rterr.WatcherMissingError{Name: l.WatcherPath}
	}

	if _, err := l.buildAndRun(ctx, entryPath); err != nil {
		l.logger().Printf("initial build failed: %v", err)
	}

	for {
		restart, err := l.generation(ctx, entryPath)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// generation spawns one watcher process, derived from the currently
// persisted state, and services it until either the watched set changes
// (returns restart=true) or an unrecoverable error occurs.
func (l *Loop) generation(ctx context.Context, entryPath string) (restart bool, err error) {
	res, err := l.Orchestrator.Configure(ctx, entryPath)
	if err != nil {
		return false, err
	}

	dirs := watchedDirs(res.State)
	relevant := relevantFiles(res.State)

	watchlist, cleanup, err := writeWatchlist(dirs)
	if err != nil {
		return false, err
	}
	defer cleanup()

	exts := make([]string, 0, len(l.Extensions))
	for _, e := range l.Extensions {
		exts = append(exts, strings.TrimPrefix(e, "."))
	}
	args := []string{
		"--only-emit-events",
		"--emit-events-to=stdio",
		"--stdin-quit",
		"-e", strings.Join(exts, ","),
		"@" + watchlist,
	}

	cmd := exec.Command(l.WatcherPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, xerrors.Errorf("watch: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, xerrors.Errorf("watch: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, xerrors.Errorf("watch: starting %s: %w", l.WatcherPath, err)
	}

	shutdown := func() {
		stdin.Close()
		cmd.Wait()
		cleanup()
		l.killChild()
	}
	oninterrupt.Register(shutdown)

	lines := make(chan string)
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			lines <- sc.Text()
		}
		return sc.Err()
	})

	restart, err = l.serviceEvents(ctx, entryPath, lines, relevant)

	stdin.Close()
	waitErr := cmd.Wait()
	if egErr := eg.Wait(); egErr != nil && err == nil {
		err = egErr
	}
	if err == nil && waitErr != nil {
		// The watcher exiting on its own (stdin closed or killed) is the
		// normal shutdown path, not a failure worth surfacing.
		_ = waitErr
	}
	return restart, err
}

// serviceEvents batches lines into blank-line-delimited groups, dedupes
// them, and triggers a rebuild whenever a batch intersects relevant. It
// returns restart=true once a rebuild reports the watched set may have
// changed.
func (l *Loop) serviceEvents(ctx context.Context, entryPath string, lines <-chan string, relevant map[string]bool) (bool, error) {
	batch := make(map[string]bool)
	for line := range lines {
		if line == "" {
			if len(batch) == 0 {
				continue
			}
			touched := intersects(batch, relevant)
			batch = make(map[string]bool)
			if !touched {
				continue
			}
			res, err := l.buildAndRun(ctx, entryPath)
			if err != nil {
				l.logger().Printf("rebuild failed: %v", err)
				continue
			}
			if res.Reconfigured {
				return true, nil
			}
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		path := line[idx+1:]
		batch[path] = true
	}
	return false, nil
}

// buildAndRun runs Configure+Execute and, in run-with-watch mode, replaces
// the currently running child with a freshly spawned one.
func (l *Loop) buildAndRun(ctx context.Context, entryPath string) (*configure.Result, error) {
	res, err := l.Orchestrator.Configure(ctx, entryPath)
	if err != nil {
		return nil, err
	}
	unitCount := 0
	if res.State != nil {
		unitCount = len(res.State.Units)
	}
	if err := l.Orchestrator.Executor.Run(ctx, res.BuildDir, unitCount); err != nil {
		return res, err
	}
	if l.RunBuiltExecutable {
		l.replaceChild(filepath.Join(res.BuildDir, "a.out"))
	}
	return res, nil
}

// replaceChild terminates any previously running child (polite signal, then
// reaping it) before launching path as the new one. Only one child is ever
// alive at a time (spec.md §4.8).
func (l *Loop) replaceChild(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.child != nil {
		l.child.Process.Signal(syscall.SIGTERM)
		l.child.Wait()
		l.child = nil
	}

	cmd := exec.Command(path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		l.logger().Printf("starting %s: %v", path, err)
		return
	}
	l.child = cmd
}

func (l *Loop) killChild() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.child == nil {
		return
	}
	l.child.Process.Signal(syscall.SIGTERM)
	l.child.Wait()
	l.child = nil
}

func intersects(batch, relevant map[string]bool) bool {
	for p := range batch {
		if relevant[p] {
			return true
		}
	}
	return false
}

// watchedDirs derives the set to watch (spec.md §4.8 step 3): every module
// unit's source directory, plus every library directory.
func watchedDirs(st *model.GraphState) map[string]bool {
	dirs := make(map[string]bool)
	for _, u := range st.Units {
		switch v := u.(type) {
		case *model.ModuleUnit:
			dirs[filepath.Dir(v.PathSrc)] = true
		case *model.LibraryUnit:
			dirs[v.PathDir] = true
		}
	}
	return dirs
}

// relevantFiles is the set of persisted source/interface/manifest files a
// watcher event must name (after stripping the event kind) to count as
// significant (spec.md §4.8 step 5).
func relevantFiles(st *model.GraphState) map[string]bool {
	files := make(map[string]bool)
	for _, u := range st.Units {
		switch v := u.(type) {
		case *model.ModuleUnit:
			files[v.PathSrc] = true
			if v.HasIntf {
				files[v.PathIntf] = true
			}
		case *model.LibraryUnit:
			files[filepath.Join(v.PathDir, lang.ManifestName)] = true
			for _, m := range v.Members {
				files[m.FileSrc] = true
				if m.FileIntf != "" {
					files[m.FileIntf] = true
				}
			}
		}
	}
	return files
}

// writeWatchlist writes the watcher's accepted watchlist format (spec.md
// §6: one "-W <dir>" pair per line) to a temp file, returning its path and
// a cleanup function that removes it.
func writeWatchlist(dirs map[string]bool) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "mach-watchlist-")
	if err != nil {
		return "", nil, xerrors.Errorf("watch: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for d := range dirs {
		if _, err := io.WriteString(w, "-W "+d+"\n"); err != nil {
			os.Remove(f.Name())
			return "", nil, xerrors.Errorf("watch: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		os.Remove(f.Name())
		return "", nil, xerrors.Errorf("watch: %w", err)
	}

	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}
