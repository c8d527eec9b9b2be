// Command mach is the thin adapter that wires the core packages into a
// runnable binary: "mach <source.fn>" builds a single entry point once and
// does not run the built executable; "mach -watch <source.fn>" keeps it
// rebuilding and re-running as sources change. This is
// deliberately not the CLI surface spec.md §1 excludes (no subcommand
// dispatch framework, no flag sprawl) -- it is the same minimal wiring shape
// cmd/distri/distri.go uses to turn the teacher's internal/* packages into a
// process, sized down to what this runtime's core actually needs exposed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	mach "github.com/andreypopp/mach"
	"github.com/andreypopp/mach/internal/config"
	"github.com/andreypopp/mach/internal/configure"
	"github.com/andreypopp/mach/internal/emit"
	"github.com/andreypopp/mach/internal/execute"
	"github.com/andreypopp/mach/internal/graph"
	"github.com/andreypopp/mach/internal/pkgindex"
	"github.com/andreypopp/mach/internal/resolve"
	"github.com/andreypopp/mach/internal/watch"
)

var (
	watchFlag  = flag.Bool("watch", false, "rebuild and re-run on source changes instead of exiting after one build")
	verbose    = flag.Bool("v", false, "pass -v through to the build driver")
	driver     = flag.String("driver", "ninja", "name of the ninja-class build driver executable")
	watcher    = flag.String("watcher", "fswatch", "name of the file-change watcher executable")
	fastComp   = flag.String("fast-compiler", "ocamlfind", "fast-path compiler used to build interface artifacts")
	nativeComp = flag.String("native-compiler", "ocamlfind", "native compiler used to build object artifacts and link")
)

func run() error {
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("syntax: mach [-watch] [-v] <source.fn>")
	}
	entryPath := flag.Arg(0)

	home, err := config.Home()
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}

	idx := newIndex()
	resolver := &resolve.Resolver{Index: idx}
	orch := &configure.Orchestrator{
		Home:      home,
		SelfPath:  self,
		Compiler:  *nativeComp,
		Index:     idx,
		Collector: &graph.Collector{Resolver: resolver},
		Emitter: &emit.Emitter{
			Home:           home,
			SelfPath:       self,
			FastCompiler:   *fastComp,
			NativeCompiler: *nativeComp,
		},
		Executor: &execute.Executor{
			DriverPath: *driver,
			Verbose:    *verbose,
			Log:        log.Default(),
		},
	}

	ctx, canc := mach.InterruptibleContext()
	defer canc()

	if *watchFlag {
		loop := &watch.Loop{
			WatcherPath:        *watcher,
			Extensions:         []string{"fn", "fnx", "fni", "fnxi"},
			Orchestrator:       orch,
			RunBuiltExecutable: true,
			Log:                log.Default(),
		}
		if err := loop.Run(ctx, entryPath); err != nil {
			return err
		}
		return mach.RunAtExit()
	}

	res, err := orch.Configure(ctx, entryPath)
	if err != nil {
		return err
	}
	if err := orch.Executor.Run(ctx, res.BuildDir, len(res.State.Units)); err != nil {
		return err
	}
	mach.RegisterAtExit(func() error {
		log.Printf("built %s", res.BuildDir)
		return nil
	})
	return mach.RunAtExit()
}

// newIndex returns the ambient package index collaborator (spec.md §6):
// probing a real index is an external concern, so this is a Stub until one
// is wired in.
func newIndex() pkgindex.Index {
	return &pkgindex.Stub{}
}

// runPkgIndex implements the "$selfpath pkgindex includes|archives <lib>..."
// subcommand the emitted ninja rules shell out to (emit.go's extincludeargs
// and ext_link_args rules), one line of output per path.
func runPkgIndex(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("syntax: mach pkgindex <includes|archives> <lib>...")
	}
	idx := newIndex()
	names := args[1:]
	var paths []string
	var err error
	switch args[0] {
	case "includes":
		paths, err = idx.IncludePaths(names)
	case "archives":
		paths, err = idx.LinkArchives(names)
	default:
		return fmt.Errorf("syntax: mach pkgindex <includes|archives> <lib>...")
	}
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "pkgindex" {
		if err := runPkgIndex(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "runtime: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "runtime: %v\n", err)
		os.Exit(1)
	}
}
