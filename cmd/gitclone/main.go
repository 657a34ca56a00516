/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"chainguard.dev/gitclone/internal/clone"
)

// envConfig is the ambient-config surface SPEC_FULL.md's Configuration
// section carries independently of CLI flags: a default log level, which
// -q/-v override per invocation, and the index-pack binary path, which no
// flag overrides.
type envConfig struct {
	LogLevel      string `env:"GITCLONE_LOG_LEVEL,default=info"`
	IndexPackPath string `env:"GITCLONE_INDEX_PACK_PATH,default=index-pack"`
}

func main() {
	ctx := context.Background()

	var cfg envConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing environment config: %v", err)
	}

	root := newRootCommand(cfg)
	ctx, caught, stop := installSignalHandling(ctx)
	root.SetContext(ctx)

	err := root.Execute()
	stop()

	if sig, ok := caught(); ok {
		// A terminating signal interrupted the clone. The Orchestrator's
		// JunkTracker has already run its cleanup policy by the time
		// Execute returned (every context-aware call it makes surfaces
		// ctx.Err() on the way back up); re-raise the signal with its
		// default disposition now so the process's exit status reflects
		// the signal that actually killed it.
		signal.Reset(sig)
		_ = syscall.Kill(os.Getpid(), sig)
		select {} // the re-raised signal's default action terminates us.
	}

	if err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		os.Exit(exitCodeFor(err))
	}
}

// cliOptions collects every flag into the plain struct cobra binds
// against, separately from clone.Options so the translation from
// "what the user typed" to "what the Orchestrator needs" stays in one
// place (buildCloneOptions).
type cliOptions struct {
	bare            bool
	mirror          bool
	local           bool
	noLocal         bool
	noHardlinks     bool
	shared          bool
	dissociate      bool
	origin          string
	branch          string
	uploadPack      string
	primeClone      string
	depth           int
	singleBranch    bool
	noSingleBranch  bool
	resume          bool
	separateGitDir  string
	config          []string
	reference       []string
	noCheckout      bool
	ipv4            bool
	ipv6            bool
	progress        bool
	quiet           bool
	verbose         bool
	template        string
	recursive       bool
	recurseSubmods  bool
}

func newRootCommand(cfg envConfig) *cobra.Command {
	var o cliOptions

	c := &cobra.Command{
		Use:   "gitclone <repo> [<dir>]",
		Short: "Clone a repository into a new directory",
		Long: "gitclone creates a local copy of a remote or local repository, mirroring\n" +
			"the object graph, refs, and (unless --bare) a checked-out working tree.",
		Args: cobra.RangeArgs(1, 2),
		// PersistentPreRunE runs after flags are parsed, so -q/-v can
		// override GITCLONE_LOG_LEVEL (CLI takes precedence over the
		// environment default) before any command logs anything.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: resolveLogLevel(cfg.LogLevel, o.quiet, o.verbose),
			}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := buildCloneOptions(o, args)
			if err != nil {
				return err
			}
			collab := clone.Collaborators{
				Checkout:  checkoutWorktree,
				IndexPack: clone.NewIndexPackRunner(cfg.IndexPackPath),
			}
			if opts.Recursive {
				collab.SubmoduleUpdate = submoduleUpdate
			}
			_, err = clone.Run(cmd.Context(), opts, collab)
			return err
		},
	}

	f := c.Flags()
	f.BoolVar(&o.bare, "bare", false, "make a bare git repository with no working tree")
	f.BoolVar(&o.mirror, "mirror", false, "set up a mirror of the source repository (implies --bare)")
	f.BoolVar(&o.local, "local", true, "take the local-clone fast path when the source is on the local filesystem")
	f.BoolVar(&o.noLocal, "no-local", false, "never take the local-clone fast path, even for a local source")
	f.BoolVar(&o.noHardlinks, "no-hardlinks", false, "copy rather than hardlink objects in the local-clone fast path")
	f.BoolVar(&o.shared, "shared", false, "point at the source's objects via alternates instead of copying them")
	f.BoolVar(&o.dissociate, "dissociate", false, "remove the alternates link to the reference repositories after borrowing from them")
	f.StringVar(&o.origin, "origin", "origin", "name to give the cloned remote")
	f.StringVarP(&o.branch, "branch", "b", "", "checkout this branch or tag instead of the remote's HEAD")
	f.StringVar(&o.uploadPack, "upload-pack", "", "path to the upload-pack program on the remote side")
	f.StringVar(&o.primeClone, "prime-clone", "", "path to the prime-clone program on the remote side")
	f.IntVar(&o.depth, "depth", 0, "create a shallow clone with a history truncated to this many commits")
	f.BoolVar(&o.singleBranch, "single-branch", false, "clone only the history leading to the tip of a single branch")
	f.BoolVar(&o.noSingleBranch, "no-single-branch", false, "clone the history of every branch, overriding the --depth default")
	f.BoolVar(&o.resume, "resume", false, "resume a previously interrupted clone left at the destination")
	f.StringVar(&o.separateGitDir, "separate-git-dir", "", "place the cloned repository's metadata in this directory instead")
	f.StringArrayVarP(&o.config, "config", "c", nil, "set a config key=value pair in the new repository")
	f.StringArrayVar(&o.reference, "reference", nil, "use objects from this repository as an alternate, without fetching them")
	f.BoolVarP(&o.noCheckout, "no-checkout", "n", false, "don't checkout a working tree after the clone completes")
	f.BoolVarP(&o.ipv4, "ipv4", "4", false, "use IPv4 addresses only")
	f.BoolVarP(&o.ipv6, "ipv6", "6", false, "use IPv6 addresses only")
	f.BoolVar(&o.progress, "progress", false, "report progress even when standard error isn't a terminal")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "suppress non-error output")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "run verbosely")
	f.StringVar(&o.template, "template", "", "directory to copy templates from")
	f.BoolVar(&o.recursive, "recursive", false, "clone submodules after the main clone completes")
	f.BoolVar(&o.recurseSubmods, "recurse-submodules", false, "alias for --recursive")

	return c
}

// resolveLogLevel applies spec.md's CLI-over-environment precedence rule:
// -v/-q override GITCLONE_LOG_LEVEL outright, and an unparseable env value
// falls back to info rather than failing the clone.
func resolveLogLevel(envLevel string, quiet, verbose bool) slog.Level {
	switch {
	case verbose:
		return slog.LevelDebug
	case quiet:
		return slog.LevelError
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(envLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func buildCloneOptions(o cliOptions, args []string) (clone.Options, error) {
	opts := clone.Options{
		Source:         args[0],
		Bare:           o.bare,
		Mirror:         o.mirror,
		Local:          o.local && !o.noLocal,
		NoHardlinks:    o.noHardlinks,
		Shared:         o.shared,
		Dissociate:     o.dissociate,
		Origin:         o.origin,
		Branch:         o.branch,
		UploadPack:     o.uploadPack,
		PrimeClone:     o.primeClone,
		Depth:          o.depth,
		Resume:         o.resume,
		SeparateGitDir: o.separateGitDir,
		References:     o.reference,
		NoCheckout:     o.noCheckout,
		Progress:       o.progress,
		Template:       o.template,
		Recursive:      o.recursive || o.recurseSubmods,
	}
	if len(args) == 2 {
		opts.Dest = args[1]
	}
	if o.singleBranch || o.noSingleBranch {
		opts.SingleBranchSet = true
		opts.SingleBranch = o.singleBranch && !o.noSingleBranch
	}
	switch {
	case o.ipv4:
		opts.IPFamily = "4"
	case o.ipv6:
		opts.IPFamily = "6"
	}

	kvs := make([]clone.KeyValue, 0, len(o.config))
	for _, raw := range o.config {
		k, v, ok := strings.Cut(raw, "=")
		if !ok {
			return clone.Options{}, fmt.Errorf("--config value %q is not in key=value form", raw)
		}
		kvs = append(kvs, clone.KeyValue{Key: k, Value: v})
	}
	opts.Config = kvs

	return opts, nil
}

// checkoutWorktree is the Checkout collaborator: it materializes the
// working tree at head using go-git's own high-level Worktree API,
// the same layer the teacher's clone manager drives for the same
// purpose.
func checkoutWorktree(ctx context.Context, layout clone.DestinationLayout, head plumbing.ReferenceName) error {
	if layout.WorkTree == "" {
		return nil
	}
	repo, err := gogit.PlainOpen(layout.WorkTree)
	if err != nil {
		return fmt.Errorf("opening repository for checkout: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("resolving worktree: %w", err)
	}
	if head != "" {
		return wt.Checkout(&gogit.CheckoutOptions{Branch: head})
	}
	// A tag or other detached target: HEAD is already pointed at the
	// right commit in the ref store, so check that out directly.
	cur, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving detached HEAD: %w", err)
	}
	return wt.Checkout(&gogit.CheckoutOptions{Hash: cur.Hash()})
}

// submoduleUpdate is the SubmoduleUpdate collaborator: per spec.md's
// Non-goals ("no submodule recursion beyond dispatching the nested
// command"), it does not implement submodule logic itself. It opens the
// freshly checked-out worktree's .gitmodules, and for each [submodule]
// section dispatches a nested "gitclone" invocation of this same binary
// into the submodule's path — the "dispatching the nested command" the
// spec calls out, nothing more.
func submoduleUpdate(ctx context.Context, layout clone.DestinationLayout) error {
	if layout.WorkTree == "" {
		return nil
	}
	modulesPath := layout.WorkTree + string(os.PathSeparator) + ".gitmodules"
	data, err := os.ReadFile(modulesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading .gitmodules: %w", err)
	}

	for _, sub := range parseSubmodules(string(data)) {
		dest := layout.WorkTree + string(os.PathSeparator) + sub.path
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving gitclone's own executable path: %w", err)
		}
		cmd := exec.CommandContext(ctx, self, sub.url, dest, "--recursive")
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		if err := cmd.Run(); err != nil {
			clog.FromContext(ctx).Warnf("submodule %s update failed: %v", sub.path, err)
		}
	}
	return nil
}

type submoduleEntry struct {
	path string
	url  string
}

// parseSubmodules extracts "path" and "url" keys from a .gitmodules INI
// file's [submodule "<name>"] sections. It is a minimal line scanner, not
// a full INI parser: the Config-store interface this core depends on
// (spec.md §6) is for the repository's own "config" file, not
// .gitmodules, so this helper stays local to the CLI layer.
func parseSubmodules(data string) []submoduleEntry {
	var out []submoduleEntry
	var cur *submoduleEntry
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[submodule "):
			if cur != nil && cur.path != "" && cur.url != "" {
				out = append(out, *cur)
			}
			cur = &submoduleEntry{}
		case cur != nil && strings.HasPrefix(line, "path"):
			if _, v, ok := strings.Cut(line, "="); ok {
				cur.path = strings.TrimSpace(v)
			}
		case cur != nil && strings.HasPrefix(line, "url"):
			if _, v, ok := strings.Cut(line, "="); ok {
				cur.url = strings.TrimSpace(v)
			}
		}
	}
	if cur != nil && cur.path != "" && cur.url != "" {
		out = append(out, *cur)
	}
	return out
}

// installSignalHandling implements the custom discipline this command
// needs beyond signal.NotifyContext: the first terminating signal
// cancels ctx, so every context-aware call the Orchestrator is blocked
// on returns and its JunkTracker runs the cleanup policy on the way
// back up through normal error handling; main then resets the signal's
// disposition and re-raises it once Execute has returned, so the
// process's exit status reflects the signal that killed it rather than
// the generic code a plain os.Exit would report. A second signal while
// cleanup is still in flight is ignored rather than re-entering.
func installSignalHandling(parent context.Context) (ctx context.Context, caught func() (syscall.Signal, bool), stop func()) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var (
		mu  sync.Mutex
		sig syscall.Signal
		got bool
	)
	var once sync.Once
	go func() {
		s, ok := <-ch
		if !ok {
			return
		}
		once.Do(func() {
			if ss, ok := s.(syscall.Signal); ok {
				mu.Lock()
				sig, got = ss, true
				mu.Unlock()
			}
			cancel()
		})
	}()

	caught = func() (syscall.Signal, bool) {
		mu.Lock()
		defer mu.Unlock()
		return sig, got
	}
	stop = func() {
		signal.Stop(ch)
		close(ch)
	}
	return ctx, caught, stop
}

// exitCodeFor maps the clone package's error taxonomy to a process exit
// code: checkout failures (repository left usable) get a distinct code
// from every other fatal condition.
func exitCodeFor(err error) int {
	var ce *clone.CheckoutError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}
