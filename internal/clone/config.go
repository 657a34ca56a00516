/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chainguard.dev/gitclone/internal/gitconfig"
)

// ConfigWriterOptions carries everything the Config Writer (spec.md §4.G)
// needs to materialize the initial remote block.
type ConfigWriterOptions struct {
	Origin       string
	URL          string
	Bare         bool
	Mirror       bool
	SingleBranch bool
	// BranchTop is the local namespace branches land under: normally
	// "refs/remotes/<origin>/" for a work-tree clone, or "refs/heads/"
	// for --mirror/--bare without remote-tracking namespacing.
	BranchTop string
	// RefPlan.Local supplies the literal single-branch mapping when
	// SingleBranch is true.
	SingleBranchRef Ref
	// PreConfig holds --config key=value pairs applied before the remote
	// block, in the order given (spec.md SPEC_FULL §3).
	PreConfig []KeyValue
}

// KeyValue is one "--config key=value" pair.
type KeyValue struct {
	Key   string
	Value string
}

// WriteConfig implements spec.md §4.G: writes remote.<origin>.url,
// remote.<origin>.fetch, optionally remote.<origin>.mirror=true, and
// core.bare=true for bare clones, using the refspec construction rules in
// §4.G.
func WriteConfig(gitDir string, opts ConfigWriterOptions) error {
	store, err := gitconfig.Open(filepath.Join(gitDir, "config"))
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	cfg, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, kv := range opts.PreConfig {
		store.Set(kv.Key, kv.Value)
	}

	if opts.Bare {
		store.Set("core.bare", "true")
	}

	fetch, err := buildFetchRefspec(opts)
	if err != nil {
		return err
	}

	store.Set(fmt.Sprintf("remote.%s.url", opts.Origin), opts.URL)
	store.Set(fmt.Sprintf("remote.%s.fetch", opts.Origin), fetch)
	if opts.Mirror {
		store.Set(fmt.Sprintf("remote.%s.mirror", opts.Origin), "true")
	}

	if err := store.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	data, err := gitconfig.Format(cfg)
	if err != nil {
		return fmt.Errorf("formatting config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "config"), data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// buildFetchRefspec implements the two branches of spec.md §4.G: a
// wildcard pattern in the general case, or a single literal mapping in
// single-branch mode (one shape for a branch, another for a tag).
func buildFetchRefspec(opts ConfigWriterOptions) (string, error) {
	if !opts.SingleBranch {
		branchTop := opts.BranchTop
		if branchTop == "" {
			branchTop = fmt.Sprintf("refs/remotes/%s/", opts.Origin)
		}
		return fmt.Sprintf("+refs/heads/*:%s*", branchTop), nil
	}

	ref := opts.SingleBranchRef
	if ref.Name == "" {
		return "", fmt.Errorf("%w: single-branch config write requires a resolved ref", ErrValidation)
	}

	switch {
	case strings.HasPrefix(ref.Name, "refs/heads/"):
		b := ref.Name[len("refs/heads/"):]
		branchTop := opts.BranchTop
		if branchTop == "" {
			branchTop = fmt.Sprintf("refs/remotes/%s/", opts.Origin)
		}
		return fmt.Sprintf("+refs/heads/%s:%s%s", b, branchTop, b), nil
	case strings.HasPrefix(ref.Name, "refs/tags/"):
		t := ref.Name[len("refs/tags/"):]
		return fmt.Sprintf("+refs/tags/%s:refs/tags/%s", t, t), nil
	default:
		return "", fmt.Errorf("%w: unsupported single-branch ref namespace %q", ErrValidation, ref.Name)
	}
}

// RecoverRemoteConfig implements the read side of the round-trip property
// in spec.md §8: recover origin, fetch pattern, and mirror/bare flags
// exactly as written.
func RecoverRemoteConfig(gitDir, origin string) (RemoteConfig, error) {
	store, err := gitconfig.Open(filepath.Join(gitDir, "config"))
	if err != nil {
		return RemoteConfig{}, err
	}
	cfg, err := store.Load()
	if err != nil {
		return RemoteConfig{}, err
	}
	remotes, bare, worktree := gitconfig.IterateRemotes(cfg)
	for _, r := range remotes {
		if r.Name == origin {
			return RemoteConfig{
				Name:         r.Name,
				URL:          r.URL,
				FetchPattern: r.FetchPattern,
				Mirror:       r.Mirror,
				Bare:         bare,
				WorkTree:     worktree,
			}, nil
		}
	}
	return RemoteConfig{}, fmt.Errorf("%w: no remote named %q in %s", ErrValidation, origin, gitDir)
}
