/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetAndIterateRemotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store.Set("core.bare", "true")
	store.Set("remote.origin.url", "https://example.com/foo.git")
	store.Set("remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*")

	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	remotes, bare, _ := IterateRemotes(cfg)
	if !bare {
		t.Errorf("expected core.bare to read back true")
	}
	if len(remotes) != 1 {
		t.Fatalf("expected exactly one remote, got %d: %+v", len(remotes), remotes)
	}
	if remotes[0].Name != "origin" || remotes[0].URL != "https://example.com/foo.git" {
		t.Errorf("unexpected remote: %+v", remotes[0])
	}
	if remotes[0].FetchPattern != "+refs/heads/*:refs/remotes/origin/*" {
		t.Errorf("unexpected fetch pattern: %q", remotes[0].FetchPattern)
	}
}

func TestSetMultivarSkipsExistingMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store.SetMultivar("remote.origin.push", "refs/heads/main", "")
	store.SetMultivar("remote.origin.push", "refs/heads/main", "refs/heads/main")
	store.SetMultivar("remote.origin.push", "refs/heads/dev", "")

	values := cfg.Raw.Section("remote").Subsection("origin").Options.GetAll("push")
	if len(values) != 2 {
		t.Fatalf("expected exactly two distinct push values, got %v", values)
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Open of a missing config file should succeed: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	remotes, bare, worktree := IterateRemotes(cfg)
	if len(remotes) != 0 || bare || worktree != "" {
		t.Errorf("expected an empty config, got remotes=%v bare=%v worktree=%q", remotes, bare, worktree)
	}
}

func TestFormatRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store.Set("core.bare", "true")

	data, err := Format(cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	cfg2, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load (second): %v", err)
	}
	_, bare, _ := IterateRemotes(cfg2)
	if !bare {
		t.Errorf("expected core.bare = true to round-trip through Format/Open")
	}
}
