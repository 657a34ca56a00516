/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestGuessDirName(t *testing.T) {
	cases := []struct {
		source string
		bare   bool
		bundle bool
		want   string
	}{
		{"https://example.com/foo.git", false, false, "foo"},
		{"https://example.com/foo", false, false, "foo"},
		{"https://user@host:2222/x.git", false, false, "x"},
		{"git@github.com:org/repo.git", false, false, "repo"},
		{"/path/to/repo.git", false, false, "repo"},
		{"/path/to/repo/.git", false, false, "repo"},
		{"https://example.com/foo.git", true, false, "foo.git"},
		{"/path/to/bundle.bundle", false, true, "bundle"},
	}
	for _, c := range cases {
		got, err := GuessDirName(c.source, c.bare, c.bundle)
		if err != nil {
			t.Fatalf("GuessDirName(%q): %v", c.source, err)
		}
		if got != c.want {
			t.Errorf("GuessDirName(%q) = %q, want %q", c.source, got, c.want)
		}
	}
}

// TestGuessDirNameIdempotent checks spec.md §8 invariant 7: feeding the
// guessed name back in as the source guesses the same name again.
func TestGuessDirNameIdempotent(t *testing.T) {
	sources := []string{
		"https://example.com/foo.git",
		"git@github.com:org/repo.git",
		"https://user@host:2222/x.git",
	}
	for _, s := range sources {
		first, err := GuessDirName(s, false, false)
		if err != nil {
			t.Fatalf("GuessDirName(%q): %v", s, err)
		}
		second, err := GuessDirName(first, false, false)
		if err != nil {
			t.Fatalf("GuessDirName(%q) (round 2): %v", first, err)
		}
		if first != second {
			t.Errorf("GuessDirName not idempotent: %q -> %q -> %q", s, first, second)
		}
	}
}

func TestGuessDirNameEmptyIsError(t *testing.T) {
	if _, err := GuessDirName("/.git", false, false); err == nil {
		t.Fatalf("expected an error guessing a directory name from a source with nothing left after stripping \"/.git\"")
	}
}

func TestResolveSourceLocalRepo(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := ResolveSource(dir)
	if err != nil {
		t.Fatalf("ResolveSource: %v", err)
	}
	if !src.IsLocal() || src.IsBundle {
		t.Fatalf("expected a non-bundle local source, got %+v", src)
	}
}

func TestResolveSourceRemoteURL(t *testing.T) {
	src, err := ResolveSource("https://example.com/foo.git")
	if err != nil {
		t.Fatalf("ResolveSource: %v", err)
	}
	if src.IsLocal() {
		t.Fatalf("expected a remote source, got local path %q", src.LocalPath)
	}
}

func TestResolveSourceMissingNonRemoteIsFatal(t *testing.T) {
	if _, err := ResolveSource(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatalf("expected ResolveSource to fail for a nonexistent path with no ':' separator")
	}
}

func TestPlanRejectsNonEmptyDestination(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "existing"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	jt := NewJunkTracker(nil)
	_, err := Plan(context.Background(), jt, SourceSpec{Raw: "https://example.com/foo.git"}, dest, PlannerOptions{})
	if err == nil {
		t.Fatalf("expected Plan to reject a non-empty destination")
	}
}

func TestPlanRegistersJunkBeforeFurtherSideEffects(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "repo")

	jt := NewJunkTracker(nil)
	layout, err := Plan(context.Background(), jt, SourceSpec{Raw: "https://example.com/foo.git"}, dest, PlannerOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if layout.GitDir != filepath.Join(dest, ".git") {
		t.Errorf("GitDir = %q, want %q", layout.GitDir, filepath.Join(dest, ".git"))
	}
	if layout.WorkTree != dest {
		t.Errorf("WorkTree = %q, want %q", layout.WorkTree, dest)
	}
	if jt.Mode() != JunkNone {
		t.Errorf("JunkMode = %v, want JunkNone", jt.Mode())
	}

	// Registration happened: a Cleanup now would remove what Plan created.
	jt.Cleanup(context.Background())
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected Cleanup to remove the planned destination, stat err = %v", err)
	}
}

func TestPlanBareLayout(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "repo.git")

	jt := NewJunkTracker(nil)
	layout, err := Plan(context.Background(), jt, SourceSpec{Raw: "https://example.com/repo.git"}, dest, PlannerOptions{Bare: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !layout.Bare || layout.WorkTree != "" {
		t.Errorf("expected a bare layout with no work tree, got %+v", layout)
	}
	if layout.GitDir != dest {
		t.Errorf("GitDir = %q, want %q", layout.GitDir, dest)
	}
}

func TestPlanSeparateGitDirAndBareConflict(t *testing.T) {
	jt := NewJunkTracker(nil)
	_, err := Plan(context.Background(), jt, SourceSpec{Raw: "https://example.com/repo.git"}, t.TempDir(), PlannerOptions{Bare: true, SeparateGitDir: "/tmp/whatever"})
	if err == nil {
		t.Fatalf("expected --bare and --separate-git-dir to be rejected together")
	}
}
