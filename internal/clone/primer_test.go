/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPrimerSessionUnknownFiletypeAbandonsWithoutDownloading(t *testing.T) {
	gitDir := t.TempDir()
	jt := NewJunkTracker(nil)
	jt.Register(gitDir, "")

	session := NewPrimerSession(gitDir, "origin", jt, nil, false)

	called := false
	err := session.Fetch(context.Background(), AltResource{URL: "https://example.com/x.bundle", Filetype: "bundle"}, func(ctx context.Context, dir string) (string, error) {
		called = true
		return "", nil
	})
	if err != nil {
		t.Fatalf("Fetch with an unsupported filetype should not return an error, got: %v", err)
	}
	if called {
		t.Errorf("download should never be invoked for an unsupported primer filetype")
	}
	if session.State() != PrimerAbandoned {
		t.Errorf("State() = %v, want PrimerAbandoned", session.State())
	}
	if jt.Mode() != JunkNone {
		t.Errorf("JunkMode = %v, want JunkNone (no adoption was ever entered)", jt.Mode())
	}
}

func TestPrimerSessionFetchEntersResumableMode(t *testing.T) {
	gitDir := t.TempDir()
	jt := NewJunkTracker(nil)
	jt.Register(gitDir, "")

	session := NewPrimerSession(gitDir, "origin", jt, nil, false)

	err := session.Fetch(context.Background(), AltResource{URL: "https://example.com/p.pack", Filetype: "pack"}, func(ctx context.Context, dir string) (string, error) {
		path := filepath.Join(dir, "primer.pack")
		if err := os.WriteFile(path, []byte("not a real pack"), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if session.State() != PrimerFetching {
		t.Errorf("State() = %v, want PrimerFetching", session.State())
	}
	if jt.Mode() != JunkLeaveResumable {
		t.Errorf("JunkMode = %v, want JunkLeaveResumable", jt.Mode())
	}
}

func TestPrimerSessionIndexAbandonsOnBadSignatureAndCleansUp(t *testing.T) {
	gitDir := t.TempDir()
	jt := NewJunkTracker(nil)
	jt.Register(gitDir, "")

	session := NewPrimerSession(gitDir, "origin", jt, nil, false)
	var packPath string
	err := session.Fetch(context.Background(), AltResource{URL: "https://example.com/p.pack", Filetype: "pack"}, func(ctx context.Context, dir string) (string, error) {
		packPath = filepath.Join(dir, "primer.pack")
		return packPath, os.WriteFile(packPath, []byte("definitely not a packfile"), 0o644)
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if err := session.Index(context.Background()); err == nil {
		t.Fatalf("expected Index to fail and abandon on a malformed pack signature")
	}
	if session.State() != PrimerAbandoned {
		t.Errorf("State() = %v, want PrimerAbandoned", session.State())
	}
	if _, err := os.Stat(packPath); !os.IsNotExist(err) {
		t.Errorf("expected the freshly downloaded pack to be removed on abandonment, stat err = %v", err)
	}
	if jt.Mode() != JunkNone {
		t.Errorf("JunkMode = %v, want JunkNone after abandonment", jt.Mode())
	}
}

func TestPrimerSessionIndexWrongStateFails(t *testing.T) {
	gitDir := t.TempDir()
	jt := NewJunkTracker(nil)
	jt.Register(gitDir, "")
	session := NewPrimerSession(gitDir, "origin", jt, nil, false)

	if err := session.Index(context.Background()); err == nil {
		t.Fatalf("expected Index called from Idle to fail")
	}
}

func TestPrimerErrorFatalTracksResumeMode(t *testing.T) {
	gitDir := t.TempDir()
	jt := NewJunkTracker(nil)
	jt.Register(gitDir, "")

	fresh := NewPrimerSession(gitDir, "origin", jt, nil, false)
	err := fresh.Fetch(context.Background(), AltResource{URL: "https://example.com/p.pack", Filetype: "pack"}, func(ctx context.Context, dir string) (string, error) {
		return "", errors.New("download failed")
	})
	var pe *PrimerError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a *PrimerError, got %T: %v", err, err)
	}
	if pe.Fatal() {
		t.Errorf("expected a primer failure outside --resume to be non-fatal")
	}

	resuming := NewPrimerSession(gitDir, "origin", jt, nil, true)
	err = resuming.Fetch(context.Background(), AltResource{URL: "https://example.com/p.pack", Filetype: "pack"}, func(ctx context.Context, dir string) (string, error) {
		return "", errors.New("download failed")
	})
	if !errors.As(err, &pe) {
		t.Fatalf("expected a *PrimerError, got %T: %v", err, err)
	}
	if !pe.Fatal() {
		t.Errorf("expected a primer failure during --resume to be fatal")
	}
}
