/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// LocalCloneOptions carries the flags the Local-Clone Path needs from
// spec.md §4.E.
type LocalCloneOptions struct {
	Shared       bool
	NoHardlinks  bool
	AllowLocal   bool
}

// ShallowMarkerFile is the presence-check the Local-Clone Path uses to
// reject cloning from a shallow repository, per spec.md §4.E.
const ShallowMarkerFile = "shallow"

// Eligible reports whether the Local-Clone Path applies: the source is
// local, --local hasn't been negated, and the source is not shallow.
func Eligible(source SourceSpec, opts LocalCloneOptions) (bool, error) {
	if !source.IsLocal() || source.IsBundle || !opts.AllowLocal {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(source.LocalPath, ShallowMarkerFile)); err == nil {
		return false, nil
	}
	return true, nil
}

// LocalClone implements spec.md §4.E: either a single "alternates" entry
// (--shared) or a full hardlink-or-copy mirror of the source's object
// directory, walked through a go-billy filesystem exactly as go-git
// itself abstracts a git-dir's filesystem.
func LocalClone(srcGitDir, dstGitDir string, opts LocalCloneOptions) error {
	srcObjects := filepath.Join(srcGitDir, "objects")
	dstObjects := filepath.Join(dstGitDir, "objects")
	if err := os.MkdirAll(dstObjects, 0o755); err != nil {
		return fmt.Errorf("creating destination objects dir: %w", err)
	}

	if opts.Shared {
		return appendAlternate(dstObjects, srcObjects)
	}

	srcFS := osfs.New(srcObjects)
	dstFS := osfs.New(dstObjects)
	return mirrorObjectDir(srcFS, dstFS, srcObjects, dstObjects, ".", opts)
}

// mirrorObjectDir recurses into subdirectories except those beginning
// with ".", hardlinking or copying every regular file, and specially
// rewriting info/alternates rather than copying it verbatim.
func mirrorObjectDir(srcFS, dstFS billy.Filesystem, srcRoot, dstRoot, rel string, opts LocalCloneOptions) error {
	entries, err := srcFS.ReadDir(rel)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Join(srcRoot, rel), err)
	}

	for _, entry := range entries {
		childRel := filepath.Join(rel, entry.Name())
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := os.MkdirAll(filepath.Join(dstRoot, childRel), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", childRel, err)
			}
			if err := mirrorObjectDir(srcFS, dstFS, srcRoot, dstRoot, childRel, opts); err != nil {
				return err
			}
			continue
		}

		if rel == "info" && entry.Name() == "alternates" {
			if err := rewriteAlternates(filepath.Join(srcRoot, childRel), filepath.Join(dstRoot, "info", "alternates"), srcRoot); err != nil {
				return err
			}
			continue
		}

		if err := copyOrLinkFile(filepath.Join(srcRoot, childRel), filepath.Join(dstRoot, childRel), opts); err != nil {
			return err
		}
	}
	return nil
}

// copyOrLinkFile implements "if hardlinking is permitted and supported,
// hardlink; otherwise copy preserving timestamps."
func copyOrLinkFile(src, dst string, opts LocalCloneOptions) error {
	if !opts.NoHardlinks {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
		// Fall through to copy: hardlinking is unsupported (e.g. across
		// devices) rather than forbidden.
	}
	return copyPreservingTimes(src, dst)
}

func copyPreservingTimes(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// appendAlternate implements the --shared case: add a single alternates
// entry pointing at the source's object directory.
func appendAlternate(dstObjects, srcObjects string) error {
	return withAlternatesFile(dstObjects, func(existing []string) []string {
		return append(existing, srcObjects)
	})
}

// rewriteAlternates implements the "do not copy verbatim" rule for
// info/alternates: parse line by line, skip blank lines and comments,
// rewrite relative paths as absolute (resolved against the source), and
// append to the destination's alternates so existing entries survive.
func rewriteAlternates(srcAlternates, dstAlternates, srcObjects string) error {
	f, err := os.Open(srcAlternates)
	if err != nil {
		return fmt.Errorf("opening %s: %w", srcAlternates, err)
	}
	defer f.Close()

	var rewritten []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(srcObjects, line)
		}
		rewritten = append(rewritten, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", srcAlternates, err)
	}

	return withAlternatesFile(filepath.Dir(filepath.Dir(dstAlternates)), func(existing []string) []string {
		return append(existing, rewritten...)
	})
}

func withAlternatesFile(dstObjects string, mutate func(existing []string) []string) error {
	path := filepath.Join(dstObjects, "info", "alternates")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating info dir: %w", err)
	}

	var existing []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range bytes.Split(data, []byte("\n")) {
			if s := strings.TrimSpace(string(line)); s != "" {
				existing = append(existing, s)
			}
		}
	}

	updated := mutate(existing)
	return os.WriteFile(path, []byte(strings.Join(updated, "\n")+"\n"), 0o644)
}
