/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
)

// localGitProbeSuffixes are tried, in order, against a candidate local
// source path to find a repository directory or a "gitdir: " indirection
// file (spec.md §4.A "Source resolution").
var localGitProbeSuffixes = []string{
	filepath.FromSlash("/.git"),
	"",
	filepath.FromSlash(".git/.git"),
	".git",
}

// localBundleProbeSuffixes are tried after the repository-directory probes
// fail.
var localBundleProbeSuffixes = []string{".bundle", ""}

const gitdirIndirectionPrefix = "gitdir: "

// PlannerOptions carries the flags the Destination Planner needs.
type PlannerOptions struct {
	Bare           bool
	Mirror         bool
	SeparateGitDir string
	Resume         bool
}

// ResolveSource implements spec.md §4.A "Source resolution": probe a local
// source for a repository directory or bundle file; accept non-local
// sources (those containing a URL scheme or a bare ":" host separator)
// verbatim.
func ResolveSource(raw string) (SourceSpec, error) {
	if looksRemote(raw) {
		return SourceSpec{Raw: raw}, nil
	}

	for _, suffix := range localGitProbeSuffixes {
		candidate := raw + suffix
		if isRepoDirOrIndirection(candidate) {
			return SourceSpec{Raw: raw, LocalPath: candidate}, nil
		}
	}

	for _, suffix := range localBundleProbeSuffixes {
		candidate := raw + suffix
		if isRegularFile(candidate) {
			return SourceSpec{Raw: raw, LocalPath: candidate, IsBundle: true}, nil
		}
	}

	if !strings.Contains(raw, ":") {
		return SourceSpec{}, fmt.Errorf("%w: source %q does not exist and has no ':' to treat as a remote", ErrEnvironment, raw)
	}

	return SourceSpec{Raw: raw}, nil
}

// looksRemote reports whether raw carries a URL scheme ("scheme://...").
// A scp-like "host:path" source is not detected here; ResolveSource
// accepts it verbatim once local probing has found nothing.
func looksRemote(raw string) bool {
	if idx := strings.Index(raw, "://"); idx > 0 {
		return true
	}
	// A bare "host:path" form (scp-like syntax) counts as remote too, but
	// only when the colon isn't a Windows drive letter or a local path
	// that happens to exist; ResolveSource only reaches here after local
	// probing, so this branch is conservative and checked by the caller.
	return false
}

func isRepoDirOrIndirection(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return looksLikeGitDir(path)
	}
	return hasGitdirIndirection(path)
}

// looksLikeGitDir applies a minimal structural check: any existing
// directory passes (a HEAD file is looked for first, but its absence does
// not reject the directory, and no objects directory is required) —
// deeper validation happens when the repository is actually opened
// downstream.
func looksLikeGitDir(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		return true
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return true
	}
	return false
}

func hasGitdirIndirection(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), gitdirIndirectionPrefix)
}

// FollowGitdirIndirection resolves a "gitdir: <path>" file to the
// directory it points at.
func FollowGitdirIndirection(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading gitdir indirection: %w", err)
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(data)), gitdirIndirectionPrefix)
	if s == "" {
		return "", fmt.Errorf("%w: empty gitdir indirection in %s", ErrEnvironment, path)
	}
	if !filepath.IsAbs(s) {
		s = filepath.Join(filepath.Dir(path), s)
	}
	return s, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// controlOrSpace reports whether r is a control character or whitespace,
// for the "collapse runs of control/whitespace to a single space" rule in
// the destination-guessing algorithm.
func controlOrSpace(r rune) bool {
	return r <= ' ' || r == 0x7f
}

// GuessDirName implements spec.md §4.A "Destination guessing": derive a
// local directory name from a source string when no destination was
// supplied. It is idempotent per spec.md §8 invariant 7: GuessDirName(s)
// fed back in as the source yields the same name.
func GuessDirName(source string, bare, bundle bool) (string, error) {
	s := source

	// (1) strip scheme "://"
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	// (2) strip credentials up to the last "@" within the host component.
	hostEnd := strings.IndexAny(s, "/:")
	host := s
	rest := ""
	if hostEnd >= 0 {
		host, rest = s[:hostEnd], s[hostEnd:]
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	s = host + rest

	// (3) strip trailing whitespace/separators, then a trailing "/.git".
	s = strings.TrimRight(s, " \t\r\n/")
	s = strings.TrimSuffix(s, "/.git")
	s = strings.TrimRight(s, " \t\r\n/")

	// (4) if the remaining component contains ":" but no "/", strip a
	// trailing ":<digits>" port.
	if strings.Contains(s, ":") && !strings.Contains(s, "/") {
		if idx := strings.LastIndex(s, ":"); idx >= 0 {
			if isAllDigits(s[idx+1:]) {
				s = s[:idx]
			}
		}
	}

	// (5) take the last path component, treating ":" as a separator too.
	last := s
	if idx := strings.LastIndexAny(last, "/:"); idx >= 0 {
		last = last[idx+1:]
	}

	// (6) strip a trailing ".git" (or ".bundle" for bundles).
	if bundle {
		last = strings.TrimSuffix(last, ".bundle")
	} else {
		last = strings.TrimSuffix(last, ".git")
	}

	// (7) collapse runs of control/whitespace to a single space and trim.
	last = collapseControlRuns(last)
	last = strings.TrimSpace(last)

	if last == "" || last == "/" {
		return "", fmt.Errorf("%w: could not guess a destination directory from %q", ErrValidation, source)
	}

	if bare {
		last += ".git"
	}

	return last, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func collapseControlRuns(s string) string {
	var b strings.Builder
	inRun := false
	for _, r := range s {
		if controlOrSpace(r) {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// Plan resolves the full DestinationLayout for a fresh (non-resume) clone:
// existence checks, leading-directory creation, and work-tree directory
// creation. It registers both paths with the JunkTracker before any
// further side effects, per spec.md §4.A "Existence rule".
func Plan(ctx context.Context, jt *JunkTracker, source SourceSpec, destArg string, opts PlannerOptions) (DestinationLayout, error) {
	if opts.Resume {
		return DestinationLayout{}, fmt.Errorf("%w: Plan called with Resume set; use PlanResume", ErrValidation)
	}
	if opts.Bare && opts.SeparateGitDir != "" {
		return DestinationLayout{}, fmt.Errorf("%w: --bare and --separate-git-dir are mutually exclusive", ErrValidation)
	}

	dest := destArg
	if dest == "" {
		guessed, err := GuessDirName(source.Raw, opts.Bare, source.IsBundle)
		if err != nil {
			return DestinationLayout{}, err
		}
		dest = guessed
	}

	if err := checkDestinationEmpty(dest); err != nil {
		return DestinationLayout{}, err
	}

	if err := os.MkdirAll(filepath.Dir(absOrSelf(dest)), 0o755); err != nil {
		return DestinationLayout{}, fmt.Errorf("creating leading directories: %w", err)
	}

	layout := DestinationLayout{Bare: opts.Bare}
	switch {
	case opts.SeparateGitDir != "":
		layout.WorkTree = dest
		layout.GitDir = opts.SeparateGitDir
		layout.SeparateGitDir = opts.SeparateGitDir
	case opts.Bare:
		layout.GitDir = dest
	default:
		layout.WorkTree = dest
		layout.GitDir = filepath.Join(dest, ".git")
	}

	if layout.WorkTree != "" {
		if err := os.MkdirAll(layout.WorkTree, 0o755); err != nil {
			return DestinationLayout{}, fmt.Errorf("creating work tree directory: %w", err)
		}
	}
	if err := os.MkdirAll(layout.GitDir, 0o755); err != nil {
		return DestinationLayout{}, fmt.Errorf("creating git dir: %w", err)
	}

	jt.Register(layout.GitDir, layout.WorkTree)

	if err := layout.Validate(); err != nil {
		return DestinationLayout{}, err
	}

	clog.FromContext(ctx).Infof("Planned destination git_dir=%s work_tree=%q bare=%v", layout.GitDir, layout.WorkTree, layout.Bare)
	return layout, nil
}

// PlanResume implements spec.md §4.A "Resume mode": the destination must
// pre-exist; detect whether it's a git-dir or a work-tree, recover
// RemoteConfig, derive git_dir/work_tree, and load the ResumeRecord (whose
// absence is fatal).
func PlanResume(ctx context.Context, destArg string, readConfig func(gitDir string) (RemoteConfig, error), readResume func(gitDir string) (ResumeRecord, error)) (DestinationLayout, RemoteConfig, ResumeRecord, error) {
	if destArg == "" {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, fmt.Errorf("%w: --resume requires an existing destination argument", ErrValidation)
	}

	info, err := os.Stat(destArg)
	if err != nil {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, fmt.Errorf("%w: resume destination %q must pre-exist: %v", ErrValidation, destArg, err)
	}
	if !info.IsDir() {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, fmt.Errorf("%w: resume destination %q is not a directory", ErrValidation, destArg)
	}

	gitDir := destArg
	workTree := ""
	bare := true
	if st, err := os.Stat(filepath.Join(destArg, ".git")); err == nil {
		workTree = destArg
		bare = false
		if st.IsDir() {
			gitDir = filepath.Join(destArg, ".git")
		} else {
			gitDir, err = FollowGitdirIndirection(filepath.Join(destArg, ".git"))
			if err != nil {
				return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, err
			}
		}
	}

	cfg, err := readConfig(gitDir)
	if err != nil {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, fmt.Errorf("recovering remote config for resume: %w", err)
	}
	if cfg.WorkTree != "" {
		workTree = cfg.WorkTree
	}
	bare = cfg.Bare

	rec, err := readResume(gitDir)
	if err != nil {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, fmt.Errorf("%w: resume destination %q has no resumable record: %v", ErrValidation, destArg, err)
	}

	layout := DestinationLayout{
		GitDir:   gitDir,
		WorkTree: workTree,
		Bare:     bare,
		IsResume: true,
	}
	if err := layout.Validate(); err != nil {
		return DestinationLayout{}, RemoteConfig{}, ResumeRecord{}, err
	}

	clog.FromContext(ctx).Infof("Resuming at git_dir=%s work_tree=%q", gitDir, workTree)
	return layout, cfg, rec, nil
}

func checkDestinationEmpty(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking destination %q: %w", dest, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: destination path %q already exists and is not an empty directory", ErrValidation, dest)
	}
	return nil
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
