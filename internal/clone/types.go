/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package clone implements the orchestration core of a repository-cloning
// command: destination planning, junk tracking, reference mapping, the
// optional primer (alternate-resource) adoption state machine, the
// local-clone fast path, and the top-level sequencing that ties them
// together.
package clone

import (
	"fmt"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// SourceSpec identifies where a clone's objects and refs come from: either a
// remote URL-like identifier or a local filesystem path.
type SourceSpec struct {
	// Raw is the source string exactly as given on the command line.
	Raw string
	// LocalPath is set when Raw resolves to a local directory or bundle
	// file rather than a network endpoint.
	LocalPath string
	// IsBundle is true when LocalPath names a bundle file rather than a
	// repository directory.
	IsBundle bool
}

// IsLocal reports whether the source resolved to a filesystem path.
func (s SourceSpec) IsLocal() bool {
	return s.LocalPath != ""
}

// DestinationLayout describes where the new repository's metadata and
// (optionally) working tree will live. It is produced once by the
// Destination Planner and, apart from the two JunkTracker registrations the
// Orchestrator performs, is treated as immutable afterward.
type DestinationLayout struct {
	// GitDir is where repository metadata (objects, refs, config) lives.
	GitDir string
	// WorkTree is the optional working-tree root. Empty for bare clones.
	WorkTree string
	// Bare is true when there is no associated working tree.
	Bare bool
	// SeparateGitDir, when set, is the directory the work tree's ".git"
	// file points at instead of a "<worktree>/.git" subdirectory.
	SeparateGitDir string
	// IsResume is true when this layout was recovered from a pre-existing
	// destination rather than freshly planned.
	IsResume bool
}

// Validate enforces the DestinationLayout invariants from the data model:
// a bare repository has no work tree, and a resumed layout must correspond
// to a pre-existing git dir.
func (d DestinationLayout) Validate() error {
	if d.Bare && d.WorkTree != "" {
		return fmt.Errorf("%w: bare destination cannot have a work tree", ErrValidation)
	}
	if d.GitDir == "" {
		return fmt.Errorf("%w: destination layout has no git dir", ErrValidation)
	}
	return nil
}

// Ref is a single advertised or mapped reference. ObjectID is the 20-byte
// (or, for SHA-256 repositories, wider) object hash as understood by
// go-git's plumbing package; PeerName is the local name the ref will be
// stored under once the Reference Planner maps it. A Ref with an empty
// PeerName is advertised but not adopted.
type Ref struct {
	Name     string
	ObjectID plumbing.Hash
	PeerName plumbing.ReferenceName
}

// Mapped reports whether the Reference Planner assigned this ref a local
// name.
func (r Ref) Mapped() bool {
	return r.PeerName != ""
}

// RefSet is an ordered sequence of Refs exactly as advertised by the
// remote. By convention the first ref named "HEAD", if any, is the
// symbolic-ref pointer rather than a real branch or tag.
type RefSet []Ref

// Head returns the advertised HEAD ref, if the remote sent one.
func (rs RefSet) Head() (Ref, bool) {
	for _, r := range rs {
		if r.Name == "HEAD" {
			return r, true
		}
	}
	return Ref{}, false
}

// ByName returns the first ref with the given name.
func (rs RefSet) ByName(name string) (Ref, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r, true
		}
	}
	return Ref{}, false
}

// Validate enforces the uniqueness invariant: ref names are unique within
// the set.
func (rs RefSet) Validate() error {
	seen := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate advertised ref %q", ErrConnectivity, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Refspec is a mapping rule applied element-wise to a RefSet to populate
// PeerName. It wraps go-git's config.RefSpec, which already implements the
// "+src:dst" force-marker syntax this spec describes.
type Refspec struct {
	Spec config.RefSpec
}

// Force reports whether the refspec carries the "+" force-update marker.
func (r Refspec) Force() bool {
	return r.Spec.IsForceUpdate()
}

// Src and Dst return the refspec's source and destination patterns.
func (r Refspec) Src() string { return r.Spec.Src() }
func (r Refspec) Dst() string { return rawDst(r.Spec) }

// AltResource (the "primer") describes an out-of-band artifact the remote
// offers that can seed most of the object graph before the ordinary fetch.
type AltResource struct {
	URL      string
	Filetype string
}

// KnownFiletype reports whether the Primer Subsystem has a handler for
// this filetype. Only "pack" is specified; everything else is an
// Abandon-on-sight case (spec.md §4.D "Filetype dispatch").
func (a AltResource) KnownFiletype() bool {
	return a.Filetype == "pack"
}

// ResumeRecord is the on-disk, two-line record written by the Junk Tracker
// when it leaves primer-adoption state behind for a later --resume
// invocation to pick up.
type ResumeRecord struct {
	Resource AltResource
}

// ResumeFileName is the well-known path (relative to git_dir) where the
// ResumeRecord lives.
const ResumeFileName = "resumable"

// JunkMode is the cleanup policy the Junk Tracker applies on process exit.
type JunkMode int

const (
	// JunkNone removes junk_git_dir/junk_work_tree on exit.
	JunkNone JunkMode = iota
	// JunkLeaveResumable persists a ResumeRecord and leaves artifacts in
	// place so a subsequent --resume invocation can continue.
	JunkLeaveResumable
	// JunkLeaveRepo leaves a usable repository in place (checkout may
	// still fail after this point).
	JunkLeaveRepo
	// JunkLeaveAll leaves everything; reached only after full success.
	JunkLeaveAll
)

func (m JunkMode) String() string {
	switch m {
	case JunkNone:
		return "none"
	case JunkLeaveResumable:
		return "leave-resumable"
	case JunkLeaveRepo:
		return "leave-repo"
	case JunkLeaveAll:
		return "leave-all"
	default:
		return "unknown"
	}
}

// RemoteConfig is the subset of a remote's configuration recovered from an
// existing destination during --resume.
type RemoteConfig struct {
	Name         string
	URL          string
	FetchPattern string
	WorkTree     string
	Bare         bool
	Mirror       bool
}
