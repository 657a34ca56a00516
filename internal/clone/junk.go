/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"context"
	"os"
	"sync"

	"github.com/chainguard-dev/clog"
)

// JunkTracker is the process-wide, signal-safe cleanup singleton of
// spec.md §4.B. It owns at most one in-flight git_dir/work_tree pair per
// Orchestrator run and executes the cleanup policy matching its current
// JunkMode exactly once, when Cleanup is called. The Orchestrator calls it
// on its failure returns (including a failed checkout), which is also how
// a terminating signal reaches it: main cancels the run's context.
//
// JunkMode transitions are monotonic in "how much survives": None ->
// LeaveResumable -> None is the only backward step (primer abandonment),
// and otherwise movement is strictly forward: None/LeaveResumable ->
// LeaveRepo -> LeaveAll.
type JunkTracker struct {
	mu sync.Mutex

	gitDir   string
	workTree string
	mode     JunkMode

	writeResume func(gitDir string, rec ResumeRecord) error
	resource    AltResource
	haveRecord  bool

	cleaned bool
	once    sync.Once
}

// NewJunkTracker constructs a tracker with JunkMode = None and the given
// ResumeRecord writer (normally writeResumeFile, overridable in tests).
func NewJunkTracker(writeResume func(gitDir string, rec ResumeRecord) error) *JunkTracker {
	return &JunkTracker{
		mode:        JunkNone,
		writeResume: writeResume,
	}
}

// Register records the paths the tracker is responsible for. Called once
// by the Destination Planner before any further side effects.
func (jt *JunkTracker) Register(gitDir, workTree string) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	jt.gitDir = gitDir
	jt.workTree = workTree
}

// SetMode transitions the tracker's JunkMode. It does not enforce the
// monotonic ordering described in spec.md §4.B; it logs every transition
// at debug level. The Orchestrator's call sites are the sole source of
// transitions.
func (jt *JunkTracker) SetMode(ctx context.Context, mode JunkMode) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	if mode == jt.mode {
		return
	}
	clog.FromContext(ctx).Debugf("Junk mode %s -> %s", jt.mode, mode)
	jt.mode = mode
}

// Mode returns the current JunkMode.
func (jt *JunkTracker) Mode() JunkMode {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	return jt.mode
}

// EnterPrimerAdoption is the None -> LeaveResumable transition taken when
// the Primer Subsystem begins Fetching.
func (jt *JunkTracker) EnterPrimerAdoption(ctx context.Context, resource AltResource) {
	jt.mu.Lock()
	jt.resource = resource
	jt.haveRecord = true
	jt.mu.Unlock()
	jt.SetMode(ctx, JunkLeaveResumable)
}

// AbandonPrimer is the LeaveResumable -> None transition taken when the
// primer is abandoned before persistence.
func (jt *JunkTracker) AbandonPrimer(ctx context.Context) {
	jt.mu.Lock()
	jt.haveRecord = false
	jt.mu.Unlock()
	jt.SetMode(ctx, JunkNone)
}

// RefsInstalled is the None/LeaveResumable -> LeaveRepo transition taken
// once refs and HEAD are installed successfully.
func (jt *JunkTracker) RefsInstalled(ctx context.Context) {
	jt.SetMode(ctx, JunkLeaveRepo)
}

// FullSuccess is the LeaveRepo -> LeaveAll transition taken on full
// success (checkout completed or was skipped with --no-checkout).
func (jt *JunkTracker) FullSuccess(ctx context.Context) {
	jt.SetMode(ctx, JunkLeaveAll)
}

// Cleanup runs the cleanup policy for the current JunkMode exactly once.
// It is safe to call from both normal exit and a signal handler; a second
// call is a no-op.
func (jt *JunkTracker) Cleanup(ctx context.Context) {
	jt.once.Do(func() {
		jt.mu.Lock()
		mode, gitDir, workTree, resource, haveRecord := jt.mode, jt.gitDir, jt.workTree, jt.resource, jt.haveRecord
		jt.mu.Unlock()

		log := clog.FromContext(ctx)
		switch mode {
		case JunkNone:
			removeIfSet(log, gitDir)
			removeIfSet(log, workTree)
		case JunkLeaveResumable:
			if haveRecord && jt.writeResume != nil {
				if err := jt.writeResume(gitDir, ResumeRecord{Resource: resource}); err != nil {
					log.Warnf("failed to persist resumable record: %v", err)
				}
			}
			log.Warnf("Clone interrupted; resumable state left at %s (retry with --resume)", gitDir)
		case JunkLeaveRepo:
			log.Warnf("Checkout failed but the repository at %s is usable", gitDir)
		case JunkLeaveAll:
			// Nothing to do.
		}
		jt.mu.Lock()
		jt.cleaned = true
		jt.mu.Unlock()
	})
}

func removeIfSet(log *clog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		log.Warnf("failed to remove %s: %v", path, err)
	}
}

// Cleaned reports whether Cleanup has already run, for tests.
func (jt *JunkTracker) Cleaned() bool {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	return jt.cleaned
}
