/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/idxfile"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"

	"chainguard.dev/gitclone/internal/refstore"
)

// PrimerState is the explicit tagged state of spec.md §4.D's state
// machine: Idle -> Fetching -> Indexing -> Installing -> Done, with
// Indexing and Installing both able to fall through to Abandon.
type PrimerState int

const (
	PrimerIdle PrimerState = iota
	PrimerFetching
	PrimerIndexing
	PrimerInstalling
	PrimerDone
	PrimerAbandoned
)

func (s PrimerState) String() string {
	switch s {
	case PrimerIdle:
		return "idle"
	case PrimerFetching:
		return "fetching"
	case PrimerIndexing:
		return "indexing"
	case PrimerInstalling:
		return "installing"
	case PrimerDone:
		return "done"
	case PrimerAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// IndexPackRunner invokes the pack-index subprocess exactly as spec.md §6
// describes: "index-pack --clone-bundle -v
// --check-self-contained-and-connected -o <out.idx> <in.pack>".
type IndexPackRunner func(ctx context.Context, packPath, idxPath string) error

// DefaultIndexPackRunner shells out to "index-pack" on $PATH the way
// gitaly-pack-objects style tooling in the teacher's broader ecosystem
// invokes external git subprocesses: a single exec.CommandContext call
// whose non-zero exit is the only signal consulted.
var DefaultIndexPackRunner = NewIndexPackRunner("index-pack")

// NewIndexPackRunner builds an IndexPackRunner that invokes the binary at
// path instead of relying on $PATH, so main() can honor
// GITCLONE_INDEX_PACK_PATH (spec.md's Configuration ambient stack).
func NewIndexPackRunner(path string) IndexPackRunner {
	return func(ctx context.Context, packPath, idxPath string) error {
		cmd := exec.CommandContext(ctx, path,
			"--clone-bundle", "-v", "--check-self-contained-and-connected",
			"-o", idxPath, packPath)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("index-pack failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// PrimerSession drives the state machine of spec.md §4.D for a single
// clone invocation.
type PrimerSession struct {
	gitDir string
	origin string
	jt     *JunkTracker
	runner IndexPackRunner
	resume bool

	state      PrimerState
	resource   AltResource
	packPath   string
	idxPath    string
	bundlePath string
	freshlyDownloaded bool
	tempRefs   []tempRef
}

// tempRef pairs a temporary primer ref's name with the object id it was
// created to pin, so Done can delete it with the compare-and-swap guard
// DeleteRef requires without a separate lookup.
type tempRef struct {
	name plumbing.ReferenceName
	oid  plumbing.Hash
}

// NewPrimerSession constructs a session in the Idle state. resume marks
// whether this session is adopting a primer as part of --resume, which
// PrimerError.Fatal consults to decide whether an abandonment can fall
// back to a full fetch (outside resume) or must abort the clone (inside
// it), per spec.md §7.
func NewPrimerSession(gitDir, origin string, jt *JunkTracker, runner IndexPackRunner, resume bool) *PrimerSession {
	if runner == nil {
		runner = DefaultIndexPackRunner
	}
	return &PrimerSession{gitDir: gitDir, origin: origin, jt: jt, runner: runner, resume: resume, state: PrimerIdle}
}

// State returns the session's current state.
func (p *PrimerSession) State() PrimerState { return p.state }

// Fetch implements the Idle -> Fetching transition: download the primer
// into <git_dir>/objects/pack/, putting the JunkTracker into
// LeaveResumable so an interruption here leaves a resumable ResumeRecord
// and an untouched partial file (spec.md §8 invariant 3).
func (p *PrimerSession) Fetch(ctx context.Context, resource AltResource, download func(ctx context.Context, dir string) (string, error)) error {
	if p.state != PrimerIdle {
		return fmt.Errorf("%w: Fetch called from state %s", ErrPrimer, p.state)
	}
	if !resource.KnownFiletype() {
		clog.FromContext(ctx).Warnf("Remote advertised an unsupported primer filetype %q; abandoning primer", resource.Filetype)
		p.state = PrimerAbandoned
		return nil
	}

	p.resource = resource
	p.jt.EnterPrimerAdoption(ctx, resource)
	p.state = PrimerFetching

	packDir := filepath.Join(p.gitDir, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return fmt.Errorf("creating pack directory: %w", err)
	}

	path, err := download(ctx, packDir)
	if err != nil {
		return &PrimerError{Err: fmt.Errorf("downloading primer: %w", err), Resume: p.resume}
	}
	p.packPath = path
	p.freshlyDownloaded = true
	p.bundlePath = strings.TrimSuffix(path, filepath.Ext(path)) + ".bndl"
	p.idxPath = strings.TrimSuffix(path, filepath.Ext(path)) + ".idx"
	return nil
}

// Index implements the Fetching -> Indexing transition for filetype
// "pack": run the pack-index subprocess unless a sibling .bndl already
// exists. A non-zero exit transitions to Abandon.
func (p *PrimerSession) Index(ctx context.Context) error {
	if p.state != PrimerFetching {
		return fmt.Errorf("%w: Index called from state %s", ErrPrimer, p.state)
	}
	p.state = PrimerIndexing

	if p.resource.Filetype != "pack" {
		return p.abandon(ctx, fmt.Errorf("unsupported primer filetype %q", p.resource.Filetype))
	}

	if err := checkPackSignature(p.packPath); err != nil {
		clog.FromContext(ctx).Warnf("Primer pack failed signature check, abandoning: %v", err)
		return p.abandon(ctx, err)
	}

	if _, err := os.Stat(p.bundlePath); err == nil {
		clog.FromContext(ctx).Debugf("Primer bundle %s already present, skipping index-pack", p.bundlePath)
		return nil
	}

	if err := p.runner(ctx, p.packPath, p.idxPath); err != nil {
		clog.FromContext(ctx).Warnf("Indexing primer failed, abandoning: %v", err)
		return p.abandon(ctx, err)
	}

	if n, err := countIndexedObjects(p.idxPath); err != nil {
		clog.FromContext(ctx).Debugf("reading primer idx %s for object count: %v", p.idxPath, err)
	} else {
		clog.FromContext(ctx).Infof("Primer pack indexed with %d objects", n)
	}
	return nil
}

// checkPackSignature opens packPath and reads just enough of the packfile
// header (via packfile.Scanner, the same low-level reader go-git's own
// unpacker uses) to confirm it is a well-formed pack before handing it to
// the index-pack subprocess.
func checkPackSignature(packPath string) error {
	f, err := os.Open(packPath)
	if err != nil {
		return fmt.Errorf("opening primer pack: %w", err)
	}
	defer f.Close()

	scanner := packfile.NewScanner(f)
	version, objects, err := scanner.Header()
	if err != nil {
		return fmt.Errorf("%w: reading pack header: %v", ErrPrimer, err)
	}
	if version != 2 && version != 3 {
		return fmt.Errorf("%w: unsupported primer pack version %d", ErrPrimer, version)
	}
	if objects == 0 {
		return fmt.Errorf("%w: primer pack advertises zero objects", ErrPrimer)
	}
	return nil
}

// countIndexedObjects reads the .idx file index-pack just produced via
// idxfile.Decoder, the same decoder go-git's own packfile.Index loading
// uses, purely to surface an object count in the log line above.
func countIndexedObjects(idxPath string) (int64, error) {
	f, err := os.Open(idxPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	idx := idxfile.NewMemoryIndex()
	if err := idxfile.NewDecoder(f).Decode(idx); err != nil {
		return 0, err
	}
	return idx.Count()
}

// Install implements the Indexing -> Installing transition: read the
// bundle header's tip references and pin each one under a temporary ref
// via a single atomic transaction, so the subsequent negotiation
// advertises them as "have" to the server.
func (p *PrimerSession) Install(ctx context.Context, store *refstore.Store, bundleTips func(bundlePath string) ([]plumbing.Hash, error)) error {
	if p.state != PrimerIndexing {
		return fmt.Errorf("%w: Install called from state %s", ErrPrimer, p.state)
	}
	p.state = PrimerInstalling

	tips, err := bundleTips(p.bundlePath)
	if err != nil {
		clog.FromContext(ctx).Warnf("Reading primer bundle tips failed, abandoning: %v", err)
		return p.abandon(ctx, err)
	}

	txn := store.BeginTransaction()
	refs := make([]tempRef, 0, len(tips))
	for _, tip := range tips {
		name, err := uniqueTempRefName(store, p.origin)
		if err != nil {
			return p.abandon(ctx, err)
		}
		if err := txn.Create(name, tip, true); err != nil {
			return p.abandon(ctx, err)
		}
		refs = append(refs, tempRef{name: name, oid: tip})
	}
	if err := txn.Commit(); err != nil {
		clog.FromContext(ctx).Warnf("Installing primer temp refs failed, abandoning: %v", err)
		return p.abandon(ctx, err)
	}

	p.tempRefs = refs
	p.state = PrimerDone
	return nil
}

// TempRefHaves returns the object ids Install pinned under temporary refs,
// so the Orchestrator can feed them to the main fetch negotiation as
// "haves" without reaching into the session's internal tempRef slice.
func (p *PrimerSession) TempRefHaves() []plumbing.Hash {
	oids := make([]plumbing.Hash, len(p.tempRefs))
	for i, r := range p.tempRefs {
		oids[i] = r.oid
	}
	return oids
}

// Done implements the Installing -> Done cleanup that runs after the main
// fetch succeeds: delete the temporary refs and the .bndl file; keep the
// .pack and its .idx as a permanent part of the object store.
func (p *PrimerSession) Done(ctx context.Context, store *refstore.Store) error {
	if p.state != PrimerDone {
		return fmt.Errorf("%w: Done called from state %s", ErrPrimer, p.state)
	}
	for _, ref := range p.tempRefs {
		if err := store.DeleteRef(ref.name, ref.oid); err != nil {
			clog.FromContext(ctx).Warnf("failed to delete temp primer ref %s: %v", ref.name, err)
		}
	}
	if err := os.Remove(p.bundlePath); err != nil && !os.IsNotExist(err) {
		clog.FromContext(ctx).Warnf("failed to remove primer bundle %s: %v", p.bundlePath, err)
	}
	return nil
}

// abandon implements the Abandon transition: if the primer was freshly
// downloaded this run, delete the .pack, its .temp, its .idx, and the
// .bndl, and transition JunkMode back to None. Whether the error is
// treated as fatal is left to the caller (§7: fatal iff --resume).
func (p *PrimerSession) abandon(ctx context.Context, cause error) error {
	p.state = PrimerAbandoned
	if p.freshlyDownloaded {
		for _, path := range []string{p.packPath, p.packPath + ".temp", p.idxPath, p.bundlePath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				clog.FromContext(ctx).Warnf("failed to remove abandoned primer artifact %s: %v", path, err)
			}
		}
	}
	p.jt.AbandonPrimer(ctx)
	return &PrimerError{Err: cause, Resume: p.resume}
}

func tempRefName(origin string) (plumbing.ReferenceName, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating temp ref id: %w", err)
	}
	return plumbing.ReferenceName(fmt.Sprintf("refs/temp/%s/resume/temp-%s", origin, hex.EncodeToString(b[:]))), nil
}

// uniqueTempRefName generates a temp ref name and, on the astronomically
// unlikely chance it collides with one already in the store (a leftover
// from a prior interrupted primer, or another concurrent clone into the
// same alternates-shared object store), regenerates until store.RefExists
// reports it free.
func uniqueTempRefName(store *refstore.Store, origin string) (plumbing.ReferenceName, error) {
	for i := 0; i < 10; i++ {
		name, err := tempRefName(origin)
		if err != nil {
			return "", err
		}
		if !store.RefExists(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: could not generate a unique temp ref name for %s", ErrPrimer, origin)
}
