/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/oauth2"

	"chainguard.dev/gitclone/internal/refstore"
	gittransport "chainguard.dev/gitclone/internal/transport"
)

// Options is the full set of CLI-level inputs the Orchestrator consumes,
// corresponding to the flag surface in spec.md §6.
type Options struct {
	Source          string
	Dest            string
	Bare            bool
	Mirror          bool
	Local           bool
	NoHardlinks     bool
	Shared          bool
	Dissociate      bool
	Origin          string
	Branch          string
	UploadPack      string
	PrimeClone      string
	Depth           int
	SingleBranch    bool
	SingleBranchSet bool
	Resume          bool
	SeparateGitDir  string
	Config          []KeyValue
	References      []string
	NoCheckout      bool
	IPFamily        string
	Progress        bool
	Template        string
	Recursive       bool
	TokenSource     oauth2.TokenSource
}

// resolvedSingleBranch implements "--single-branch defaults to true when
// --depth is set" (spec.md §4.F step 1).
func (o Options) resolvedSingleBranch() bool {
	if o.SingleBranchSet {
		return o.SingleBranch
	}
	return o.Depth > 0
}

// Validate implements the mutual-exclusion checks of spec.md §4.F step 1.
func (o Options) Validate() error {
	if o.Bare && o.SeparateGitDir != "" {
		return fmt.Errorf("%w: --bare and --separate-git-dir are mutually exclusive", ErrValidation)
	}
	if o.Resume && (o.Bare || o.Mirror || o.Shared || o.Dissociate || len(o.References) > 0 || o.Branch != "") {
		return fmt.Errorf("%w: --resume is mutually exclusive with every other flag except a single positional destination", ErrValidation)
	}
	if o.Depth < 0 {
		return fmt.Errorf("%w: --depth must be >= 1", ErrValidation)
	}
	return nil
}

// Collaborators bundles the external collaborators spec.md §6 calls out
// as out of scope for this core: the working-tree materialization engine
// (checkout) and the submodule driver. The orchestration core depends
// only on these narrow function types, never on a concrete checkout
// implementation, so a caller can swap in a different one without
// touching the state machine.
type Collaborators struct {
	// Checkout materializes the working tree at the resolved HEAD commit.
	Checkout func(ctx context.Context, layout DestinationLayout, head plumbing.ReferenceName) error
	// SubmoduleUpdate dispatches a nested "gitclone --recursive"-style
	// update; nil disables submodule recursion entirely.
	SubmoduleUpdate func(ctx context.Context, layout DestinationLayout) error
	// IndexPack runs the pack-indexing subprocess; defaults to
	// DefaultIndexPackRunner.
	IndexPack IndexPackRunner
}

// Result is what a successful (or partially successful) Run returns.
type Result struct {
	Layout      DestinationLayout
	RefPlan     RefPlan
	CheckoutErr error
}

// Run is the Orchestrator of spec.md §4.F: it sequences destination
// planning, optional primer adoption, object transfer, ref/HEAD install,
// and checkout, honoring resume mode and the Junk Tracker's cleanup
// policy throughout.
func Run(ctx context.Context, opts Options, collab Collaborators) (*Result, error) {
	if opts.Mirror {
		opts.Bare = true
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Origin == "" {
		opts.Origin = "origin"
	}
	if collab.IndexPack == nil {
		collab.IndexPack = DefaultIndexPackRunner
	}

	jt := NewJunkTracker(writeResumeFile)

	if opts.Resume {
		return runResume(ctx, jt, opts, collab)
	}
	return runFresh(ctx, jt, opts, collab)
}

func runFresh(ctx context.Context, jt *JunkTracker, opts Options, collab Collaborators) (*Result, error) {
	log := clog.FromContext(ctx)

	source, err := ResolveSource(opts.Source)
	if err != nil {
		return nil, err
	}

	layout, err := Plan(ctx, jt, source, opts.Dest, PlannerOptions{
		Bare:           opts.Bare,
		Mirror:         opts.Mirror,
		SeparateGitDir: opts.SeparateGitDir,
	})
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	if err := initRepositoryLayout(layout, opts.Template); err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	if err := WriteConfig(layout.GitDir, ConfigWriterOptions{
		Origin:    opts.Origin,
		URL:       opts.Source,
		Bare:      opts.Bare,
		Mirror:    opts.Mirror,
		PreConfig: opts.Config,
	}); err != nil {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("writing initial config: %w", err)
	}

	// Step 3: optional alternate reference repositories.
	for _, ref := range opts.References {
		if err := addReferenceRepo(layout.GitDir, ref); err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
	}

	localEligible, err := Eligible(source, LocalCloneOptions{Shared: opts.Shared, NoHardlinks: opts.NoHardlinks, AllowLocal: opts.Local})
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	refspec := Refspec{Spec: gogitconfig.RefSpec("+refs/heads/*:refs/remotes/" + opts.Origin + "/*")}

	var (
		sess   gittransport.Session
		primer *PrimerSession
		plan   RefPlan
	)

	if localEligible {
		if err := LocalClone(source.LocalPath, layout.GitDir, LocalCloneOptions{Shared: opts.Shared, NoHardlinks: opts.NoHardlinks, AllowLocal: true}); err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
		localRefs, err := localAdvertisedRefSet(source.LocalPath)
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
		plan, err = PlanRefs(localRefs, refspec, RefPlanOptions{SingleBranch: opts.resolvedSingleBranch(), Branch: opts.Branch, Mirror: opts.Mirror})
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
	} else {
		sess, err = gittransport.NewGoGitSession(opts.Source, opts.TokenSource)
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
		sess.SetOption("keep", "true")
		if opts.Depth > 0 {
			sess.SetOption("depth", fmt.Sprintf("%d", opts.Depth))
		}
		if opts.resolvedSingleBranch() {
			sess.SetOption("follow-tags", "true")
		}
		if opts.UploadPack != "" {
			sess.SetOption("upload-pack", opts.UploadPack)
		}
		if opts.PrimeClone != "" {
			sess.SetOption("prime-clone", opts.PrimeClone)
		}
		if opts.IPFamily != "" {
			sess.SetOption("family", opts.IPFamily)
		}
		sess.SetOption("progress", boolString(opts.Progress))

		primer = NewPrimerSession(layout.GitDir, opts.Origin, jt, collab.IndexPack, opts.Resume)
		if alt, ok, perr := sess.PrimeClone(ctx); perr != nil {
			log.Warnf("querying primer advertisement failed: %v", perr)
		} else if ok {
			if err := adoptPrimer(ctx, primer, sess, gittransport.AltResource{URL: alt.URL, Filetype: alt.Filetype}, layout.GitDir); err != nil {
				var pe *PrimerError
				if errors.As(err, &pe) && !pe.Fatal() {
					log.Infof("Primer adoption failed, falling back to a full fetch: %v", err)
				} else {
					jt.Cleanup(ctx)
					return nil, err
				}
			}
		}

		refs, err := sess.GetRefsList(ctx)
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
		plan, err = PlanRefs(toRefSet(refs), refspec, RefPlanOptions{SingleBranch: opts.resolvedSingleBranch(), Branch: opts.Branch, Mirror: opts.Mirror})
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}

		wants := make([]gittransport.MappedRef, 0, len(plan.Local))
		for _, r := range plan.Local {
			wants = append(wants, gittransport.MappedRef{Name: r.Name, ObjectID: r.ObjectID})
		}
		var haves []plumbing.Hash
		if primer.State() == PrimerDone {
			haves = primer.TempRefHaves()
		}
		packStream, err := sess.Fetch(ctx, wants, haves)
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
		err = persistPack(ctx, layout.GitDir, packStream, collab.IndexPack)
		packStream.Close()
		if err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
	}

	// Step 7: persist the remote's fetch refspec now that the chosen ref
	// (for single-branch mode) is known.
	singleBranchRef := Ref{}
	if opts.resolvedSingleBranch() && len(plan.Local) > 0 {
		singleBranchRef = plan.Local[0]
	}
	if err := WriteConfig(layout.GitDir, ConfigWriterOptions{
		Origin:          opts.Origin,
		URL:             opts.Source,
		Bare:            opts.Bare,
		Mirror:          opts.Mirror,
		SingleBranch:    opts.resolvedSingleBranch(),
		SingleBranchRef: singleBranchRef,
	}); err != nil {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("persisting fetch refspec: %w", err)
	}

	// Step 10: install the mapped refs as a single atomic transaction.
	store, err := refstore.Open(layout.GitDir)
	if err != nil {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("opening ref store: %w", err)
	}

	txn := store.BeginTransaction()
	for _, r := range plan.Local {
		if !r.Mapped() {
			continue
		}
		if err := txn.Create(r.PeerName, r.ObjectID, refspec.Force()); err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("%w: %v", ErrRefStore, err)
	}

	if plan.RemoteHead != "" {
		trackingHead := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/%s/HEAD", opts.Origin))
		if err := store.CreateSymref(trackingHead, plan.RemoteHead); err != nil {
			log.Warnf("failed to write remote HEAD symref: %v", err)
		}
	}

	if primer != nil && primer.State() == PrimerDone {
		if err := primer.Done(ctx, store); err != nil {
			log.Warnf("primer cleanup failed: %v", err)
		}
	}

	jt.RefsInstalled(ctx)

	// Step 11: update local HEAD.
	if err := updateLocalHead(store, plan); err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	// Step 12: disconnect transport; honor --dissociate.
	if sess != nil {
		if err := sess.Disconnect(); err != nil {
			log.Warnf("disconnecting transport: %v", err)
		}
	}
	if opts.Dissociate {
		if err := os.Remove(filepath.Join(layout.GitDir, "objects", "info", "alternates")); err != nil && !os.IsNotExist(err) {
			log.Warnf("removing alternates after --dissociate: %v", err)
		}
	}

	// Step 13: checkout.
	result := &Result{Layout: layout, RefPlan: plan}
	if !opts.Bare && !opts.NoCheckout && collab.Checkout != nil {
		if err := collab.Checkout(ctx, layout, plan.OurHead); err != nil {
			result.CheckoutErr = &CheckoutError{Err: err}
			jt.Cleanup(ctx)
			return result, result.CheckoutErr
		}
		if opts.Recursive && collab.SubmoduleUpdate != nil {
			if err := collab.SubmoduleUpdate(ctx, layout); err != nil {
				log.Warnf("submodule update failed: %v", err)
			}
		}
	}
	jt.FullSuccess(ctx)

	// Step 14: remove the ResumeRecord if present.
	_ = os.Remove(filepath.Join(layout.GitDir, ResumeFileName))

	return result, nil
}

func runResume(ctx context.Context, jt *JunkTracker, opts Options, collab Collaborators) (*Result, error) {
	log := clog.FromContext(ctx)

	layout, remoteCfg, rec, err := PlanResume(ctx, opts.Dest, func(gitDir string) (RemoteConfig, error) {
		return RecoverRemoteConfig(gitDir, opts.Origin)
	}, readResumeFile)
	if err != nil {
		return nil, err
	}

	jt.Register(layout.GitDir, layout.WorkTree)
	jt.EnterPrimerAdoption(ctx, rec.Resource)

	sess, err := gittransport.NewGoGitSession(remoteCfg.URL, opts.TokenSource)
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	primer := NewPrimerSession(layout.GitDir, opts.Origin, jt, collab.IndexPack, opts.Resume)
	if err := adoptPrimer(ctx, primer, sess, gittransport.AltResource{URL: rec.Resource.URL, Filetype: rec.Resource.Filetype}, layout.GitDir); err != nil {
		// Resuming is fatal on abandonment per spec.md §7/§4.D: this
		// PrimerSession was built with resume=true, so any *PrimerError it
		// produces reports Fatal() == true.
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("%w: resume could not complete primer adoption: %v", ErrPrimer, err)
	}
	if primer.State() == PrimerAbandoned {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("%w: resume could not complete primer adoption: unsupported primer filetype %q", ErrPrimer, rec.Resource.Filetype)
	}

	refs, err := sess.GetRefsList(ctx)
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	// The recorded fetch pattern is trusted as-is during resume, per the
	// Open Question decision recorded in DESIGN.md: do not rebuild a
	// default pattern when one is already recorded.
	refspec := Refspec{Spec: gogitconfig.RefSpec("+refs/heads/*:refs/remotes/" + opts.Origin + "/*")}
	if remoteCfg.FetchPattern != "" {
		refspec = Refspec{Spec: gogitconfig.RefSpec(remoteCfg.FetchPattern)}
	}

	plan, err := PlanRefs(toRefSet(refs), refspec, RefPlanOptions{SingleBranch: opts.resolvedSingleBranch(), Branch: opts.Branch, Mirror: remoteCfg.Mirror})
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	store, err := refstore.Open(layout.GitDir)
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	wants := make([]gittransport.MappedRef, 0, len(plan.Local))
	for _, r := range plan.Local {
		wants = append(wants, gittransport.MappedRef{Name: r.Name, ObjectID: r.ObjectID})
	}
	var haves []plumbing.Hash
	if primer.State() == PrimerDone {
		haves = primer.TempRefHaves()
	}
	packStream, err := sess.Fetch(ctx, wants, haves)
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}
	err = persistPack(ctx, layout.GitDir, packStream, collab.IndexPack)
	packStream.Close()
	if err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	txn := store.BeginTransaction()
	for _, r := range plan.Local {
		if !r.Mapped() {
			continue
		}
		if err := txn.Create(r.PeerName, r.ObjectID, refspec.Force()); err != nil {
			jt.Cleanup(ctx)
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		jt.Cleanup(ctx)
		return nil, fmt.Errorf("%w: %v", ErrRefStore, err)
	}

	if err := primer.Done(ctx, store); err != nil {
		log.Warnf("primer cleanup failed: %v", err)
	}
	jt.RefsInstalled(ctx)

	if err := updateLocalHead(store, plan); err != nil {
		jt.Cleanup(ctx)
		return nil, err
	}

	_ = sess.Disconnect()

	result := &Result{Layout: layout, RefPlan: plan}
	if !layout.Bare && !opts.NoCheckout && collab.Checkout != nil {
		if err := collab.Checkout(ctx, layout, plan.OurHead); err != nil {
			result.CheckoutErr = &CheckoutError{Err: err}
			jt.Cleanup(ctx)
			return result, result.CheckoutErr
		}
	}
	jt.FullSuccess(ctx)
	_ = os.Remove(filepath.Join(layout.GitDir, ResumeFileName))
	return result, nil
}

// initRepositoryLayout lays down the skeleton (objects/, refs/, HEAD,
// optionally a gitdir indirection file) for the three DestinationLayout
// shapes the Destination Planner can produce, then overlays a --template
// directory's contents if one was given (SPEC_FULL §3 "--template
// handling"): existence-checked and copied verbatim, with no path
// resolution beyond that, mirroring clone.c's own template copy step.
func initRepositoryLayout(layout DestinationLayout, template string) error {
	switch {
	case layout.WorkTree == "":
		if _, err := gogit.PlainInit(layout.GitDir, true); err != nil {
			return fmt.Errorf("initializing bare repository: %w", err)
		}
	case layout.SeparateGitDir != "":
		if _, err := gogit.PlainInit(layout.GitDir, true); err != nil {
			return fmt.Errorf("initializing repository metadata: %w", err)
		}
		gitFile := filepath.Join(layout.WorkTree, ".git")
		if err := os.WriteFile(gitFile, []byte("gitdir: "+layout.GitDir+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing gitdir indirection: %w", err)
		}
	default:
		if _, err := gogit.PlainInitWithOptions(layout.WorkTree, &gogit.PlainInitOptions{Bare: false}); err != nil {
			return fmt.Errorf("initializing repository: %w", err)
		}
	}
	if template == "" {
		return nil
	}
	if _, err := os.Stat(template); err != nil {
		return fmt.Errorf("%w: --template directory %q: %v", ErrValidation, template, err)
	}
	return copyTemplateDir(template, layout.GitDir)
}

// copyTemplateDir copies every entry of a template directory into gitDir,
// the way clone.c's copy_or_link_directory overlays a template onto a
// freshly initialized repository: no hardlinking, no alternates rewriting,
// just a plain recursive file copy.
func copyTemplateDir(template, gitDir string) error {
	entries, err := os.ReadDir(template)
	if err != nil {
		return fmt.Errorf("reading template directory %q: %w", template, err)
	}
	for _, entry := range entries {
		src := filepath.Join(template, entry.Name())
		dst := filepath.Join(gitDir, entry.Name())
		if entry.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dst, err)
			}
			if err := copyTemplateDir(src, dst); err != nil {
				return err
			}
			continue
		}
		if err := copyPreservingTimes(src, dst); err != nil {
			return fmt.Errorf("copying template file %s: %w", src, err)
		}
	}
	return nil
}

// adoptPrimer drives the Primer Subsystem's Fetching -> Indexing ->
// Installing -> Done sequence, stopping early (without error) if the
// session itself decided to Abandon an unknown filetype.
func adoptPrimer(ctx context.Context, primer *PrimerSession, sess gittransport.Session, alt gittransport.AltResource, gitDir string) error {
	if err := primer.Fetch(ctx, AltResource{URL: alt.URL, Filetype: alt.Filetype}, func(ctx context.Context, dir string) (string, error) {
		return sess.DownloadPrimer(ctx, alt, dir)
	}); err != nil {
		return err
	}
	if primer.State() == PrimerAbandoned {
		return nil
	}
	if err := primer.Index(ctx); err != nil {
		return err
	}
	if primer.State() == PrimerAbandoned {
		return nil
	}
	store, err := refstore.Open(gitDir)
	if err != nil {
		return err
	}
	return primer.Install(ctx, store, readBundleTips)
}

func updateLocalHead(store *refstore.Store, plan RefPlan) error {
	switch {
	case plan.OurHead != "" && strings.HasPrefix(plan.OurHead.String(), "refs/heads/"):
		return store.CreateSymref(plumbing.HEAD, plan.OurHead)
	case plan.OurHead != "":
		for _, r := range plan.Local {
			if r.PeerName == plan.OurHead {
				return store.UpdateRef(plumbing.HEAD, r.ObjectID, refstore.UpdateRefFlags{})
			}
		}
		return fmt.Errorf("%w: resolved HEAD ref %s was not among the mapped refs", ErrConnectivity, plan.OurHead)
	default:
		for _, r := range plan.Local {
			if r.Name == plan.RemoteHead.String() {
				return store.UpdateRef(plumbing.HEAD, r.ObjectID, refstore.UpdateRefFlags{})
			}
		}
		return fmt.Errorf("%w: no HEAD could be resolved", ErrConnectivity)
	}
}

func toRefSet(advertised []gittransport.AdvertisedRef) RefSet {
	out := make(RefSet, 0, len(advertised))
	for _, a := range advertised {
		r := Ref{Name: a.Name, ObjectID: a.ObjectID}
		if a.Name == "HEAD" && a.SymrefTarget != "" {
			r.PeerName = plumbing.ReferenceName(a.SymrefTarget)
		}
		out = append(out, r)
	}
	return out
}

// localAdvertisedRefSet opens a local source repository and projects its
// references into the same RefSet shape a remote's advertisement would
// take, so the Local-Clone Path can run through the same Reference
// Planner as a network fetch.
func localAdvertisedRefSet(srcPath string) (RefSet, error) {
	repo, err := gogit.PlainOpen(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening local source repository: %w", err)
	}
	iter, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing local source references: %w", err)
	}
	defer iter.Close()

	var out RefSet
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		out = append(out, Ref{Name: ref.Name().String(), ObjectID: ref.Hash()})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("iterating local source references: %w", err)
	}

	if head, err := repo.Head(); err == nil {
		out = append(out, Ref{Name: "HEAD", PeerName: head.Name()})
	}
	return out, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// addReferenceRepo implements spec.md §4.F step 3: follow a ".git"
// directory or gitdir indirection under refPath, reject the reference
// repository if it carries a shallow marker file, and add its object
// directory as an alternate for the destination. Grafted reference
// repositories are not detected.
func addReferenceRepo(dstGitDir, refPath string) error {
	resolved := refPath
	candidate := filepath.Join(refPath, ".git")
	if info, err := os.Stat(candidate); err == nil {
		switch {
		case info.IsDir():
			resolved = candidate
		case hasGitdirIndirection(candidate):
			resolved, err = FollowGitdirIndirection(candidate)
			if err != nil {
				return err
			}
		}
	}
	if _, err := os.Stat(filepath.Join(resolved, ShallowMarkerFile)); err == nil {
		return fmt.Errorf("%w: reference repository %q is shallow", ErrEnvironment, refPath)
	}
	return appendAlternate(filepath.Join(dstGitDir, "objects"), filepath.Join(resolved, "objects"))
}

// persistPack writes a fetched packfile stream to objects/pack atomically
// (temp-file-then-rename) and indexes it, mirroring the Primer
// Subsystem's own download discipline for the main object transfer.
func persistPack(ctx context.Context, gitDir string, stream io.Reader, runner IndexPackRunner) error {
	packDir := filepath.Join(gitDir, "objects", "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return fmt.Errorf("creating pack directory: %w", err)
	}

	var nameBuf [8]byte
	if _, err := rand.Read(nameBuf[:]); err != nil {
		return fmt.Errorf("generating pack name: %w", err)
	}
	base := filepath.Join(packDir, "pack-"+hex.EncodeToString(nameBuf[:]))
	packPath := base + ".pack"
	temp := packPath + ".temp"

	f, err := os.Create(temp)
	if err != nil {
		return fmt.Errorf("creating pack file: %w", err)
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing fetched pack: %v", ErrConnectivity, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing pack file: %w", err)
	}
	if err := os.Rename(temp, packPath); err != nil {
		return fmt.Errorf("renaming pack file: %w", err)
	}
	if runner == nil {
		runner = DefaultIndexPackRunner
	}
	return runner(ctx, packPath, base+".idx")
}

// writeResumeFile and readResumeFile implement the two-line on-disk
// ResumeRecord format: the primer URL on the first line, its filetype on
// the second.
func writeResumeFile(gitDir string, rec ResumeRecord) error {
	data := rec.Resource.URL + "\n" + rec.Resource.Filetype + "\n"
	return os.WriteFile(filepath.Join(gitDir, ResumeFileName), []byte(data), 0o644)
}

func readResumeFile(gitDir string) (ResumeRecord, error) {
	path := filepath.Join(gitDir, ResumeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return ResumeRecord{}, err
	}
	lines := strings.SplitN(string(data), "\n", 3)
	if len(lines) < 2 {
		return ResumeRecord{}, fmt.Errorf("%w: malformed resumable record in %s", ErrValidation, path)
	}
	return ResumeRecord{Resource: AltResource{URL: lines[0], Filetype: lines[1]}}, nil
}

// readBundleTips parses a git bundle's header — a "# v2 git bundle"
// signature line, then a run of "<hash> <refname>" tip lines (and "-"
// prefixed prerequisite lines, which are skipped) up to the first blank
// line — and returns the tip object ids.
func readBundleTips(bundlePath string) ([]plumbing.Hash, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("opening bundle %s: %w", bundlePath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty bundle file", ErrPrimer)
	}
	if !strings.HasPrefix(scanner.Text(), "# v") {
		return nil, fmt.Errorf("%w: missing bundle signature in %s", ErrPrimer, bundlePath)
	}

	var tips []plumbing.Hash
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "-") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		tips = append(tips, plumbing.NewHash(fields[0]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading bundle header: %w", err)
	}
	return tips, nil
}
