/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// RefPlanOptions carries the options the Reference Planner needs from
// spec.md §4.C.
type RefPlanOptions struct {
	SingleBranch bool
	Branch       string
	Mirror       bool
}

// RefPlan is the output of the Reference Planner: the mapped local ref
// set plus the remote and local HEAD targets.
type RefPlan struct {
	// Local is the mapped ref sequence with PeerName populated — the
	// "local ref set" of spec.md §4.C step 4.
	Local RefSet
	// RemoteHead is the advertised HEAD's resolved target ref name, if
	// any (following the symref hint or an explicit --branch).
	RemoteHead plumbing.ReferenceName
	// OurHead is "our HEAD" per spec.md §4.C: the user-specified branch
	// if given, else the resolved remote HEAD, else empty.
	OurHead plumbing.ReferenceName
}

// tagRefspec is the refspec applied, in addition to the primary one,
// whenever tags need to be materialized (non-mirror full clone, or an
// explicit single-branch tag request).
const tagRefspecPattern = "+refs/tags/*:refs/tags/*"

// PlanRefs implements spec.md §4.C in full.
func PlanRefs(advertised RefSet, refspec Refspec, opts RefPlanOptions) (RefPlan, error) {
	if err := advertised.Validate(); err != nil {
		return RefPlan{}, err
	}

	remoteHead, headIsBranch := resolveAdvertisedHead(advertised)

	if opts.SingleBranch {
		return planSingleBranch(advertised, refspec, opts, remoteHead, headIsBranch)
	}
	return planAllBranches(advertised, refspec, opts, remoteHead)
}

// resolveAdvertisedHead locates the advertised HEAD ref and, if the
// transport supplied a symref hint in its PeerName (populated by the
// transport layer with the branch HEAD points at), returns that target.
func resolveAdvertisedHead(advertised RefSet) (plumbing.ReferenceName, bool) {
	head, ok := advertised.Head()
	if !ok {
		return "", false
	}
	if head.PeerName != "" {
		return head.PeerName, strings.HasPrefix(head.PeerName.String(), "refs/heads/")
	}
	return "", false
}

func planSingleBranch(advertised RefSet, refspec Refspec, opts RefPlanOptions, remoteHead plumbing.ReferenceName, headIsBranch bool) (RefPlan, error) {
	var target Ref
	var targetIsTag bool

	switch {
	case opts.Branch != "":
		var ok bool
		target, ok = advertised.ByName("refs/heads/" + opts.Branch)
		if ok {
			break
		}
		target, ok = advertised.ByName("refs/tags/" + opts.Branch)
		if !ok {
			return RefPlan{}, fmt.Errorf("%w: branch or tag %q not found on remote", ErrConnectivity, opts.Branch)
		}
		targetIsTag = true
	case remoteHead != "":
		target, _ = advertised.ByName(remoteHead.String())
		if target.Name == "" {
			return RefPlan{}, fmt.Errorf("%w: remote HEAD points at %q, which was not advertised", ErrConnectivity, remoteHead)
		}
	default:
		return RefPlan{}, fmt.Errorf("%w: single-branch clone requires either --branch or an advertised HEAD symref", ErrConnectivity)
	}

	mapped, err := applyRefspec(RefSet{target}, refspec)
	if err != nil {
		return RefPlan{}, err
	}

	// Plus: the tag refspec restricted to this one ref, so an explicit
	// tag request is materialized even though it isn't reached by the
	// branch refspec.
	if targetIsTag {
		tagMapped, err := applyRefspec(RefSet{target}, Refspec{Spec: config.RefSpec(tagRefspecPattern)})
		if err != nil {
			return RefPlan{}, err
		}
		mapped = append(mapped, tagMapped...)
	}

	plan := RefPlan{Local: mapped}
	if opts.Branch != "" && !targetIsTag {
		plan.OurHead = plumbing.NewBranchReferenceName(opts.Branch)
		plan.RemoteHead = plan.OurHead
	} else if !targetIsTag {
		plan.RemoteHead = remoteHead
		plan.OurHead = remoteHead
	}
	// A tag target leaves OurHead empty; the Orchestrator resolves a
	// detached HEAD at the tag's object directly.
	return plan, nil
}

func planAllBranches(advertised RefSet, refspec Refspec, opts RefPlanOptions, remoteHead plumbing.ReferenceName) (RefPlan, error) {
	mapped, err := applyRefspec(advertised, refspec)
	if err != nil {
		return RefPlan{}, err
	}

	if !opts.Mirror {
		tagMapped, err := applyRefspec(advertised, Refspec{Spec: config.RefSpec(tagRefspecPattern)})
		if err != nil {
			return RefPlan{}, err
		}
		mapped = append(mapped, tagMapped...)
	}

	ourHead := remoteHead
	if opts.Branch != "" {
		if _, ok := advertised.ByName("refs/heads/" + opts.Branch); ok {
			ourHead = plumbing.NewBranchReferenceName(opts.Branch)
		} else if _, ok := advertised.ByName("refs/tags/" + opts.Branch); !ok {
			return RefPlan{}, fmt.Errorf("%w: branch or tag %q not found on remote", ErrConnectivity, opts.Branch)
		}
	}

	return RefPlan{
		Local:      mapped,
		RemoteHead: remoteHead,
		OurHead:    ourHead,
	}, nil
}

// applyRefspec maps each ref in advertised through refspec, populating
// PeerName. Refs that the pattern doesn't match are dropped from the
// result (they remain advertised-but-not-adopted, i.e. PeerName stays
// empty and they are excluded from the local ref set entirely).
func applyRefspec(advertised RefSet, refspec Refspec) (RefSet, error) {
	out := make(RefSet, 0, len(advertised))
	for _, ref := range advertised {
		if ref.Name == "HEAD" {
			continue
		}
		dst, matched := matchRefspec(refspec.Spec, ref.Name)
		if !matched {
			continue
		}
		ref.PeerName = plumbing.ReferenceName(dst)
		out = append(out, ref)
	}
	return out, nil
}

// matchRefspec applies a single "+src:dst" (or "src:dst") pattern to name,
// supporting the "*" wildcard go-git's config.RefSpec uses on both sides.
func matchRefspec(spec config.RefSpec, name string) (string, bool) {
	src, dst := spec.Src(), rawDst(spec)

	srcPrefix, srcHasWildcard := strings.CutSuffix(src, "*")
	if !srcHasWildcard {
		if src != name {
			return "", false
		}
		return dst, true
	}
	if !strings.HasPrefix(name, srcPrefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(name, srcPrefix)

	dstPrefix, dstHasWildcard := strings.CutSuffix(dst, "*")
	if !dstHasWildcard {
		return dst, true
	}
	return dstPrefix + suffix, true
}

// rawDst returns the unexpanded destination pattern of spec (the text
// after the ":" separator), mirroring go-git's internal parsing since
// config.RefSpec does not expose this without a target reference to
// substitute a wildcard against.
func rawDst(spec config.RefSpec) string {
	full := spec.String()
	_, dst, _ := strings.Cut(full, ":")
	return dst
}
