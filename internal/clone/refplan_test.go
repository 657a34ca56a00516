/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import (
	"testing"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// hash builds a plumbing.Hash from a short hex fixture string; go-git's
// NewHash zero-pads whatever it doesn't decode, which is all these tests
// need.
func hash(s string) plumbing.Hash {
	return plumbing.NewHash(s)
}

func sampleAdvertised() RefSet {
	return RefSet{
		{Name: "HEAD", PeerName: "refs/heads/main"},
		{Name: "refs/heads/main", ObjectID: hash("a1")},
		{Name: "refs/heads/dev", ObjectID: hash("b2")},
		{Name: "refs/tags/v1", ObjectID: hash("c3")},
	}
}

func defaultRefspec() Refspec {
	return Refspec{Spec: config.RefSpec("+refs/heads/*:refs/remotes/origin/*")}
}

func TestPlanRefsAllBranches(t *testing.T) {
	plan, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{})
	if err != nil {
		t.Fatalf("PlanRefs: %v", err)
	}
	if plan.RemoteHead != "refs/heads/main" {
		t.Errorf("RemoteHead = %q, want refs/heads/main", plan.RemoteHead)
	}
	if plan.OurHead != "refs/heads/main" {
		t.Errorf("OurHead = %q, want refs/heads/main", plan.OurHead)
	}

	names := map[string]plumbing.ReferenceName{}
	for _, r := range plan.Local {
		names[r.Name] = r.PeerName
	}
	if names["refs/heads/main"] != "refs/remotes/origin/main" {
		t.Errorf("main mapped to %q", names["refs/heads/main"])
	}
	if names["refs/heads/dev"] != "refs/remotes/origin/dev" {
		t.Errorf("dev mapped to %q", names["refs/heads/dev"])
	}
	if names["refs/tags/v1"] != "refs/tags/v1" {
		t.Errorf("tag not materialized by the additional tag refspec: %q", names["refs/tags/v1"])
	}
}

func TestPlanRefsMirrorSkipsTags(t *testing.T) {
	plan, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{Mirror: true})
	if err != nil {
		t.Fatalf("PlanRefs: %v", err)
	}
	for _, r := range plan.Local {
		if r.Name == "refs/tags/v1" {
			t.Fatalf("mirror clone should not apply the separate tag refspec, got %+v", r)
		}
	}
}

func TestPlanRefsSingleBranchFollowsRemoteHead(t *testing.T) {
	plan, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{SingleBranch: true})
	if err != nil {
		t.Fatalf("PlanRefs: %v", err)
	}
	if len(plan.Local) != 1 {
		t.Fatalf("expected exactly one mapped ref in single-branch mode, got %d: %+v", len(plan.Local), plan.Local)
	}
	if plan.Local[0].Name != "refs/heads/main" {
		t.Errorf("mapped ref = %q, want refs/heads/main", plan.Local[0].Name)
	}
	if plan.OurHead != "refs/heads/main" {
		t.Errorf("OurHead = %q, want refs/heads/main", plan.OurHead)
	}
}

func TestPlanRefsSingleBranchExplicitBranch(t *testing.T) {
	plan, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{SingleBranch: true, Branch: "dev"})
	if err != nil {
		t.Fatalf("PlanRefs: %v", err)
	}
	if len(plan.Local) != 1 || plan.Local[0].Name != "refs/heads/dev" {
		t.Fatalf("expected only refs/heads/dev mapped, got %+v", plan.Local)
	}
	if plan.OurHead != "refs/heads/dev" {
		t.Errorf("OurHead = %q, want refs/heads/dev", plan.OurHead)
	}
}

func TestPlanRefsSingleBranchExplicitTagMaterializesTagRefspecToo(t *testing.T) {
	plan, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{SingleBranch: true, Branch: "v1"})
	if err != nil {
		t.Fatalf("PlanRefs: %v", err)
	}
	if len(plan.Local) != 1 || plan.Local[0].Name != "refs/tags/v1" {
		t.Fatalf("expected only refs/tags/v1 mapped, got %+v", plan.Local)
	}
	if plan.Local[0].PeerName != "refs/tags/v1" {
		t.Errorf("tag PeerName = %q, want refs/tags/v1", plan.Local[0].PeerName)
	}
	if plan.OurHead != "" {
		t.Errorf("OurHead should stay empty for a tag target (detached HEAD), got %q", plan.OurHead)
	}
}

func TestPlanRefsSingleBranchMissingBranchIsFatal(t *testing.T) {
	_, err := PlanRefs(sampleAdvertised(), defaultRefspec(), RefPlanOptions{SingleBranch: true, Branch: "nope"})
	if err == nil {
		t.Fatalf("expected an error for a branch/tag that was not advertised")
	}
}

func TestPlanRefsRejectsDuplicateAdvertisedNames(t *testing.T) {
	dup := RefSet{
		{Name: "refs/heads/main", ObjectID: hash("a1")},
		{Name: "refs/heads/main", ObjectID: hash("b2")},
	}
	if _, err := PlanRefs(dup, defaultRefspec(), RefPlanOptions{}); err == nil {
		t.Fatalf("expected PlanRefs to reject a RefSet with duplicate names")
	}
}
