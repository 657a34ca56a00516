/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
)

func TestFlattenAdvertisedRefsSymrefHeadIsNotDuplicated(t *testing.T) {
	mainHash := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	caps := capability.NewList()
	if err := caps.Set(capability.SymRef, "HEAD:refs/heads/main"); err != nil {
		t.Fatalf("setting symref capability: %v", err)
	}

	adv := &packp.AdvRefs{
		Capabilities: caps,
		References: map[string]plumbing.Hash{
			"HEAD":            mainHash,
			"refs/heads/main": mainHash,
		},
	}

	refs := flattenAdvertisedRefs(adv)

	var headCount int
	var symrefTarget string
	for _, r := range refs {
		if r.Name == "HEAD" {
			headCount++
			symrefTarget = r.SymrefTarget
		}
	}
	if headCount != 1 {
		t.Fatalf("expected exactly one HEAD entry, got %d: %+v", headCount, refs)
	}
	if symrefTarget != "refs/heads/main" {
		t.Errorf("SymrefTarget = %q, want refs/heads/main", symrefTarget)
	}
	if len(refs) != 2 {
		t.Errorf("expected HEAD + refs/heads/main, got %d refs: %+v", len(refs), refs)
	}
}

func TestFlattenAdvertisedRefsWithoutSymrefCapabilityKeepsPlainHead(t *testing.T) {
	mainHash := plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	adv := &packp.AdvRefs{
		Capabilities: capability.NewList(),
		References: map[string]plumbing.Hash{
			"HEAD": mainHash,
		},
	}

	refs := flattenAdvertisedRefs(adv)
	if len(refs) != 1 || refs[0].Name != "HEAD" || refs[0].SymrefTarget != "" {
		t.Errorf("unexpected refs: %+v", refs)
	}
}

func TestSetOptionParsesEveryKey(t *testing.T) {
	s := &GoGitSession{}
	s.SetOption("keep", "true")
	s.SetOption("depth", "5")
	s.SetOption("follow-tags", "true")
	s.SetOption("upload-pack", "/usr/bin/git-upload-pack")
	s.SetOption("prime-clone", "/usr/bin/git-prime-clone")
	s.SetOption("family", "4")
	s.SetOption("progress", "true")

	if !s.opts.Keep {
		t.Errorf("Keep not set")
	}
	if s.opts.Depth != 5 {
		t.Errorf("Depth = %d, want 5", s.opts.Depth)
	}
	if !s.opts.FollowTags {
		t.Errorf("FollowTags not set")
	}
	if s.opts.UploadPackPath != "/usr/bin/git-upload-pack" {
		t.Errorf("UploadPackPath = %q", s.opts.UploadPackPath)
	}
	if s.opts.PrimeClonePath != "/usr/bin/git-prime-clone" {
		t.Errorf("PrimeClonePath = %q", s.opts.PrimeClonePath)
	}
	if s.opts.IPFamily != "4" {
		t.Errorf("IPFamily = %q", s.opts.IPFamily)
	}
	if !s.opts.Progress {
		t.Errorf("Progress not set")
	}
}

func TestSetOptionUnknownDepthIsIgnored(t *testing.T) {
	s := &GoGitSession{}
	s.SetOption("depth", "not-a-number")
	if s.opts.Depth != 0 {
		t.Errorf("Depth = %d, want 0 for an unparseable value", s.opts.Depth)
	}
}

func TestSplitSymref(t *testing.T) {
	cases := []struct {
		in     string
		name   string
		target string
		ok     bool
	}{
		{"HEAD:refs/heads/main", "HEAD", "refs/heads/main", true},
		{"refs/heads/a:refs/heads/b", "refs/heads/a", "refs/heads/b", true},
		{"no-colon-here", "", "", false},
	}
	for _, c := range cases {
		name, target, ok := splitSymref(c.in)
		if name != c.name || target != c.target || ok != c.ok {
			t.Errorf("splitSymref(%q) = (%q, %q, %v), want (%q, %q, %v)", c.in, name, target, ok, c.name, c.target, c.ok)
		}
	}
}

func TestPrimerFileName(t *testing.T) {
	if got := primerFileName(AltResource{Filetype: "pack"}); got != "primer.pack" {
		t.Errorf("primerFileName(pack) = %q, want primer.pack", got)
	}
	if got := primerFileName(AltResource{Filetype: "bundle"}); got != "primer.bundle" {
		t.Errorf("primerFileName(bundle) = %q, want primer.bundle", got)
	}
}

func TestNewGoGitSessionRejectsUnparseableURL(t *testing.T) {
	if _, err := NewGoGitSession("https://example.com/%zz", nil); err == nil {
		t.Fatalf("expected NewGoGitSession to reject a malformed URL")
	}
}

func TestNewGoGitSessionResolvesHTTPSEndpoint(t *testing.T) {
	s, err := NewGoGitSession("https://example.com/foo/bar.git", nil)
	if err != nil {
		t.Fatalf("NewGoGitSession: %v", err)
	}
	if s.endpoint.Host != "example.com" {
		t.Errorf("endpoint.Host = %q, want example.com", s.endpoint.Host)
	}
	if s.auth != nil {
		t.Errorf("expected no auth when tokenSource is nil")
	}
}

func TestDisconnectWithoutSessionIsNoOp(t *testing.T) {
	s := &GoGitSession{}
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect on a session that never opened upload-pack: %v", err)
	}
}
