/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package transport adapts go-git's plumbing/transport stack (the
// endpoint, session, and packp negotiation types) to the narrow Transport
// interface the clone orchestration core consumes (spec.md §6):
// get_refs_list, fetch, download_primer, set_option, disconnect, plus the
// prime_clone() primer advertisement.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/oauth2"
)

// AdvertisedRef is one entry of a transport's advertised reference list,
// independent of the clone package so this package has no import-cycle
// dependency on it.
type AdvertisedRef struct {
	Name     string
	ObjectID plumbing.Hash
	// SymrefTarget is set on the synthetic "HEAD" entry when the remote
	// advertised a symref capability pointing HEAD at a real branch.
	SymrefTarget string
}

// AltResource mirrors clone.AltResource without importing it.
type AltResource struct {
	URL      string
	Filetype string
}

// MappedRef is one ref the orchestrator wants pushed over the wire as a
// "want" during fetch negotiation.
type MappedRef struct {
	Name     string
	ObjectID plumbing.Hash
}

// Session is the Transport interface of spec.md §6.
type Session interface {
	GetRefsList(ctx context.Context) ([]AdvertisedRef, error)
	Fetch(ctx context.Context, wants []MappedRef, haves []plumbing.Hash) (io.ReadCloser, error)
	DownloadPrimer(ctx context.Context, alt AltResource, destDir string) (string, error)
	SetOption(key, value string)
	Disconnect() error
	// PrimeClone returns the remote's advertised primer, if any.
	PrimeClone(ctx context.Context) (AltResource, bool, error)
}

// Options are the transport option keys named in spec.md §4.F step 4.
type Options struct {
	Keep            bool
	Depth           int
	FollowTags      bool
	UploadPackPath  string
	PrimeClonePath  string
	IPFamily        string
	Progress        bool
}

// GoGitSession is a Session backed by go-git's plumbing/transport client
// machinery: it opens an UploadPackSession against the endpoint's
// scheme-appropriate transport (http(s) or ssh), exactly the layer
// go-git's own Remote.Fetch uses internally.
type GoGitSession struct {
	endpoint *gittransport.Endpoint
	auth     gittransport.AuthMethod
	opts     Options

	transport gittransport.Transport
	upload    gittransport.UploadPackSession
}

// NewGoGitSession resolves rawURL to an endpoint and constructs the
// scheme-appropriate go-git transport client. tokenSource, when non-nil,
// is used to build HTTP basic auth the same way clonemanager.authForRemote
// does.
func NewGoGitSession(rawURL string, tokenSource oauth2.TokenSource) (*GoGitSession, error) {
	ep, err := gittransport.NewEndpoint(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing endpoint %q: %v", ErrTransport, rawURL, err)
	}

	tr, err := client.NewClient(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: no transport for endpoint %q: %v", ErrTransport, rawURL, err)
	}

	var auth gittransport.AuthMethod
	switch ep.Protocol {
	case "http", "https":
		if tokenSource != nil {
			tok, err := tokenSource.Token()
			if err != nil {
				return nil, fmt.Errorf("resolving oauth2 token: %w", err)
			}
			auth = &githttp.BasicAuth{Username: "x-access-token", Password: tok.AccessToken}
		}
	case "ssh":
		if a, err := gitssh.NewSSHAgentAuth(ep.User); err == nil {
			auth = a
		}
	}

	return &GoGitSession{endpoint: ep, auth: auth, transport: tr}, nil
}

// SetOption implements Session.SetOption for the keys named in
// spec.md §4.F step 4.
func (s *GoGitSession) SetOption(key, value string) {
	switch key {
	case "keep":
		s.opts.Keep = value == "true"
	case "depth":
		if n, err := strconv.Atoi(value); err == nil {
			s.opts.Depth = n
		}
	case "follow-tags":
		s.opts.FollowTags = value == "true"
	case "upload-pack":
		s.opts.UploadPackPath = value
	case "prime-clone":
		s.opts.PrimeClonePath = value
	case "family":
		s.opts.IPFamily = value
	case "progress":
		s.opts.Progress = value == "true"
	}
}

func (s *GoGitSession) session() (gittransport.UploadPackSession, error) {
	if s.upload != nil {
		return s.upload, nil
	}
	up, err := s.transport.NewUploadPackSession(s.endpoint, s.auth)
	if err != nil {
		return nil, fmt.Errorf("%w: opening upload-pack session: %v", ErrTransport, err)
	}
	s.upload = up
	return up, nil
}

// GetRefsList implements Session.GetRefsList by requesting the remote's
// advertised-refs response and flattening it into AdvertisedRefs, with
// the synthetic HEAD entry carrying the symref target when the remote
// advertised one.
func (s *GoGitSession) GetRefsList(ctx context.Context) ([]AdvertisedRef, error) {
	up, err := s.session()
	if err != nil {
		return nil, err
	}

	adv, err := up.AdvertisedReferencesContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching advertised refs: %v", ErrTransport, err)
	}
	return flattenAdvertisedRefs(adv), nil
}

// flattenAdvertisedRefs turns a packp.AdvRefs response into AdvertisedRefs,
// with the synthetic HEAD entry carrying the symref target when the remote
// advertised one. adv.References also contains a "HEAD" entry whenever the
// remote advertises one; it's skipped once the symref capability has
// already supplied a HEAD entry with its target, so callers never see two
// refs named "HEAD".
func flattenAdvertisedRefs(adv *packp.AdvRefs) []AdvertisedRef {
	var out []AdvertisedRef
	haveSymrefHead := false
	if adv.Capabilities.Supports("symref") {
		for _, v := range adv.Capabilities.Get("symref") {
			// "HEAD:refs/heads/main" shaped values.
			if name, target, ok := splitSymref(v); ok && name == "HEAD" {
				out = append(out, AdvertisedRef{Name: "HEAD", SymrefTarget: target})
				haveSymrefHead = true
			}
		}
	}
	for name, hash := range adv.References {
		if name == "HEAD" && haveSymrefHead {
			continue
		}
		out = append(out, AdvertisedRef{Name: name, ObjectID: hash})
	}
	return out
}

func splitSymref(s string) (name, target string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Fetch implements Session.Fetch by issuing an upload-pack request
// carrying the wanted object ids, the haves, and the depth from Options
// (no other Options field is sent), and returns the raw packfile stream
// for the caller to persist and index.
func (s *GoGitSession) Fetch(ctx context.Context, wants []MappedRef, haves []plumbing.Hash) (io.ReadCloser, error) {
	up, err := s.session()
	if err != nil {
		return nil, err
	}

	req := packp.NewUploadPackRequest()
	for _, w := range wants {
		req.Wants = append(req.Wants, w.ObjectID)
	}
	req.Haves = append(req.Haves, haves...)
	if s.opts.Depth > 0 {
		req.Depth = packp.DepthCommits(s.opts.Depth)
	}

	resp, err := up.UploadPack(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return resp, nil
}

// DownloadPrimer implements Session.DownloadPrimer: it performs a plain
// HTTP GET of the primer URL and streams it into destDir, matching
// spec.md §4.D "Fetching": the download target is
// "<git_dir>/objects/pack/<name>.pack.temp" while in flight, and is
// renamed to its final name only once fully written.
func (s *GoGitSession) DownloadPrimer(ctx context.Context, alt AltResource, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, alt.URL, nil)
	if err != nil {
		return "", fmt.Errorf("building primer request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: downloading primer: %v", ErrPrimer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: primer download returned status %s", ErrPrimer, resp.Status)
	}

	final := filepath.Join(destDir, primerFileName(alt))
	temp := final + ".temp"

	f, err := os.Create(temp)
	if err != nil {
		return "", fmt.Errorf("creating primer temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: writing primer temp file: %v", ErrPrimer, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing primer temp file: %w", err)
	}
	if err := os.Rename(temp, final); err != nil {
		return "", fmt.Errorf("renaming primer temp file: %w", err)
	}
	return final, nil
}

func primerFileName(alt AltResource) string {
	switch alt.Filetype {
	case "pack":
		return "primer.pack"
	default:
		return "primer." + alt.Filetype
	}
}

// PrimeClone implements Session.PrimeClone by asking the remote's
// prime-clone capability (advertised alongside upload-pack, per
// spec.md glossary "primer / alt-resource") for an AltResource.
func (s *GoGitSession) PrimeClone(ctx context.Context) (AltResource, bool, error) {
	up, err := s.session()
	if err != nil {
		return AltResource{}, false, err
	}
	adv, err := up.AdvertisedReferencesContext(ctx)
	if err != nil {
		return AltResource{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !adv.Capabilities.Supports("prime-clone") {
		return AltResource{}, false, nil
	}
	values := adv.Capabilities.Get("prime-clone")
	if len(values) < 2 {
		return AltResource{}, false, nil
	}
	return AltResource{URL: values[0], Filetype: values[1]}, true, nil
}

// Disconnect implements Session.Disconnect.
func (s *GoGitSession) Disconnect() error {
	if s.upload == nil {
		return nil
	}
	err := s.upload.Close()
	s.upload = nil
	return err
}
