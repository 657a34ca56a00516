/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitconfig adapts go-git's config.Config to the narrow
// Config-store interface the clone orchestration core consumes
// (spec.md §6): set, set_multivar, and an iterator over remote.*,
// core.bare, core.worktree.
package gitconfig

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/config"
	format "github.com/go-git/go-git/v5/plumbing/format/config"
)

// Store is the Config-store interface consumed by the clone core.
type Store interface {
	Set(key, value string)
	SetMultivar(key, value, pattern string)
	Load() (*config.Config, error)
	Save(*config.Config) error
}

// FileStore is a Store backed by a go-git *config.Config loaded from and
// persisted back to a repository's "config" file.
type FileStore struct {
	path string
	cfg  *config.Config
}

// Open loads the config file at path, parsing whatever is already there,
// or starts from an empty in-memory config if it does not yet exist — the
// caller is responsible for Save persisting any changes back to disk.
func Open(path string) (*FileStore, error) {
	cfg := config.NewConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Nothing on disk yet; cfg stays empty.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return &FileStore{path: path, cfg: cfg}, nil
}

// Load returns the in-memory config Open parsed; it does not touch disk.
// The caller persists changes separately via Format and os.WriteFile.
func (f *FileStore) Load() (*config.Config, error) {
	return f.cfg, nil
}

// Save replaces the in-memory config with cfg; it does not touch disk.
// The caller persists it separately via Format and os.WriteFile.
func (f *FileStore) Save(cfg *config.Config) error {
	f.cfg = cfg
	return nil
}

// Set implements the "set(key, value)" operation of spec.md §6. Keys are
// "section.subsection.name" or "section.name".
func (f *FileStore) Set(key, value string) {
	section, subsection, name := splitKey(key)
	s := f.cfg.Raw.Section(section)
	if subsection != "" {
		s.Subsection(subsection).SetOption(name, value)
		return
	}
	s.SetOption(name, value)
}

// SetMultivar implements "set_multivar(key, value, pattern)": it appends
// value as an additional occurrence of key rather than replacing existing
// ones, filtered by pattern (an exact-match filter in this implementation,
// matching the narrow use the Config Writer makes of it).
func (f *FileStore) SetMultivar(key, value, pattern string) {
	section, subsection, name := splitKey(key)
	s := f.cfg.Raw.Section(section)
	if subsection != "" {
		ss := s.Subsection(subsection)
		for _, existing := range ss.Options.GetAll(name) {
			if pattern != "" && existing == pattern {
				return
			}
		}
		ss.AddOption(name, value)
		return
	}
	for _, existing := range s.Options.GetAll(name) {
		if pattern != "" && existing == pattern {
			return
		}
	}
	s.AddOption(name, value)
}

// RemoteInfo is one entry from the get_remote_info iterator.
type RemoteInfo struct {
	Name         string
	URL          string
	FetchPattern string
	Mirror       bool
}

// IterateRemotes implements the "get_remote_info iterator delivering
// remote.*, core.bare, core.worktree" operation of spec.md §6.
func IterateRemotes(cfg *config.Config) ([]RemoteInfo, bool, string) {
	var remotes []RemoteInfo
	for _, s := range cfg.Raw.Section("remote").Subsections {
		info := RemoteInfo{Name: s.Name, URL: s.Options.Get("url")}
		if fetch := s.Options.Get("fetch"); fetch != "" {
			info.FetchPattern = fetch
		}
		if s.Options.Get("mirror") == "true" {
			info.Mirror = true
		}
		remotes = append(remotes, info)
	}
	core := cfg.Raw.Section("core")
	bare := core.Options.Get("bare") == "true"
	worktree := core.Options.Get("worktree")
	return remotes, bare, worktree
}

func splitKey(key string) (section, subsection, name string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return key, "", ""
	}
	section = parts[0]
	rest := parts[1]
	if idx := strings.LastIndex(rest, "."); idx >= 0 {
		return section, rest[:idx], rest[idx+1:]
	}
	return section, "", rest
}

// Format renders cfg in the file format go-git/gcfg parses back in on the
// next Open. It encodes cfg.Raw directly, so values written through Set
// and SetMultivar are rendered as they stand.
func Format(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := format.NewEncoder(&buf).Encode(cfg.Raw); err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return buf.Bytes(), nil
}
