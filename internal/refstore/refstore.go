/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package refstore adapts go-git's filesystem-backed reference storage to
// the narrow Ref-store interface the clone orchestration core consumes
// (spec.md §6): begin_transaction/create/commit, create_symref,
// update_ref, ref_exists, delete_ref.
package refstore

import (
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// ErrTransaction is returned when a transaction fails to commit, the
// RefStoreError condition of spec.md §7.
var ErrTransaction = errors.New("ref store transaction failed")

// Store is the Ref-store interface consumed by the clone core.
type Store struct {
	storage *filesystem.Storage
}

// Open opens (creating if necessary) the reference storage rooted at
// gitDir, backed by go-billy's osfs the same way go-git's own
// storage/filesystem package is constructed from PlainInit/PlainOpen.
func Open(gitDir string) (*Store, error) {
	fs := osfs.New(gitDir)
	storage := filesystem.NewStorage(fs, nil)
	return &Store{storage: storage}, nil
}

// pendingRef is one staged reference plus the force flag its refspec
// carried, consulted at Commit time.
type pendingRef struct {
	ref   *plumbing.Reference
	force bool
}

// Transaction accumulates a batch of ref creations to commit atomically,
// implementing begin_transaction()/create()/commit().
type Transaction struct {
	store   *Store
	pending []pendingRef
	done    bool
}

// BeginTransaction implements begin_transaction().
func (s *Store) BeginTransaction() *Transaction {
	return &Transaction{store: s}
}

// Create implements create(name, oid): stage a new reference for this
// transaction. It does not touch disk until Commit. force mirrors the "+"
// marker of the refspec that mapped this ref (Refspec.Force): without it,
// Commit refuses to overwrite a ref that already exists with a different
// value, the same guard git's own non-force refspecs apply.
func (t *Transaction) Create(name plumbing.ReferenceName, oid plumbing.Hash, force bool) error {
	if t.done {
		return fmt.Errorf("%w: transaction already committed", ErrTransaction)
	}
	t.pending = append(t.pending, pendingRef{ref: plumbing.NewHashReference(name, oid), force: force})
	return nil
}

// Commit implements commit(): installs every staged reference. Either
// every staged reference becomes visible or, on the first failure, the
// ones already written are rolled back — this is what makes the
// Orchestrator's ref install atomic per spec.md §8 invariant 1.
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("%w: transaction already committed", ErrTransaction)
	}
	t.done = true

	var written []plumbing.ReferenceName
	for _, p := range t.pending {
		if !p.force {
			if cur, err := t.store.storage.Reference(p.ref.Name()); err == nil && cur.Hash() != p.ref.Hash() {
				for _, name := range written {
					_ = t.store.storage.RemoveReference(name)
				}
				return fmt.Errorf("%w: refusing non-force update of %s: existing value would be overwritten", ErrTransaction, p.ref.Name())
			}
		}
		if err := t.store.storage.SetReference(p.ref); err != nil {
			for _, name := range written {
				_ = t.store.storage.RemoveReference(name)
			}
			return fmt.Errorf("%w: setting %s: %v", ErrTransaction, p.ref.Name(), err)
		}
		written = append(written, p.ref.Name())
	}
	return nil
}

// CreateSymref implements create_symref(name, target).
func (s *Store) CreateSymref(name, target plumbing.ReferenceName) error {
	ref := plumbing.NewSymbolicReference(name, target)
	if err := s.storage.SetReference(ref); err != nil {
		return fmt.Errorf("%w: setting symref %s -> %s: %v", ErrTransaction, name, target, err)
	}
	return nil
}

// UpdateRefFlags controls optional validation UpdateRef performs before
// writing, mirroring the "flags" argument of spec.md §6.
type UpdateRefFlags struct {
	// OldOID, when non-zero, requires the current value to match before
	// the update is applied (a compare-and-swap update).
	OldOID plumbing.Hash
}

// UpdateRef implements update_ref(name, oid, flags).
func (s *Store) UpdateRef(name plumbing.ReferenceName, oid plumbing.Hash, flags UpdateRefFlags) error {
	if flags.OldOID != plumbing.ZeroHash {
		cur, err := s.storage.Reference(name)
		if err != nil || cur.Hash() != flags.OldOID {
			return fmt.Errorf("%w: compare-and-swap update of %s failed", ErrTransaction, name)
		}
	}
	return s.storage.SetReference(plumbing.NewHashReference(name, oid))
}

// RefExists implements ref_exists(name).
func (s *Store) RefExists(name plumbing.ReferenceName) bool {
	_, err := s.storage.Reference(name)
	return err == nil
}

// DeleteRef implements delete_ref(name, oid): the oid is a guard — the
// deletion only proceeds if the current value still matches, preventing a
// race with a concurrent updater (used by the Primer Subsystem's Done
// phase to remove its temporary refs).
func (s *Store) DeleteRef(name plumbing.ReferenceName, oid plumbing.Hash) error {
	cur, err := s.storage.Reference(name)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil
		}
		return fmt.Errorf("looking up %s before delete: %w", name, err)
	}
	if cur.Hash() != oid {
		return fmt.Errorf("%w: ref %s changed since it was read, refusing delete", ErrTransaction, name)
	}
	return s.storage.RemoveReference(name)
}
