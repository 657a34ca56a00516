/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refstore

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
)

func TestTransactionCommitInstallsAllRefs(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn := store.BeginTransaction()
	refs := map[plumbing.ReferenceName]plumbing.Hash{
		"refs/heads/main": plumbing.NewHash("aa"),
		"refs/heads/dev":  plumbing.NewHash("bb"),
	}
	for name, oid := range refs {
		if err := txn.Create(name, oid, true); err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for name, oid := range refs {
		if !store.RefExists(name) {
			t.Errorf("expected %s to exist after commit", name)
		}
		_ = oid
	}
}

func TestTransactionCannotBeReused(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn := store.BeginTransaction()
	if err := txn.Create("refs/heads/main", plumbing.NewHash("aa"), true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := txn.Create("refs/heads/other", plumbing.NewHash("bb"), true); err == nil {
		t.Fatalf("expected Create after Commit to fail")
	}
	if err := txn.Commit(); err == nil {
		t.Fatalf("expected a second Commit to fail")
	}
}

func TestTransactionCommitRefusesNonForceOverwrite(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const name plumbing.ReferenceName = "refs/heads/main"
	if err := store.UpdateRef(name, plumbing.NewHash("aa"), UpdateRefFlags{}); err != nil {
		t.Fatalf("seeding initial ref: %v", err)
	}

	txn := store.BeginTransaction()
	if err := txn.Create(name, plumbing.NewHash("bb"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := txn.Commit(); err == nil {
		t.Fatalf("expected a non-force Commit to refuse overwriting an existing, different ref")
	}
	cur, err := store.storage.Reference(name)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if cur.Hash() != plumbing.NewHash("aa") {
		t.Errorf("expected the original value to survive a refused non-force update, got %s", cur.Hash())
	}
}

func TestTransactionCommitForceOverwritesExistingRef(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const name plumbing.ReferenceName = "refs/heads/main"
	if err := store.UpdateRef(name, plumbing.NewHash("aa"), UpdateRefFlags{}); err != nil {
		t.Fatalf("seeding initial ref: %v", err)
	}

	txn := store.BeginTransaction()
	if err := txn.Create(name, plumbing.NewHash("bb"), true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("expected a force Commit to succeed: %v", err)
	}
	cur, err := store.storage.Reference(name)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if cur.Hash() != plumbing.NewHash("bb") {
		t.Errorf("expected the forced value to win, got %s", cur.Hash())
	}
}

func TestCreateSymref(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.CreateSymref(plumbing.HEAD, "refs/heads/main"); err != nil {
		t.Fatalf("CreateSymref: %v", err)
	}
	if !store.RefExists(plumbing.HEAD) {
		t.Errorf("expected HEAD to exist after CreateSymref")
	}
}

func TestUpdateRefCompareAndSwap(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const name plumbing.ReferenceName = "refs/heads/main"
	oid1 := plumbing.NewHash("aa")
	oid2 := plumbing.NewHash("bb")

	if err := store.UpdateRef(name, oid1, UpdateRefFlags{}); err != nil {
		t.Fatalf("initial UpdateRef: %v", err)
	}

	// A compare-and-swap against the wrong old value must fail.
	if err := store.UpdateRef(name, oid2, UpdateRefFlags{OldOID: plumbing.NewHash("cc")}); err == nil {
		t.Fatalf("expected compare-and-swap against a stale oid to fail")
	}

	// A compare-and-swap against the right old value must succeed.
	if err := store.UpdateRef(name, oid2, UpdateRefFlags{OldOID: oid1}); err != nil {
		t.Fatalf("expected compare-and-swap against the current oid to succeed: %v", err)
	}
}

func TestDeleteRefGuardsAgainstStaleValue(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const name plumbing.ReferenceName = "refs/temp/origin/resume/temp-aa"
	oid := plumbing.NewHash("aa")
	if err := store.UpdateRef(name, oid, UpdateRefFlags{}); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	if err := store.DeleteRef(name, plumbing.NewHash("bb")); err == nil {
		t.Fatalf("expected DeleteRef with a mismatched oid to be refused")
	}
	if !store.RefExists(name) {
		t.Fatalf("ref should still exist after a refused delete")
	}

	if err := store.DeleteRef(name, oid); err != nil {
		t.Fatalf("DeleteRef with the correct oid: %v", err)
	}
	if store.RefExists(name) {
		t.Fatalf("ref should be gone after a successful delete")
	}
}

func TestDeleteRefOfMissingRefIsNoOp(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.DeleteRef("refs/heads/never-existed", plumbing.NewHash("aa")); err != nil {
		t.Fatalf("expected deleting a nonexistent ref to be a no-op, got: %v", err)
	}
}
