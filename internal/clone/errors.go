/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clone

import "errors"

// The sentinel errors below implement the error taxonomy of spec.md §7.
// Callers use errors.Is/errors.As to distinguish fatal conditions from the
// two partially-recoverable ones (PrimerError, CheckoutError) rather than
// matching on error strings.
var (
	// ErrValidation covers option conflicts, malformed --depth, an empty
	// guessed directory name, or a non-empty destination.
	ErrValidation = errors.New("validation error")

	// ErrEnvironment covers a missing/unreadable source, an unsupported
	// reference-repository kind, or a shallow/grafted reference repo.
	ErrEnvironment = errors.New("environment error")

	// ErrTransport covers an unreachable remote or a transport lacking a
	// required capability.
	ErrTransport = errors.New("transport error")

	// ErrConnectivity covers the remote failing to send all needed
	// objects.
	ErrConnectivity = errors.New("connectivity error")

	// ErrRefStore covers a ref transaction failing to commit.
	ErrRefStore = errors.New("ref store error")

	// ErrPrimer covers primer download/index/install failure. Whether it
	// is fatal depends on resume mode; see PrimerError.
	ErrPrimer = errors.New("primer error")

	// ErrCheckout covers working-tree population failing. The repository
	// is left usable; see CheckoutError.
	ErrCheckout = errors.New("checkout error")
)

// PrimerError wraps a primer-subsystem failure together with whether the
// run is in --resume mode, which determines recoverability: recoverable
// (fall back to a full clone) outside resume, fatal inside it.
type PrimerError struct {
	Err    error
	Resume bool
}

func (e *PrimerError) Error() string {
	if e.Resume {
		return "primer error (fatal, resuming): " + e.Err.Error()
	}
	return "primer error (recoverable): " + e.Err.Error()
}

func (e *PrimerError) Unwrap() error { return e.Err }

// Is reports equivalence with ErrPrimer for errors.Is callers that don't
// care about the resume flag.
func (e *PrimerError) Is(target error) bool { return target == ErrPrimer }

// Fatal reports whether this primer failure must abort the whole clone.
func (e *PrimerError) Fatal() bool { return e.Resume }

// CheckoutError wraps a working-tree population failure. It is always
// partially recoverable: the repository itself is left usable and the
// process should still exit non-zero.
type CheckoutError struct {
	Err error
}

func (e *CheckoutError) Error() string { return "checkout failed: " + e.Err.Error() }
func (e *CheckoutError) Unwrap() error { return e.Err }
func (e *CheckoutError) Is(target error) bool { return target == ErrCheckout }
