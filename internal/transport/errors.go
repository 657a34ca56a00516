/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package transport

import "errors"

// These mirror the corresponding sentinels in internal/clone/errors.go.
// The transport package cannot import internal/clone (clone depends on
// transport, not the reverse), so it defines its own; the clone package
// returns them to its callers as they are.
var (
	ErrTransport    = errors.New("transport error")
	ErrConnectivity = errors.New("connectivity error")
	ErrPrimer       = errors.New("primer error")
)
