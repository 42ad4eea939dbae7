// Copyright 2024 The Masterd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the normalized, wire-visible error taxonomy shared
// by every masterd component. Errors are declared once with Normalize and
// reused everywhere so callers can match on them with errors.Is instead of
// string-comparing messages.
package errors

import "github.com/pingcap/errors"

// Wire-visible error kinds.
var (
	// ErrLeaderNotFound is returned when no leader is currently registered
	// for a service. Clients are expected to retry with backoff.
	ErrLeaderNotFound = errors.Normalize(
		"no leader registered for service %s",
		errors.RFCCodeText("MASTERD:ErrLeaderNotFound"),
	)
	// ErrActorNotFound is returned on an ActorIndex/UidCache lookup miss.
	ErrActorNotFound = errors.Normalize(
		"actor not found: %s",
		errors.RFCCodeText("MASTERD:ErrActorNotFound"),
	)
	// ErrAlreadyRegistered is returned when (class, name) is already bound
	// to a different host than the one attempting to register.
	ErrAlreadyRegistered = errors.Normalize(
		"actor already registered under a different host: %s",
		errors.RFCCodeText("MASTERD:ErrAlreadyRegistered"),
	)
	// ErrInvalidService is returned when a request carries a service id
	// different from the leader's own.
	ErrInvalidService = errors.Normalize(
		"request service id %s does not match leader service id %s",
		errors.RFCCodeText("MASTERD:ErrInvalidService"),
	)
	// ErrRPCFailed wraps a transport-level placement RPC failure. It is
	// logged and swallowed by the reconciler, never surfaced to a caller.
	ErrRPCFailed = errors.Normalize(
		"rpc failed: %s",
		errors.RFCCodeText("MASTERD:ErrRPCFailed"),
	)
)

// IsLeaderNotFound reports whether err (or one of its causes) is
// ErrLeaderNotFound, the only error the client retry helper acts on.
func IsLeaderNotFound(err error) bool {
	return ErrLeaderNotFound.Equal(err)
}
