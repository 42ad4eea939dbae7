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

// Package runtimerpc defines the ServiceRuntime interface PlacementReconciler
// drives (the collaborator that starts/stops/updates/replaces service
// instances on a node) and a default gRPC-pooled client (component C10).
package runtimerpc

import (
	"context"

	"github.com/orbitcore/masterd/pkg/model"
)

// Result is the outcome of a placement RPC.
type Result int

const (
	// ResultOK: the RPC succeeded.
	ResultOK Result = iota
	// ResultAlreadyStarted: start was idempotently a no-op.
	ResultAlreadyStarted
)

// Runtime is the ServiceRuntime collaborator PlacementReconciler calls.
// Every method is safe to retry: start returns ResultAlreadyStarted on
// duplicates, stop on a non-existent instance is a no-op.
type Runtime interface {
	Start(ctx context.Context, node model.NodeID, spec model.ServiceSpec) (Result, error)
	Stop(ctx context.Context, node model.NodeID, service model.ServiceID) error
	Update(ctx context.Context, node model.NodeID, spec model.ServiceSpec) error
	// Replace is modeled as stop-then-start against a (possibly new)
	// ServiceSpec, distinct from an in-place Update.
	Replace(ctx context.Context, node model.NodeID, spec model.ServiceSpec) error
}
