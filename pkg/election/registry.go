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

package election

import (
	"context"
	"time"

	"github.com/orbitcore/masterd/pkg/model"
)

// Candidate is the value stored under a contested name: who holds it, and
// the process-local constant (start time) the resolver tiebreaks on.
type Candidate struct {
	Node      model.NodeID
	StartTime time.Time
}

// Equal reports whether two candidates name the same node.
func (c Candidate) Equal(o Candidate) bool { return c.Node == o.Node }

// ConflictResolver picks a winner between two candidates racing for the
// same name: earlier StartTime wins, ties broken by a stable secondary
// ordering (node id) so the outcome is deterministic regardless of arrival
// order.
type ConflictResolver func(name string, a, b Candidate) Candidate

// DefaultResolver implements the policy.
func DefaultResolver(_ string, a, b Candidate) Candidate {
	if a.StartTime.Before(b.StartTime) {
		return a
	}
	if b.StartTime.Before(a.StartTime) {
		return b
	}
	if a.Node <= b.Node {
		return a
	}
	return b
}

// Registry is the cluster-global name registry Transport must provide:
// atomic claim of a single name, with a conflict resolver invoked when two
// candidates claim it at once.
type Registry interface {
	// Current returns the registered holder of name, if any.
	Current(ctx context.Context, name string) (Candidate, bool, error)
	// Claim attempts to atomically become the holder of name. If the name
	// is unclaimed, self wins outright. If it is already claimed, resolver
	// is consulted (see EtcdRegistry for when this is actually reachable
	// versus already serialized by the backing store) and the loser's
	// Claim call returns won=false with current set to the winner.
	Claim(ctx context.Context, name string, self Candidate, resolver ConflictResolver) (won bool, current Candidate, err error)
	// Resign releases name if self currently holds it. A no-op otherwise.
	Resign(ctx context.Context, name string, self model.NodeID) error
	// Watch delivers the current holder of name whenever it changes,
	// including a synthetic delivery of Candidate{} when the holder's
	// lease/session expires. Used to monitor the believed leader's
	// liveness
	Watch(ctx context.Context, name string) (<-chan Candidate, error)
}

// leaderKey is the name contested for a given service,
func leaderKey(serviceID model.ServiceID) string {
	return "leader(" + string(serviceID) + ")"
}
