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

// Package master implements MasterLoop (component C5): the per-service,
// per-node single-writer actor that owns MasterState, routes requests to
// ActorIndex/UidCache/LeaderElector/PlacementReconciler, and dispatches
// UserCallbacks.
package master

import (
	"go.uber.org/atomic"

	"github.com/orbitcore/masterd/callbacks"
	"github.com/orbitcore/masterd/pkg/actorindex"
	"github.com/orbitcore/masterd/pkg/model"
)

// State is MasterState: one per service, per node. Every field is
// touched only by the owning Loop goroutine except IsLeader, which is read
// from other goroutines (e.g. a metrics scrape) and is therefore a lock-free
// flag.
type State struct {
	ServiceID model.ServiceID

	IsLeader atomic.Bool

	// LeaderHost is whom this instance currently believes is leader,
	// monitored once believed (zero Handle when this instance IS leader,
	// or when no leader has been observed yet).
	LeaderHost model.Handle
	// NodeSubscription is the monitored handle backing the NodeService
	// subscription, present so a dead subscription can be told apart from
	// an intentionally empty one.
	NodeSubscription model.Handle

	// Followers is populated only while IsLeader is true.
	Followers map[model.NodeID]model.Handle
	Nodes     map[model.NodeID]model.NodeInfo
	// Instances and ActorIndex are populated only while IsLeader is true.
	Instances  map[model.NodeID]model.InstanceStatus
	ActorIndex *actorindex.Index
	// Spec is the canonical ServiceSpec last observed from ConfigStore.
	// Spec.VersionHash is authoritative for reconciliation's version check.
	Spec model.ServiceSpec

	UserState callbacks.UserState
}

// NewState returns a freshly initialized, non-leader State for serviceID.
func NewState(serviceID model.ServiceID) *State {
	return &State{
		ServiceID: serviceID,
		Followers: make(map[model.NodeID]model.Handle),
		Nodes:     make(map[model.NodeID]model.NodeInfo),
		Instances: make(map[model.NodeID]model.InstanceStatus),
	}
}

// becomeLeader resets the leader-only views to empty.
func (s *State) becomeLeader(index *actorindex.Index) {
	s.IsLeader.Store(true)
	s.LeaderHost = model.Handle{}
	s.Followers = make(map[model.NodeID]model.Handle)
	s.Instances = make(map[model.NodeID]model.InstanceStatus)
	s.ActorIndex = index
}

// becomeFollower clears the leader-only views, releasing the ActorIndex.
func (s *State) becomeFollower(leader model.Handle) {
	s.IsLeader.Store(false)
	s.LeaderHost = leader
	s.Followers = make(map[model.NodeID]model.Handle)
	s.Instances = nil
	s.ActorIndex = nil
}
