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

// Package nodewatch defines the NodeService interface MasterLoop consumes
// (the collaborator publishing the fleet's node set) and a default
// etcd-backed implementation.
package nodewatch

import (
	"context"

	"github.com/orbitcore/masterd/pkg/model"
)

// NodeSetUpdate is delivered to the subscriber whenever the known node set
// changes. It always carries the full current map, not a diff, per
// MasterLoop's node_set_update contract.
type NodeSetUpdate struct {
	Nodes map[model.NodeID]model.NodeInfo
	Err   error
}

// Service is the NodeService collaborator.
type Service interface {
	// Subscribe starts delivering NodeSetUpdate values, beginning with a
	// synthetic update carrying the current snapshot. The returned channel
	// closes when ctx is done or the underlying watch cannot continue.
	Subscribe(ctx context.Context) (<-chan NodeSetUpdate, error)
}
