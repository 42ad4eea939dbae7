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

// Package model holds the data types shared across masterd's components:
// service and node identifiers, the actor identity tuple, and the
// read-only views the core receives from NodeService and ServiceRuntime.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceID is the opaque, stable identifier of a configured service.
type ServiceID string

// NodeID is a cluster-unique node identifier.
type NodeID string

// Handle is a liveness-observable reference to a process on some node: Host
// in ActorID, LeaderHost and the Followers values in MasterState are all
// Handles.
type Handle struct {
	Node NodeID
	Ref  string
}

// Empty reports whether h is the zero Handle.
func (h Handle) Empty() bool { return h.Node == "" && h.Ref == "" }

// String implements fmt.Stringer.
func (h Handle) String() string { return string(h.Node) + "/" + h.Ref }

// NewRef generates a fresh process-local reference distinguishing one
// MasterLoop incarnation on a node from the next across restarts, the same
// way a freshly (re)started process mints its own new identity rather than
// reusing a stale one. Handle stands in for a pid, which a real OS process
// would not need to mint itself.
func NewRef() string { return uuid.New().String() }

// ActorID identifies one actor incarnation. (Service, Class, Name) uniquely
// names the logical actor; UID is a globally unique, immutable identifier
// for this particular incarnation; Host is where it currently lives.
type ActorID struct {
	Service ServiceID
	Class   string
	Name    string
	UID     string
	Host    Handle
}

// NodeStatus is the liveness state NodeService reports for a node.
type NodeStatus int

const (
	// NodeUnknown covers any status this core does not specifically
	// reason about; such nodes fall in the reconciler's Unknown partition.
	NodeUnknown NodeStatus = iota
	// NodeNormal nodes are eligible to host a service instance.
	NodeNormal
	// NodeDown nodes must not host an instance; existing instances there
	// are stopped.
	NodeDown
)

// String implements fmt.Stringer.
func (s NodeStatus) String() string {
	switch s {
	case NodeNormal:
		return "normal"
	case NodeDown:
		return "down"
	default:
		return "unknown"
	}
}

// NodeInfo is NodeService's read-only view of one node.
type NodeInfo struct {
	ID      NodeID
	Status  NodeStatus
	Address string
}

// InstanceStatus is ServiceRuntime's read-only view of the instance it runs
// for a given service on a given node.
type InstanceStatus struct {
	Node        NodeID
	VersionHash string
	ReportedAt  time.Time
}

// ServiceSpec is the canonical, versioned configuration for a service, as
// sourced from ConfigStore. Payload is opaque to this core; it is handed
// verbatim to ServiceRuntime's start/update RPCs.
type ServiceSpec struct {
	ServiceID   ServiceID
	VersionHash string
	Payload     []byte
}
