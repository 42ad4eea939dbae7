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

// Package election implements the per-service LeaderElector (component
// C3): claiming the cluster-global name leader(service_id), observing who
// currently holds it, and resolving simultaneous claims deterministically.
package election

import (
	"time"

	"github.com/pingcap/errors"

	"github.com/orbitcore/masterd/pkg/model"
)

const (
	defaultTickInterval = 5 * time.Second
	defaultLeaseSeconds = 10
)

// Config configures one Elector instance.
type Config struct {
	// ServiceID names the contested leader(service_id) key.
	ServiceID model.ServiceID
	// Self identifies this node for claim/resign/resolver purposes.
	Self model.NodeID
	// StartTime is this node's process start time, used as the resolver's
	// primary tiebreak
	StartTime time.Time
	// Registry is the cluster-global name registry backing the claim.
	Registry Registry
	// TickInterval is how often the Elector re-evaluates leadership. It
	// defaults to 5s
	TickInterval time.Duration
	// LeaseSeconds bounds how long a claim survives without renewal
	// (etcd-backed registries use this as the session TTL). Defaults to 10s.
	LeaseSeconds int64
}

// AdjustAndValidate fills in defaults and rejects invalid configurations.
func (c *Config) AdjustAndValidate() error {
	if c.ServiceID == "" {
		return errors.Errorf("election: ServiceID must not be empty")
	}
	if c.Self == "" {
		return errors.Errorf("election: Self must not be empty")
	}
	if c.Registry == nil {
		return errors.Errorf("election: Registry must not be nil")
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = defaultLeaseSeconds
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	return nil
}
