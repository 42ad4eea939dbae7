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

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbitcore/masterd/pkg/model"
)

// Outcome is what a single Tick decided, driving MasterLoop's reaction.
type Outcome int

const (
	// OutcomeNoChange means nothing changed this tick: the name is
	// unclaimed but the claim rate limiter refused an attempt.
	OutcomeNoChange Outcome = iota
	// OutcomeRemainLeader: this node is, and remains, the leader.
	OutcomeRemainLeader
	// OutcomeBecameLeader: this node just won the claim. The caller should
	// initialize empty follower/instance maps and broadcast a check_leader
	// hint to peers.
	OutcomeBecameLeader
	// OutcomeOtherIsLeader: this node believed it was leader but the
	// registry disagrees; the Elector has already dropped its own
	// leadership. MasterLoop steps down to follower on this outcome and
	// keeps running; it does not exit.
	OutcomeOtherIsLeader
	// OutcomeFollowerRegistered: the caller should call
	// register_follower(self) against Leader.
	OutcomeFollowerRegistered
	// OutcomeWaiting: the registered holder changed to someone other than
	// our believed leader; we monitor it but wait for the previous
	// leader's liveness notification before re-registering.
	OutcomeWaiting
)

// TickResult reports the outcome of one Tick and, when relevant, who the
// current (or new) leader is.
type TickResult struct {
	Outcome Outcome
	Leader  Candidate
}

// Elector implements the LeaderElector state machine (component C3) against
// any Registry. It holds no goroutines of its own: the owning MasterLoop
// drives Tick on its own timer, keeping the single-writer discipline intact.
type Elector struct {
	cfg      Config
	registry Registry
	resolver ConflictResolver
	limiter  *rate.Limiter
	log      *zap.Logger

	isLeader       bool
	believedLeader *Candidate
	pendingLeader  *Candidate
}

// New returns an Elector for cfg. cfg must already be valid
// (AdjustAndValidate called).
func New(cfg Config, resolver ConflictResolver, logger *zap.Logger) *Elector {
	if resolver == nil {
		resolver = DefaultResolver
	}
	if logger == nil {
		logger = log.L()
	}
	return &Elector{
		cfg:      cfg,
		registry: cfg.Registry,
		resolver: resolver,
		// Bound claim attempts so a thundering herd of followers doesn't
		// hammer the registry while a name is contested.
		limiter: rate.NewLimiter(rate.Limit(0.2), 1),
		log:     logger,
	}
}

// IsLeader reports the last known leadership state, for metrics/snapshots.
func (e *Elector) IsLeader() bool { return e.isLeader }

// Tick runs one iteration of the leader election decision procedure.
func (e *Elector) Tick(ctx context.Context) (TickResult, error) {
	name := leaderKey(e.cfg.ServiceID)
	current, ok, err := e.registry.Current(ctx, name)
	if err != nil {
		return TickResult{}, err
	}

	if e.isLeader {
		if ok && current.Node == e.cfg.Self {
			return TickResult{Outcome: OutcomeRemainLeader, Leader: current}, nil
		}
		e.log.Warn("registry disagrees with believed leadership, stepping down",
			zap.String("service", string(e.cfg.ServiceID)))
		e.isLeader = false
		e.believedLeader = nil
		return TickResult{Outcome: OutcomeOtherIsLeader}, nil
	}

	if ok {
		if current.Node == e.cfg.Self {
			// The registry already names us (e.g. a session that survived
			// a local restart); adopt leadership without re-claiming.
			e.isLeader = true
			e.believedLeader = &current
			e.pendingLeader = nil
			return TickResult{Outcome: OutcomeBecameLeader, Leader: current}, nil
		}
		if e.believedLeader == nil || current.Node == e.believedLeader.Node {
			e.believedLeader = &current
			e.pendingLeader = nil
			return TickResult{Outcome: OutcomeFollowerRegistered, Leader: current}, nil
		}
		// The registry now names someone other than who we believed was
		// leader. Monitor them but don't re-register until the previous
		// leader's death is confirmed.
		e.pendingLeader = &current
		return TickResult{Outcome: OutcomeWaiting, Leader: current}, nil
	}

	if !e.limiter.Allow() {
		return TickResult{Outcome: OutcomeNoChange}, nil
	}
	self := Candidate{Node: e.cfg.Self, StartTime: e.cfg.StartTime}
	won, winner, err := e.registry.Claim(ctx, name, self, e.resolver)
	if err != nil {
		return TickResult{}, err
	}
	if won {
		e.isLeader = true
		e.believedLeader = &self
		e.pendingLeader = nil
		return TickResult{Outcome: OutcomeBecameLeader, Leader: self}, nil
	}
	e.believedLeader = &winner
	e.pendingLeader = nil
	return TickResult{Outcome: OutcomeFollowerRegistered, Leader: winner}, nil
}

// Watch streams the believed leader's liveness, translating the registry's
// raw Candidate stream into NodeID death notifications MasterLoop can feed
// straight into NotifyLeaderDied: a delivery names a node that just
// disappeared from the registry with no successor yet claiming the name.
// Deliveries where the name simply changed hands (no gap) are not reported
// as deaths; MasterLoop observes the new holder on its next Tick.
func (e *Elector) Watch(ctx context.Context) (<-chan model.NodeID, error) {
	raw, err := e.registry.Watch(ctx, leaderKey(e.cfg.ServiceID))
	if err != nil {
		return nil, err
	}
	out := make(chan model.NodeID, 8)
	go func() {
		defer close(out)
		var lastSeen model.NodeID
		for c := range raw {
			if c.Node == "" {
				if lastSeen != "" {
					out <- lastSeen
					lastSeen = ""
				}
				continue
			}
			lastSeen = c.Node
		}
	}()
	return out, nil
}

// NotifyLeaderDied is called by MasterLoop when the liveness monitor on the
// believed leader fires. If a pending leader was already observed waiting
// for this death, it is promoted so the very next Tick
// registers with it instead of re-discovering it from the registry.
func (e *Elector) NotifyLeaderDied(dead model.NodeID) {
	if e.believedLeader != nil && e.believedLeader.Node == dead {
		e.believedLeader = nil
	}
	if e.pendingLeader != nil {
		e.believedLeader = e.pendingLeader
		e.pendingLeader = nil
	}
}

// Resign voluntarily releases leadership, used on orderly MasterLoop
// shutdown so a follower can claim without waiting out the lease TTL.
func (e *Elector) Resign(ctx context.Context) error {
	if !e.isLeader {
		return nil
	}
	err := e.registry.Resign(ctx, leaderKey(e.cfg.ServiceID), e.cfg.Self)
	e.isLeader = false
	e.believedLeader = nil
	return err
}
