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

// Package reconciler implements PlacementReconciler (component C4): the
// pure, idempotent decision procedure that drives observed instance
// placement toward "one instance per healthy node at the leader's version",
// plus the best-effort RPC dispatch that carries it out.
package reconciler

import (
	"context"
	"sort"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/orbitcore/masterd/pkg/metrics"
	"github.com/orbitcore/masterd/pkg/model"
	"github.com/orbitcore/masterd/pkg/runtimerpc"
)

// Decision is the output of one reconciliation pass.
type Decision struct {
	ToStop            []model.NodeID
	ToStart           []model.NodeID
	DropFromInstances []model.NodeID
	ToUpdate          []model.NodeID
}

// Empty reports whether the decision issues no work at all, i.e.
// reconciliation is idempotent at this input.
func (d Decision) Empty() bool {
	return len(d.ToStop) == 0 && len(d.ToStart) == 0 && len(d.DropFromInstances) == 0 && len(d.ToUpdate) == 0
}

// Decide runs the single-pass decision procedure against the current
// nodes/instances view and the leader's authoritative version hash.
// It is a pure function: the same inputs always produce the same Decision.
func Decide(nodes map[model.NodeID]model.NodeInfo, instances map[model.NodeID]model.InstanceStatus, versionHash string) Decision {
	running := make(map[model.NodeID]struct{})
	notRunning := make(map[model.NodeID]struct{})
	for id, info := range nodes {
		switch info.Status {
		case model.NodeNormal:
			running[id] = struct{}{}
		case model.NodeDown:
			notRunning[id] = struct{}{}
		}
	}

	var d Decision
	for id := range instances {
		if _, down := notRunning[id]; down {
			d.ToStop = append(d.ToStop, id)
			continue
		}
		if _, ok := running[id]; !ok {
			// Not NotRunning (checked above) and not Running: an
			// unknown-status node. Drop it from Instances rather than
			// guess its state.
			d.DropFromInstances = append(d.DropFromInstances, id)
		}
	}
	for id := range running {
		if _, ok := instances[id]; !ok {
			d.ToStart = append(d.ToStart, id)
		}
	}
	if versionHash != "" {
		for id := range running {
			inst, ok := instances[id]
			if ok && inst.VersionHash != versionHash {
				d.ToUpdate = append(d.ToUpdate, id)
			}
		}
	}

	sortNodes(d.ToStop)
	sortNodes(d.ToStart)
	sortNodes(d.DropFromInstances)
	sortNodes(d.ToUpdate)
	return d
}

func sortNodes(ids []model.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Runner carries out a Decision's RPCs against a Runtime, detached from the
// MasterLoop's critical path: failures are logged and swallowed, never
// retried synchronously, relying on the next tick to re-drive them.
type Runner struct {
	runtime runtimerpc.Runtime
	log     *zap.Logger
	onDone  func(Outcome)
}

// Outcome reports one RPC's result, for metrics and for the optional onDone
// callback. MasterLoop does not consume it; its instances map changes only
// on the next status report from ServiceRuntime, which is authoritative.
type Outcome struct {
	Service model.ServiceID
	Kind    string // "start", "stop", "update"
	Node    model.NodeID
	Err     error
}

// NewRunner returns a Runner dispatching against runtime. onDone, if
// non-nil, is invoked (from a worker goroutine, not the loop) with each
// RPC's outcome.
func NewRunner(runtime runtimerpc.Runtime, logger *zap.Logger, onDone func(Outcome)) *Runner {
	if logger == nil {
		logger = log.L()
	}
	return &Runner{runtime: runtime, log: logger, onDone: onDone}
}

// Run dispatches every RPC implied by d as a detached goroutine and returns
// immediately; it never blocks the caller on any RPC's completion.
func (r *Runner) Run(ctx context.Context, service model.ServiceID, spec model.ServiceSpec, d Decision) {
	for _, node := range d.ToStop {
		node := node
		go r.stop(ctx, service, node)
	}
	for _, node := range d.ToStart {
		node := node
		go r.start(ctx, service, node, spec)
	}
	for _, node := range d.ToUpdate {
		node := node
		go r.update(ctx, service, node, spec)
	}
}

func (r *Runner) stop(ctx context.Context, service model.ServiceID, node model.NodeID) {
	err := r.runtime.Stop(ctx, node, service)
	if err != nil {
		r.log.Warn("reconciler: stop rpc failed, will retry next tick",
			zap.String("node", string(node)), zap.Error(err))
	}
	r.report(Outcome{Service: service, Kind: "stop", Node: node, Err: err})
}

func (r *Runner) start(ctx context.Context, service model.ServiceID, node model.NodeID, spec model.ServiceSpec) {
	_, err := r.runtime.Start(ctx, node, spec)
	if err != nil {
		r.log.Warn("reconciler: start rpc failed, will retry next tick",
			zap.String("node", string(node)), zap.Error(err))
	}
	r.report(Outcome{Service: service, Kind: "start", Node: node, Err: err})
}

func (r *Runner) update(ctx context.Context, service model.ServiceID, node model.NodeID, spec model.ServiceSpec) {
	err := r.runtime.Update(ctx, node, spec)
	if err != nil {
		r.log.Warn("reconciler: update rpc failed, will retry next tick",
			zap.String("node", string(node)), zap.Error(err))
	}
	r.report(Outcome{Service: service, Kind: "update", Node: node, Err: err})
}

func (r *Runner) report(o Outcome) {
	result := "ok"
	if o.Err != nil {
		result = "error"
	}
	metrics.ReconcileRPCsTotal.WithLabelValues(string(o.Service), o.Kind, result).Inc()
	if r.onDone != nil {
		r.onDone(o)
	}
}
