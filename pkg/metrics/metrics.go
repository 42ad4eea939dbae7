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

// Package metrics holds the Prometheus collectors shared by masterd's
// components, namespaced masterd_<subsystem>_<name> via the standard
// Namespace/Subsystem/Name convention.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LeaderGauge is 1 on the node currently believed to be leader for a
	// service, 0 otherwise.
	LeaderGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "masterd",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 if this node is the elected leader for the service, 0 otherwise.",
		}, []string{"service"})

	// ElectionTicksTotal counts LeaderElector timer ticks, by outcome.
	ElectionTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "masterd",
			Subsystem: "election",
			Name:      "ticks_total",
			Help:      "Number of LeaderElector ticks, partitioned by outcome.",
		}, []string{"service", "outcome"})

	// ReconcileRPCsTotal counts placement RPCs issued by PlacementReconciler.
	ReconcileRPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "masterd",
			Subsystem: "reconciler",
			Name:      "rpcs_total",
			Help:      "Number of placement RPCs issued, partitioned by kind and result.",
		}, []string{"service", "kind", "result"})

	// ActorIndexSize tracks the number of actors registered on the leader.
	ActorIndexSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "masterd",
			Subsystem: "actor_index",
			Name:      "size",
			Help:      "Number of actors currently registered on this leader.",
		}, []string{"service"})

	// UidCacheSize tracks the number of locally cached actor resolutions.
	UidCacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "masterd",
			Subsystem: "uid_cache",
			Name:      "size",
			Help:      "Number of entries in the node-local uid cache.",
		}, []string{"service"})

	// SupervisorRestartsTotal counts MasterLoop restarts issued by the
	// supervisor, partitioned by service.
	SupervisorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "masterd",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of times the supervisor restarted a MasterLoop child.",
		}, []string{"service"})
)

// MustRegister registers all masterd collectors against reg. Callers embed
// masterd into a larger process and own their own registry; masterd never
// registers against the global default registry implicitly.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		LeaderGauge,
		ElectionTicksTotal,
		ReconcileRPCsTotal,
		ActorIndexSize,
		UidCacheSize,
		SupervisorRestartsTotal,
	)
}
