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

package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitcore/masterd/pkg/model"
	"github.com/orbitcore/masterd/pkg/runtimerpc"
)

func TestDecideStartsMissingInstancesOnNormalNodes(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeNormal},
		"n2": {ID: "n2", Status: model.NodeNormal},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "v1"},
	}
	d := Decide(nodes, instances, "v1")
	require.Equal(t, []model.NodeID{"n2"}, d.ToStart)
	require.Empty(t, d.ToStop)
	require.Empty(t, d.ToUpdate)
	require.Empty(t, d.DropFromInstances)
}

func TestDecideStopsInstancesOnDownNodes(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeDown},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "v1"},
	}
	d := Decide(nodes, instances, "v1")
	require.Equal(t, []model.NodeID{"n1"}, d.ToStop)
	require.Empty(t, d.ToStart)
}

func TestDecideDropsUnknownStatusInstances(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeUnknown},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "v1"},
	}
	d := Decide(nodes, instances, "v1")
	require.Equal(t, []model.NodeID{"n1"}, d.DropFromInstances)
	require.Empty(t, d.ToStop)
	require.Empty(t, d.ToStart)
}

func TestDecideFlagsStaleVersionForUpdate(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeNormal},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "v1"},
	}
	d := Decide(nodes, instances, "v2")
	require.Equal(t, []model.NodeID{"n1"}, d.ToUpdate)
	require.Empty(t, d.ToStop)
	require.Empty(t, d.ToStart)
}

func TestDecideSkipsUpdateWhenLeaderVersionUnknown(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeNormal},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "h1"},
	}
	d := Decide(nodes, instances, "")
	require.Empty(t, d.ToUpdate)
	require.True(t, d.Empty())
}

func TestDecideIsIdempotentAtFixedPoint(t *testing.T) {
	nodes := map[model.NodeID]model.NodeInfo{
		"n1": {ID: "n1", Status: model.NodeNormal},
		"n2": {ID: "n2", Status: model.NodeNormal},
	}
	instances := map[model.NodeID]model.InstanceStatus{
		"n1": {Node: "n1", VersionHash: "v1"},
		"n2": {Node: "n2", VersionHash: "v1"},
	}
	d := Decide(nodes, instances, "v1")
	require.True(t, d.Empty())
}

type fakeRuntime struct {
	mu      sync.Mutex
	started []model.NodeID
	stopped []model.NodeID
	updated []model.NodeID
	failOn  model.NodeID
}

func (f *fakeRuntime) Start(_ context.Context, node model.NodeID, _ model.ServiceSpec) (runtimerpc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failOn {
		return 0, errFake
	}
	f.started = append(f.started, node)
	return runtimerpc.ResultOK, nil
}

func (f *fakeRuntime) Stop(_ context.Context, node model.NodeID, _ model.ServiceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failOn {
		return errFake
	}
	f.stopped = append(f.stopped, node)
	return nil
}

func (f *fakeRuntime) Update(_ context.Context, node model.NodeID, _ model.ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failOn {
		return errFake
	}
	f.updated = append(f.updated, node)
	return nil
}

func (f *fakeRuntime) Replace(_ context.Context, node model.NodeID, _ model.ServiceSpec) error {
	return nil
}

var errFake = fakeErr{}

type fakeErr struct{}

func (fakeErr) Error() string { return "fake rpc failure" }

func TestRunnerDispatchesAllThreeKinds(t *testing.T) {
	rt := &fakeRuntime{}
	var mu sync.Mutex
	var outcomes []Outcome
	r := NewRunner(rt, nil, func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	})

	d := Decision{
		ToStart:  []model.NodeID{"n1"},
		ToStop:   []model.NodeID{"n2"},
		ToUpdate: []model.NodeID{"n3"},
	}
	r.Run(context.Background(), "svc", model.ServiceSpec{ServiceID: "svc"}, d)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 3
	}, time.Second, 10*time.Millisecond)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Equal(t, []model.NodeID{"n1"}, rt.started)
	require.Equal(t, []model.NodeID{"n2"}, rt.stopped)
	require.Equal(t, []model.NodeID{"n3"}, rt.updated)
}

func TestRunnerSwallowsFailuresAndStillReportsOutcome(t *testing.T) {
	rt := &fakeRuntime{failOn: "bad"}
	var mu sync.Mutex
	var outcomes []Outcome
	r := NewRunner(rt, nil, func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	})

	r.Run(context.Background(), "svc", model.ServiceSpec{ServiceID: "svc"}, Decision{ToStart: []model.NodeID{"bad"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, outcomes[0].Err)
	require.Equal(t, model.NodeID("bad"), outcomes[0].Node)
}
