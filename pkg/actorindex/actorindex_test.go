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

package actorindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

type fakeMonitor struct {
	monitored   map[model.Handle]int
	unmonitored int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{monitored: make(map[model.Handle]int)}
}

func (f *fakeMonitor) MonitorHost(h model.Handle) MonitorHandle {
	f.monitored[h]++
	return h
}

func (f *fakeMonitor) Unmonitor(tok MonitorHandle) {
	f.unmonitored++
}

func testActor(uid, class, name string, host model.Handle) model.ActorID {
	return model.ActorID{Service: "svc", Class: class, Name: name, UID: uid, Host: host}
}

func TestRegisterFindRoundTrip(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	a := testActor("uid-1", "worker", "alice", model.Handle{Node: "n1", Ref: "p1"})

	require.NoError(t, idx.Register(a))

	got, err := idx.FindByName("svc", "worker", "alice")
	require.NoError(t, err)
	require.Equal(t, a, got)

	got, err = idx.FindByUID("uid-1")
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestRegisterConflictDifferentHost(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	host1 := model.Handle{Node: "n1", Ref: "p1"}
	host2 := model.Handle{Node: "n2", Ref: "p2"}

	require.NoError(t, idx.Register(testActor("uid-1", "worker", "alice", host1)))
	err := idx.Register(testActor("uid-2", "worker", "alice", host2))
	require.True(t, merrors.ErrAlreadyRegistered.Equal(err))
}

func TestRegisterRenameSameHost(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	host := model.Handle{Node: "n1", Ref: "p1"}

	require.NoError(t, idx.Register(testActor("uid-1", "worker", "alice", host)))
	require.NoError(t, idx.Register(testActor("uid-1", "worker", "bob", host)))

	_, err := idx.FindByName("svc", "worker", "alice")
	require.True(t, merrors.ErrActorNotFound.Equal(err))

	got, err := idx.FindByName("svc", "worker", "bob")
	require.NoError(t, err)
	require.Equal(t, host, got.Host)
}

func TestFindByNameWrongService(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	host := model.Handle{Node: "n1", Ref: "p1"}
	require.NoError(t, idx.Register(testActor("uid-1", "worker", "alice", host)))

	_, err := idx.FindByName("other-svc", "worker", "alice")
	require.True(t, merrors.ErrActorNotFound.Equal(err))
}

func TestRemoveByHostRemovesAllRows(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	host := model.Handle{Node: "n1", Ref: "p1"}
	require.NoError(t, idx.Register(testActor("uid-1", "worker", "alice", host)))

	require.True(t, idx.RemoveByHost(host))
	require.False(t, idx.RemoveByHost(host))
	require.Equal(t, 1, mon.unmonitored)

	_, err := idx.FindByName("svc", "worker", "alice")
	require.True(t, merrors.ErrActorNotFound.Equal(err))
	_, err = idx.FindByUID("uid-1")
	require.True(t, merrors.ErrActorNotFound.Equal(err))
}

func TestRegisterTwiceSameHostSameNameIsIdempotentRename(t *testing.T) {
	mon := newFakeMonitor()
	idx := New("svc", mon, nil)
	host := model.Handle{Node: "n1", Ref: "p1"}
	a := testActor("uid-1", "worker", "alice", host)

	require.NoError(t, idx.Register(a))
	require.NoError(t, idx.Register(a))
	require.Equal(t, 1, idx.Len())
}
