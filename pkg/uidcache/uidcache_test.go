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

package uidcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

func TestInsertLookup(t *testing.T) {
	c := New()
	host := model.Handle{Node: "n1", Ref: "p1"}
	a := model.ActorID{Service: "svc", Class: "worker", Name: "alice", UID: "uid-1", Host: host}

	c.Insert(a)
	got, err := c.Lookup("uid-1")
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestLookupMiss(t *testing.T) {
	c := New()
	_, err := c.Lookup("nope")
	require.True(t, merrors.ErrActorNotFound.Equal(err))
}

func TestEvictHostRemovesAllOwnedEntries(t *testing.T) {
	c := New()
	host := model.Handle{Node: "n1", Ref: "p1"}
	c.Insert(model.ActorID{Service: "svc", Class: "worker", Name: "alice", UID: "uid-1", Host: host})
	c.Insert(model.ActorID{Service: "svc", Class: "worker", Name: "bob", UID: "uid-2", Host: host})
	other := model.Handle{Node: "n2", Ref: "p2"}
	c.Insert(model.ActorID{Service: "svc", Class: "worker", Name: "carol", UID: "uid-3", Host: other})

	c.EvictHost(host)

	require.Equal(t, 1, c.Len())
	_, err := c.Lookup("uid-1")
	require.Error(t, err)
	_, err = c.Lookup("uid-3")
	require.NoError(t, err)
}
