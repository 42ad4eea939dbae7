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

// Package uidcache implements the node-local, process-scoped cache of
// recently resolved actor identities (component C2). Entries are keyed by
// uid and additionally indexed by their owning host so they self-evict
// when that host dies; there is no expiration otherwise.
package uidcache

import (
	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

// Cache is the UidCache. Not safe for concurrent use; like ActorIndex it is
// owned by a single MasterLoop goroutine.
type Cache struct {
	byUID  map[string]model.ActorID
	byHost map[model.Handle]map[string]struct{}
}

// New returns an empty UidCache.
func New() *Cache {
	return &Cache{
		byUID:  make(map[string]model.ActorID),
		byHost: make(map[model.Handle]map[string]struct{}),
	}
}

// Len reports the number of cached entries, for metrics.
func (c *Cache) Len() int { return len(c.byUID) }

// Lookup resolves uid locally. It never performs RPC: a miss simply means
// the caller must resolve uid another way (e.g. via UserCallbacks.find_uid
// on the leader).
func (c *Cache) Lookup(uid string) (model.ActorID, error) {
	actor, ok := c.byUID[uid]
	if !ok {
		return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs(uid)
	}
	return actor, nil
}

// Insert caches actor, keyed by both its uid and its owning host.
func (c *Cache) Insert(actor model.ActorID) {
	c.byUID[actor.UID] = actor
	uids, ok := c.byHost[actor.Host]
	if !ok {
		uids = make(map[string]struct{})
		c.byHost[actor.Host] = uids
	}
	uids[actor.UID] = struct{}{}
}

// EvictHost drops every entry owned by host. Called by MasterLoop when it
// receives a liveness notification for host, mirroring ActorIndex's own
// host-keyed eviction so both registries stay in step.
func (c *Cache) EvictHost(host model.Handle) {
	uids, ok := c.byHost[host]
	if !ok {
		return
	}
	for uid := range uids {
		delete(c.byUID, uid)
	}
	delete(c.byHost, host)
}
