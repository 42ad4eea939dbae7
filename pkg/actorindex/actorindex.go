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

// Package actorindex implements the leader-only, in-memory registry
// mapping actor identities to the live process hosting each actor.
//
// ActorIndex keeps three views mutually consistent under a single-writer
// discipline: the owning MasterLoop is the only caller, so no internal
// locking is required. It is the only component that installs actor
// liveness monitors.
package actorindex

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

type nameKey struct {
	class string
	name  string
}

type byNameEntry struct {
	uid  string
	host model.Handle
}

type byHostEntry struct {
	uid     string
	monitor MonitorHandle
}

// MonitorHandle is the liveness token returned by a Monitor call. Releasing
// it (via Monitor.Unmonitor) stops delivery of liveness notifications for
// that host.
type MonitorHandle interface{}

// Monitor installs and removes liveness monitors on Handles. ActorIndex is
// the sole caller; the concrete implementation is supplied by whatever
// transport can observe host liveness (per-actor liveness tracking).
type Monitor interface {
	// MonitorHandle starts observing h's liveness. The returned token is
	// later passed to Unmonitor. Delivery of the death notification itself
	// happens out of band, onto the owning MasterLoop's event channel; this
	// interface only manages the subscription, not the notification path.
	MonitorHost(h model.Handle) MonitorHandle
	// Unmonitor releases a previously installed monitor.
	Unmonitor(tok MonitorHandle)
}

// Index is the ActorIndex (component C1). Not safe for concurrent use: the
// owning MasterLoop is its single writer.
type Index struct {
	serviceID model.ServiceID
	monitor   Monitor
	log       *zap.Logger

	byUID  map[string]model.ActorID
	byName map[nameKey]byNameEntry
	byHost map[model.Handle]byHostEntry
}

// New returns an empty ActorIndex scoped to serviceID.
func New(serviceID model.ServiceID, monitor Monitor, logger *zap.Logger) *Index {
	if logger == nil {
		logger = log.L()
	}
	return &Index{
		serviceID: serviceID,
		monitor:   monitor,
		log:       logger,
		byUID:     make(map[string]model.ActorID),
		byName:    make(map[nameKey]byNameEntry),
		byHost:    make(map[model.Handle]byHostEntry),
	}
}

// Len returns the number of registered actors, for metrics reporting.
func (idx *Index) Len() int { return len(idx.byUID) }

// Register installs actor in the index:
//   - if (class, name) is bound to a different Host: already_registered.
//   - if Host already has an entry (under any (class, name)): treat this as
//     a rename — drop the old rows, then insert the new ones.
//   - otherwise: install a monitor on Host and insert all three rows.
func (idx *Index) Register(actor model.ActorID) error {
	key := nameKey{class: actor.Class, name: actor.Name}
	if existing, ok := idx.byName[key]; ok && existing.host != actor.Host {
		return merrors.ErrAlreadyRegistered.GenWithStackByArgs(actor.Name)
	}
	if _, ok := idx.byHost[actor.Host]; ok {
		// Rename: same host, re-registering under (possibly) a new
		// (class, name) or uid. The gap between remove and insert is an
		// accepted window; a concurrent lookup in that window observes
		// not_found.
		idx.removeLocked(actor.Host)
	}
	tok := idx.monitor.MonitorHost(actor.Host)
	idx.byUID[actor.UID] = actor
	idx.byName[key] = byNameEntry{uid: actor.UID, host: actor.Host}
	idx.byHost[actor.Host] = byHostEntry{uid: actor.UID, monitor: tok}
	return nil
}

// FindByName resolves (service, class, name) to its current uid and host.
// A service mismatch is logged and reported as not_found.
func (idx *Index) FindByName(service model.ServiceID, class, name string) (model.ActorID, error) {
	if service != idx.serviceID {
		idx.log.Warn("find_by_name: service id mismatch",
			zap.String("requested", string(service)), zap.String("leader", string(idx.serviceID)))
		return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs(name)
	}
	entry, ok := idx.byName[nameKey{class: class, name: name}]
	if !ok {
		return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs(name)
	}
	// Cross-check: the uid found here must resolve back to the same host.
	// A real single-writer implementation keeping the three maps in one
	// update never hits this branch; it remains as a guard against torn
	// updates
	actor, ok := idx.byUID[entry.uid]
	if !ok || actor.Host != entry.host {
		idx.log.Warn("find_by_name: uid cross-check failed, treating as miss",
			zap.String("class", class), zap.String("name", name))
		return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs(name)
	}
	return actor, nil
}

// FindByUID resolves uid to its full ActorID.
func (idx *Index) FindByUID(uid string) (model.ActorID, error) {
	actor, ok := idx.byUID[uid]
	if !ok {
		return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs(uid)
	}
	return actor, nil
}

// RemoveByHost drops all rows for host, releasing its monitor. It reports
// whether an entry was present. Invariant: both by-name and by-uid rows for
// host are gone before RemoveByHost returns.
func (idx *Index) RemoveByHost(host model.Handle) bool {
	_, ok := idx.byHost[host]
	if !ok {
		return false
	}
	idx.removeLocked(host)
	return true
}

func (idx *Index) removeLocked(host model.Handle) {
	entry, ok := idx.byHost[host]
	if !ok {
		return
	}
	idx.monitor.Unmonitor(entry.monitor)
	if actor, ok := idx.byUID[entry.uid]; ok {
		delete(idx.byName, nameKey{class: actor.Class, name: actor.Name})
	}
	delete(idx.byUID, entry.uid)
	delete(idx.byHost, host)
}
