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

// Package callbacks defines UserCallbacks, the opaque per-service hook set
// threaded through MasterLoop. The core never inspects the UserState it
// carries.
package callbacks

import (
	"context"

	"github.com/orbitcore/masterd/pkg/model"
)

// UserState is the opaque, per-service state value threaded through every
// callback. masterd never reads or mutates it.
type UserState interface{}

// FindUIDResult is the reply to a FindUID fallback lookup.
type FindUIDResult struct {
	Actor model.ActorID
	Found bool
}

// UserCallbacks is the per-service hook set a service implementation
// supplies at MasterLoop construction.
type UserCallbacks interface {
	// Init is called once when the service is configured on this node.
	Init(ctx context.Context, service model.ServiceID) (UserState, error)
	// FindUID is consulted on an ActorIndex/UidCache miss for uid. It may
	// return a resolved actor, report not-found, or ask the loop to stop
	// (a malformed/unrecoverable reply aborts the loop).
	FindUID(ctx context.Context, uid string, state UserState) (FindUIDResult, error)
	// HandleCall, HandleCast and HandleInfo route arbitrary synchronous,
	// asynchronous, and out-of-band messages respectively to the service
	// implementation, threading state through by value semantics (the
	// returned UserState replaces the loop's copy).
	HandleCall(ctx context.Context, req interface{}, state UserState) (reply interface{}, next UserState, err error)
	HandleCast(ctx context.Context, msg interface{}, state UserState) (next UserState, err error)
	HandleInfo(ctx context.Context, info interface{}, state UserState) (next UserState, err error)
	// CodeChange is invoked across a hot-upgrade of the service
	// implementation itself, before resuming normal dispatch.
	CodeChange(ctx context.Context, oldVsn string, state UserState, extra interface{}) (UserState, error)
	// Terminate is called once, on MasterLoop shutdown, regardless of
	// whether this instance was leader.
	Terminate(ctx context.Context, reason error, state UserState)
}
