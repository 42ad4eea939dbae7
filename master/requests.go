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

package master

import (
	"context"

	"github.com/orbitcore/masterd/pkg/model"
	"github.com/orbitcore/masterd/pkg/nodewatch"
)

// GetInfoResult answers get_info.
type GetInfoResult struct {
	Leader    model.Handle
	Nodes     map[model.NodeID]model.NodeInfo
	Instances map[model.NodeID]model.InstanceStatus
	Followers map[model.NodeID]model.Handle
}

type getInfoReq struct{ reply chan result[GetInfoResult] }

type stopServiceReq struct{ reply chan result[struct{}] }

type findActorByIDReq struct {
	service model.ServiceID
	class   string
	name    string
	reply   chan result[model.ActorID]
}

type findActorByUIDReq struct {
	uid   string
	reply chan result[model.ActorID]
}

type registerActorResult struct {
	Leader model.Handle
}

type registerActorReq struct {
	actor model.ActorID
	reply chan result[registerActorResult]
}

type registerFollowerReq struct {
	handle model.NodeID
	addr   model.Handle
	reply  chan result[struct{}]
}

// otherIsLeaderMsg is the internal other_is_leader event: both
// self-elector-driven and, in principle, sendable by a peer.
type otherIsLeaderMsg struct{}

// checkLeaderMsg is the check_leader hint broadcast by a freshly elected
// leader so peers converge before their own next tick.
type checkLeaderMsg struct{}

type nodeSetUpdateMsg struct{ update nodewatch.NodeSetUpdate }

type instanceStatusMsg struct{ status model.InstanceStatus }

// callReq is a generic synchronous handle_call routed to UserCallbacks.
type callReq struct {
	msg   interface{}
	reply chan result[interface{}]
}

// castMsg is a generic fire-and-forget handle_cast routed to UserCallbacks,
// still processed in mailbox order like every other event.
type castMsg struct{ msg interface{} }

// infoMsg is a generic out-of-band handle_info notification, e.g. a
// transport-level event the embedder wants threaded through user_state
// without a reply.
type infoMsg struct{ info interface{} }

// codeChangeReq carries a code_change invocation across a hot upgrade of the
// service implementation, before the loop resumes normal dispatch.
type codeChangeReq struct {
	oldVsn string
	extra  interface{}
	reply  chan result[struct{}]
}

// result carries a reply value or an error, never both.
type result[T any] struct {
	Val T
	Err error
}

func sendRecv[T any](ctx context.Context, mailbox chan interface{}, req interface{}, reply chan result[T]) (T, error) {
	select {
	case mailbox <- req:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Val, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetInfo implements the get_info request.
func (l *Loop) GetInfo(ctx context.Context) (GetInfoResult, error) {
	reply := make(chan result[GetInfoResult], 1)
	return sendRecv(ctx, l.mailbox, &getInfoReq{reply: reply}, reply)
}

// StopService implements stop_service: broadcast stop to every known node.
func (l *Loop) StopService(ctx context.Context) error {
	reply := make(chan result[struct{}], 1)
	_, err := sendRecv(ctx, l.mailbox, &stopServiceReq{reply: reply}, reply)
	return err
}

// FindActorByID implements find_actor_by_id.
func (l *Loop) FindActorByID(ctx context.Context, service model.ServiceID, class, name string) (model.ActorID, error) {
	reply := make(chan result[model.ActorID], 1)
	return sendRecv(ctx, l.mailbox, &findActorByIDReq{service: service, class: class, name: name, reply: reply}, reply)
}

// FindActorByUID implements find_actor_by_uid.
func (l *Loop) FindActorByUID(ctx context.Context, uid string) (model.ActorID, error) {
	reply := make(chan result[model.ActorID], 1)
	return sendRecv(ctx, l.mailbox, &findActorByUIDReq{uid: uid, reply: reply}, reply)
}

// RegisterActor implements register_actor.
func (l *Loop) RegisterActor(ctx context.Context, actor model.ActorID) (model.Handle, error) {
	reply := make(chan result[registerActorResult], 1)
	res, err := sendRecv(ctx, l.mailbox, &registerActorReq{actor: actor, reply: reply}, reply)
	return res.Leader, err
}

// RegisterFollower implements register_follower, called by a peer master.
func (l *Loop) RegisterFollower(ctx context.Context, node model.NodeID, addr model.Handle) error {
	reply := make(chan result[struct{}], 1)
	_, err := sendRecv(ctx, l.mailbox, &registerFollowerReq{handle: node, addr: addr, reply: reply}, reply)
	return err
}

// NotifyOtherIsLeader implements the other_is_leader event.
func (l *Loop) NotifyOtherIsLeader() {
	select {
	case l.mailbox <- &otherIsLeaderMsg{}:
	default:
		go func() { l.mailbox <- &otherIsLeaderMsg{} }()
	}
}

// NotifyCheckLeader implements the check_leader hint.
func (l *Loop) NotifyCheckLeader() {
	select {
	case l.mailbox <- &checkLeaderMsg{}:
	default:
		go func() { l.mailbox <- &checkLeaderMsg{} }()
	}
}

// Call implements handle_call: a synchronous request routed to
// UserCallbacks.HandleCall, threading UserState through by value. A
// callback error aborts the loop; the caller observes it as a timeout when
// ctx expires, the same as calling into a process that just crashed.
func (l *Loop) Call(ctx context.Context, msg interface{}) (interface{}, error) {
	reply := make(chan result[interface{}], 1)
	return sendRecv(ctx, l.mailbox, &callReq{msg: msg, reply: reply}, reply)
}

// Cast implements handle_cast: fire-and-forget, but still ordered with
// every other event this loop processes.
func (l *Loop) Cast(msg interface{}) {
	select {
	case l.mailbox <- &castMsg{msg: msg}:
	default:
		go func() { l.mailbox <- &castMsg{msg: msg} }()
	}
}

// PushInfo implements handle_info: an out-of-band notification, e.g. from a
// transport the embedder owns, threaded through UserState with no reply.
func (l *Loop) PushInfo(info interface{}) {
	select {
	case l.mailbox <- &infoMsg{info: info}:
	default:
		go func() { l.mailbox <- &infoMsg{info: info} }()
	}
}

// CodeChange implements code_change: invoked across a hot upgrade of the
// service implementation, before the loop resumes normal dispatch.
func (l *Loop) CodeChange(ctx context.Context, oldVsn string, extra interface{}) error {
	reply := make(chan result[struct{}], 1)
	_, err := sendRecv(ctx, l.mailbox, &codeChangeReq{oldVsn: oldVsn, extra: extra, reply: reply}, reply)
	return err
}
