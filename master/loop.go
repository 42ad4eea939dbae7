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
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/orbitcore/masterd/callbacks"
	"github.com/orbitcore/masterd/pkg/actorindex"
	"github.com/orbitcore/masterd/pkg/configstore"
	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/election"
	"github.com/orbitcore/masterd/pkg/metrics"
	"github.com/orbitcore/masterd/pkg/model"
	"github.com/orbitcore/masterd/pkg/nodewatch"
	"github.com/orbitcore/masterd/pkg/uidcache"
	"github.com/orbitcore/masterd/reconciler"
)

const defaultMailboxSize = 64

// Config configures one Loop: one per configured service, per node.
type Config struct {
	ServiceID   model.ServiceID
	Self        model.NodeID
	SelfHandle  model.Handle
	NodeService nodewatch.Service
	ConfigStore configstore.Store // nil: VersionHash stays "" and reconciliation never issues update RPCs
	Reconciler  *reconciler.Runner
	Callbacks   callbacks.UserCallbacks
	Elector     *election.Elector
	Monitor     actorindex.Monitor
	// Deaths is the channel Monitor's concrete implementation was built to
	// deliver onto (e.g. the same channel handed to monitor.NewEtcdMonitor):
	// Monitor and Loop must share one channel for liveness notifications to
	// ever reach handleActorHostDeath. Nil gets a Loop-owned channel that is
	// not exposed outside the Loop, so no Monitor can deliver onto it; nil
	// only suits a Monitor that never delivers (e.g. a test fake).
	Deaths      chan model.Handle
	Peer        *PeerClient // nil disables peer register_follower/check_leader hints
	ElectorTick time.Duration
}

func (c *Config) adjust() {
	if c.ElectorTick == 0 {
		c.ElectorTick = 5 * time.Second
	}
	if c.SelfHandle.Ref == "" {
		c.SelfHandle = model.Handle{Node: c.Self, Ref: model.NewRef()}
	}
}

// Loop is MasterLoop (component C5): a single goroutine owning State,
// draining one mailbox of requests, liveness notifications, and node/
// instance updates.
type Loop struct {
	cfg   Config
	state *State
	log   *zap.Logger

	cache   *uidcache.Cache
	deaths  chan model.Handle
	mailbox chan interface{}
	done    chan struct{}
}

// NewLoop constructs a Loop; call Run to start it.
func NewLoop(cfg Config, logger *zap.Logger) *Loop {
	cfg.adjust()
	if logger == nil {
		logger = log.L()
	}
	deaths := cfg.Deaths
	if deaths == nil {
		deaths = make(chan model.Handle, 16)
	}
	return &Loop{
		cfg:     cfg,
		state:   NewState(cfg.ServiceID),
		log:     logger,
		cache:   uidcache.New(),
		deaths:  deaths,
		mailbox: make(chan interface{}, defaultMailboxSize),
		done:    make(chan struct{}),
	}
}

// Run drives the loop until ctx is cancelled or a callback returns a
// malformed reply (that aborts the loop for the supervisor to restart). It
// runs the user Init callback before entering the select loop.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer close(l.done)

	state, err := l.cfg.Callbacks.Init(ctx, l.cfg.ServiceID)
	if err != nil {
		return errors.Annotate(err, "master: user Init failed")
	}
	l.state.UserState = state

	defer func() {
		l.cfg.Callbacks.Terminate(ctx, err, l.state.UserState)
		if l.state.IsLeader.Load() {
			_ = l.cfg.Elector.Resign(ctx)
			metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(0)
		}
	}()

	nodeUpdates, subErr := l.cfg.NodeService.Subscribe(ctx)
	if subErr != nil {
		return errors.Annotate(subErr, "master: NodeService.Subscribe failed")
	}

	leaderDeaths, watchErr := l.cfg.Elector.Watch(ctx)
	if watchErr != nil {
		return errors.Annotate(watchErr, "master: Elector.Watch failed")
	}

	var specUpdates <-chan model.ServiceSpec
	if l.cfg.ConfigStore != nil {
		specUpdates, err = l.cfg.ConfigStore.Watch(ctx, l.cfg.ServiceID)
		if err != nil {
			return errors.Annotate(err, "master: ConfigStore.Watch failed")
		}
	}

	ticker := time.NewTicker(l.cfg.ElectorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-nodeUpdates:
			if !ok {
				return errors.Errorf("master: NodeService subscription closed")
			}
			l.handleNodeSetUpdate(ctx, nodeSetUpdateMsg{update: msg})

		case spec, ok := <-specUpdates:
			if !ok {
				// nil channel (no ConfigStore configured) never selects; a
				// closed one means the watch ended, which we tolerate since
				// VersionHash simply stops advancing.
				specUpdates = nil
				break
			}
			l.handleSpecUpdate(ctx, spec)

		case host := <-l.deaths:
			l.handleActorHostDeath(host)

		case dead, ok := <-leaderDeaths:
			if !ok {
				return errors.Errorf("master: Elector liveness watch closed")
			}
			l.cfg.Elector.NotifyLeaderDied(dead)
			l.handleTick(ctx)

		case <-ticker.C:
			l.handleTick(ctx)

		case raw := <-l.mailbox:
			if err := l.dispatch(ctx, raw); err != nil {
				return err
			}
		}
	}
}

// Done returns a channel closed once Run returns. Loop has no Stop method:
// callers stop Run by cancelling the context they passed to it.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) dispatch(ctx context.Context, raw interface{}) error {
	switch req := raw.(type) {
	case *getInfoReq:
		l.handleGetInfo(req)
	case *stopServiceReq:
		l.handleStopService(ctx, req)
	case *findActorByIDReq:
		l.handleFindActorByID(req)
	case *findActorByUIDReq:
		return l.handleFindActorByUID(ctx, req)
	case *registerActorReq:
		l.handleRegisterActor(req)
	case *registerFollowerReq:
		l.handleRegisterFollower(req)
	case *instanceStatusMsg:
		l.handleInstanceStatus(ctx, req)
	case *debugDumpReq:
		l.handleDebugDump(req)
	case *otherIsLeaderMsg:
		l.handleOtherIsLeader(ctx)
	case *checkLeaderMsg:
		l.handleTick(ctx)
	case *callReq:
		return l.handleCall(ctx, req)
	case *castMsg:
		return l.handleCast(ctx, req)
	case *infoMsg:
		return l.handleInfo(ctx, req)
	case *codeChangeReq:
		return l.handleCodeChange(ctx, req)
	default:
		return errors.Errorf("master: malformed internal message %T, aborting loop", raw)
	}
	return nil
}

// ReportInstanceStatus implements instance_status: pushed by ServiceRuntime
// to the leader. Followers log and drop.
func (l *Loop) ReportInstanceStatus(status model.InstanceStatus) {
	select {
	case l.mailbox <- &instanceStatusMsg{status: status}:
	default:
		go func() { l.mailbox <- &instanceStatusMsg{status: status} }()
	}
}

func (l *Loop) handleGetInfo(req *getInfoReq) {
	if !l.state.IsLeader.Load() {
		req.reply <- result[GetInfoResult]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return
	}
	req.reply <- result[GetInfoResult]{Val: GetInfoResult{
		Leader:    l.cfg.SelfHandle,
		Nodes:     cloneNodes(l.state.Nodes),
		Instances: cloneInstances(l.state.Instances),
		Followers: cloneHandles(l.state.Followers),
	}}
}

func (l *Loop) handleStopService(ctx context.Context, req *stopServiceReq) {
	if !l.state.IsLeader.Load() {
		req.reply <- result[struct{}]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return
	}
	for node := range l.state.Nodes {
		l.cfg.Reconciler.Run(ctx, l.cfg.ServiceID, model.ServiceSpec{}, reconciler.Decision{ToStop: []model.NodeID{node}})
	}
	req.reply <- result[struct{}]{}
}

func (l *Loop) handleFindActorByID(req *findActorByIDReq) {
	if !l.state.IsLeader.Load() || l.state.ActorIndex == nil {
		req.reply <- result[model.ActorID]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return
	}
	actor, err := l.state.ActorIndex.FindByName(req.service, req.class, req.name)
	req.reply <- result[model.ActorID]{Val: actor, Err: err}
}

// handleFindActorByUID answers from ActorIndex, then the uid cache, then the
// user FindUID fallback. A FindUID error is passed to the caller and then
// aborts the loop.
func (l *Loop) handleFindActorByUID(ctx context.Context, req *findActorByUIDReq) error {
	if !l.state.IsLeader.Load() || l.state.ActorIndex == nil {
		req.reply <- result[model.ActorID]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return nil
	}
	if actor, err := l.state.ActorIndex.FindByUID(req.uid); err == nil {
		req.reply <- result[model.ActorID]{Val: actor}
		return nil
	}
	if cached, err := l.cache.Lookup(req.uid); err == nil {
		req.reply <- result[model.ActorID]{Val: cached}
		return nil
	}
	found, err := l.cfg.Callbacks.FindUID(ctx, req.uid, l.state.UserState)
	if err != nil {
		req.reply <- result[model.ActorID]{Err: err}
		return errors.Annotate(err, "master: FindUID returned an error, aborting loop")
	}
	if !found.Found {
		req.reply <- result[model.ActorID]{Err: merrors.ErrActorNotFound.GenWithStackByArgs(req.uid)}
		return nil
	}
	l.cache.Insert(found.Actor)
	metrics.UidCacheSize.WithLabelValues(string(l.cfg.ServiceID)).Set(float64(l.cache.Len()))
	req.reply <- result[model.ActorID]{Val: found.Actor}
	return nil
}

func (l *Loop) handleRegisterActor(req *registerActorReq) {
	if !l.state.IsLeader.Load() || l.state.ActorIndex == nil {
		req.reply <- result[registerActorResult]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return
	}
	if req.actor.Service != l.cfg.ServiceID {
		req.reply <- result[registerActorResult]{Err: merrors.ErrInvalidService.GenWithStackByArgs(req.actor.Service, l.cfg.ServiceID)}
		return
	}
	if err := l.state.ActorIndex.Register(req.actor); err != nil {
		req.reply <- result[registerActorResult]{Err: err}
		return
	}
	l.cache.Insert(req.actor)
	metrics.ActorIndexSize.WithLabelValues(string(l.cfg.ServiceID)).Set(float64(l.state.ActorIndex.Len()))
	metrics.UidCacheSize.WithLabelValues(string(l.cfg.ServiceID)).Set(float64(l.cache.Len()))
	req.reply <- result[registerActorResult]{Val: registerActorResult{Leader: l.cfg.SelfHandle}}
}

func (l *Loop) handleRegisterFollower(req *registerFollowerReq) {
	if !l.state.IsLeader.Load() {
		l.log.Warn("register_follower received by a non-leader, dropping", zap.String("node", string(req.handle)))
		req.reply <- result[struct{}]{Err: merrors.ErrLeaderNotFound.GenWithStackByArgs(l.cfg.ServiceID)}
		return
	}
	l.state.Followers[req.handle] = req.addr
	req.reply <- result[struct{}]{}
}

func (l *Loop) handleInstanceStatus(ctx context.Context, msg *instanceStatusMsg) {
	if !l.state.IsLeader.Load() {
		l.log.Warn("instance_status received by a non-leader, dropping",
			zap.String("node", string(msg.status.Node)))
		return
	}
	l.state.Instances[msg.status.Node] = msg.status
	l.reconcile(ctx)
}

func (l *Loop) handleOtherIsLeader(ctx context.Context) {
	if !l.state.IsLeader.Load() {
		return
	}
	l.log.Warn("other_is_leader: stepping down", zap.String("service", string(l.cfg.ServiceID)))
	l.state.becomeFollower(model.Handle{})
	metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(0)
}

// handleCall dispatches a synchronous call to UserCallbacks.HandleCall. A
// callback error is treated as a malformed reply and aborts the loop; the
// caller's reply channel is left undelivered, so it observes the abort as a
// timeout, the same as calling into a process that just crashed.
func (l *Loop) handleCall(ctx context.Context, req *callReq) error {
	reply, next, err := l.cfg.Callbacks.HandleCall(ctx, req.msg, l.state.UserState)
	if err != nil {
		return errors.Annotate(err, "master: HandleCall returned an error, aborting loop")
	}
	l.state.UserState = next
	req.reply <- result[interface{}]{Val: reply}
	return nil
}

func (l *Loop) handleCast(ctx context.Context, msg *castMsg) error {
	next, err := l.cfg.Callbacks.HandleCast(ctx, msg.msg, l.state.UserState)
	if err != nil {
		return errors.Annotate(err, "master: HandleCast returned an error, aborting loop")
	}
	l.state.UserState = next
	return nil
}

func (l *Loop) handleInfo(ctx context.Context, msg *infoMsg) error {
	next, err := l.cfg.Callbacks.HandleInfo(ctx, msg.info, l.state.UserState)
	if err != nil {
		return errors.Annotate(err, "master: HandleInfo returned an error, aborting loop")
	}
	l.state.UserState = next
	return nil
}

func (l *Loop) handleCodeChange(ctx context.Context, req *codeChangeReq) error {
	next, err := l.cfg.Callbacks.CodeChange(ctx, req.oldVsn, l.state.UserState, req.extra)
	if err != nil {
		return errors.Annotate(err, "master: CodeChange returned an error, aborting loop")
	}
	l.state.UserState = next
	req.reply <- result[struct{}]{}
	return nil
}

func (l *Loop) handleTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	res, err := l.cfg.Elector.Tick(tctx)
	cancel()
	if err != nil {
		l.log.Warn("elector tick failed", zap.Error(err))
		metrics.ElectionTicksTotal.WithLabelValues(string(l.cfg.ServiceID), "error").Inc()
		return
	}
	metrics.ElectionTicksTotal.WithLabelValues(string(l.cfg.ServiceID), outcomeLabel(res.Outcome)).Inc()

	switch res.Outcome {
	case election.OutcomeBecameLeader:
		index := actorindex.New(l.cfg.ServiceID, l.cfg.Monitor, l.log)
		l.state.becomeLeader(index)
		metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(1)
		if l.cfg.Peer != nil {
			l.cfg.Peer.BroadcastCheckLeader(ctx, nodeIDs(l.state.Nodes))
		}
	case election.OutcomeRemainLeader:
		metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(1)
	case election.OutcomeOtherIsLeader:
		l.state.becomeFollower(model.Handle{})
		metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(0)
	case election.OutcomeFollowerRegistered:
		l.state.becomeFollower(model.Handle{Node: res.Leader.Node})
		metrics.LeaderGauge.WithLabelValues(string(l.cfg.ServiceID)).Set(0)
		if l.cfg.Peer != nil {
			_ = l.cfg.Peer.RegisterFollower(ctx, res.Leader.Node, l.cfg.Self, l.cfg.SelfHandle)
		}
	case election.OutcomeWaiting, election.OutcomeNoChange:
		// Nothing to do; next death notification or tick resolves it.
	}
}

// handleActorHostDeath implements ActorIndex's monitor delivery:
// the host was an actor's process, not the believed leader (that liveness
// path is Elector.Watch, fed directly into the loop in Run).
func (l *Loop) handleActorHostDeath(host model.Handle) {
	if l.state.ActorIndex != nil && l.state.ActorIndex.RemoveByHost(host) {
		metrics.ActorIndexSize.WithLabelValues(string(l.cfg.ServiceID)).Set(float64(l.state.ActorIndex.Len()))
	}
	// The cache holds entries resolved via find_uid that never went through
	// ActorIndex.Register, so it evicts independently of whether the index
	// had anything for this host.
	l.cache.EvictHost(host)
	metrics.UidCacheSize.WithLabelValues(string(l.cfg.ServiceID)).Set(float64(l.cache.Len()))
}

func (l *Loop) handleNodeSetUpdate(ctx context.Context, msg nodeSetUpdateMsg) {
	if msg.update.Err != nil {
		l.log.Warn("node_set_update carried an error", zap.Error(msg.update.Err))
		return
	}
	l.state.Nodes = msg.update.Nodes
	if !l.state.IsLeader.Load() {
		return
	}
	l.reconcile(ctx)
}

// handleSpecUpdate stores the ConfigStore's canonical spec. A version bump
// while leader re-triggers reconciliation so nodes running the old hash pick
// up an update on this tick rather than waiting for the next node/instance
// event.
func (l *Loop) handleSpecUpdate(ctx context.Context, spec model.ServiceSpec) {
	l.state.Spec = spec
	if !l.state.IsLeader.Load() {
		return
	}
	l.reconcile(ctx)
}

func (l *Loop) reconcile(ctx context.Context) {
	decision := reconciler.Decide(l.state.Nodes, l.state.Instances, l.state.Spec.VersionHash)
	if decision.Empty() {
		return
	}
	for _, node := range decision.DropFromInstances {
		delete(l.state.Instances, node)
	}
	spec := l.state.Spec
	spec.ServiceID = l.cfg.ServiceID
	l.cfg.Reconciler.Run(ctx, l.cfg.ServiceID, spec, decision)
}

func outcomeLabel(o election.Outcome) string {
	switch o {
	case election.OutcomeBecameLeader:
		return "became_leader"
	case election.OutcomeRemainLeader:
		return "remain_leader"
	case election.OutcomeOtherIsLeader:
		return "other_is_leader"
	case election.OutcomeFollowerRegistered:
		return "follower_registered"
	case election.OutcomeWaiting:
		return "waiting"
	default:
		return "no_change"
	}
}

func nodeIDs(nodes map[model.NodeID]model.NodeInfo) []model.NodeID {
	out := make([]model.NodeID, 0, len(nodes))
	for id := range nodes {
		out = append(out, id)
	}
	return out
}

func cloneNodes(m map[model.NodeID]model.NodeInfo) map[model.NodeID]model.NodeInfo {
	out := make(map[model.NodeID]model.NodeInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInstances(m map[model.NodeID]model.InstanceStatus) map[model.NodeID]model.InstanceStatus {
	out := make(map[model.NodeID]model.InstanceStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneHandles(m map[model.NodeID]model.Handle) map[model.NodeID]model.Handle {
	out := make(map[model.NodeID]model.Handle, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
