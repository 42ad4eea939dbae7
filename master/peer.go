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

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/orbitcore/masterd/pkg/model"
	"github.com/orbitcore/masterd/pkg/runtimerpc"
)

// PeerStub is the thin seam for inter-master RPC, mirroring
// runtimerpc.Stub: the wire contract of register_follower/check_leader is
// the embedder's generated client to define, masterd only owns the
// connection pool and the best-effort dispatch discipline.
type PeerStub interface {
	RegisterFollower(ctx context.Context, conn *grpc.ClientConn, self model.NodeID, addr model.Handle) error
	CheckLeader(ctx context.Context, conn *grpc.ClientConn) error
}

// PeerClient issues the peer `register_follower`/`check_leader` hints over
// the same pooled-connection discipline as ServiceRuntime RPCs.
type PeerClient struct {
	pool *runtimerpc.ConnPool
	stub PeerStub
	log  *zap.Logger
}

// NewPeerClient returns a PeerClient dialing peers through pool.
func NewPeerClient(pool *runtimerpc.ConnPool, stub PeerStub, logger *zap.Logger) *PeerClient {
	if logger == nil {
		logger = log.L()
	}
	return &PeerClient{pool: pool, stub: stub, log: logger}
}

// RegisterFollower calls register_follower(self) against the peer at node.
func (p *PeerClient) RegisterFollower(ctx context.Context, node model.NodeID, self model.NodeID, addr model.Handle) error {
	conn, err := p.pool.Get(ctx, node)
	if err != nil {
		return err
	}
	return p.stub.RegisterFollower(ctx, conn, self, addr)
}

// BroadcastCheckLeader fires the check_leader hint at every peer in nodes,
// detached and best-effort: a peer that misses the hint simply converges on
// its own next timer tick.
func (p *PeerClient) BroadcastCheckLeader(ctx context.Context, nodes []model.NodeID) {
	for _, node := range nodes {
		node := node
		go func() {
			conn, err := p.pool.Get(ctx, node)
			if err != nil {
				p.log.Warn("peer: dial failed for check_leader hint", zap.String("node", string(node)), zap.Error(err))
				return
			}
			if err := p.stub.CheckLeader(ctx, conn); err != nil {
				p.log.Warn("peer: check_leader hint failed", zap.String("node", string(node)), zap.Error(err))
			}
		}()
	}
}
