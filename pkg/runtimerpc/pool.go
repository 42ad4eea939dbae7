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

package runtimerpc

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/keepalive"

	"github.com/orbitcore/masterd/pkg/model"
)

const (
	dialTimeout         = 5 * time.Second
	recycleConnInterval = 10 * time.Minute
)

// AddressBook resolves a NodeID to a dial target. Supplied by the embedder;
// masterd never invents node addresses.
type AddressBook interface {
	Address(node model.NodeID) (string, bool)
}

// ConnPool manages one long-lived grpc.ClientConn per node, grown lazily;
// Recycle periodically drops failed connections. One connection per node
// is enough since ServiceRuntime calls are low-volume control-plane RPCs,
// not a data path.
type ConnPool struct {
	addrs AddressBook
	log   *zap.Logger

	mu    sync.Mutex
	conns map[model.NodeID]*grpc.ClientConn
}

// NewConnPool returns an empty pool resolving targets via addrs.
func NewConnPool(addrs AddressBook, logger *zap.Logger) *ConnPool {
	if logger == nil {
		logger = log.L()
	}
	return &ConnPool{addrs: addrs, log: logger, conns: make(map[model.NodeID]*grpc.ClientConn)}
}

// Get returns the connection for node, dialing it on first use.
func (p *ConnPool) Get(ctx context.Context, node model.NodeID) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[node]; ok {
		return conn, nil
	}
	addr, ok := p.addrs.Address(node)
	if !ok {
		return nil, errors.Errorf("runtimerpc: no address for node %s", node)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithInsecure(), //nolint:staticcheck // transport security is an embedder concern
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.1,
				Jitter:     0.1,
				MaxDelay:   3 * time.Second,
			},
			MinConnectTimeout: 3 * time.Second,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, errors.Annotatef(err, "dial node %s at %s", node, addr)
	}
	p.conns[node] = conn
	return conn, nil
}

// Recycle drops connections whose grpc connectivity state is SHUTDOWN or
// TRANSIENT_FAILURE, checked on a fixed interval; idle connections are kept.
// Run as a detached goroutine for the lifetime of the embedding process.
func (p *ConnPool) Recycle(ctx context.Context) {
	ticker := time.NewTicker(recycleConnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			for node, conn := range p.conns {
				state := conn.GetState()
				if state.String() == "SHUTDOWN" || state.String() == "TRANSIENT_FAILURE" {
					_ = conn.Close()
					delete(p.conns, node)
					p.log.Info("runtimerpc: recycled dead connection", zap.String("node", string(node)))
				}
			}
			p.mu.Unlock()
		}
	}
}

// Close tears down every pooled connection.
func (p *ConnPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		_ = conn.Close()
	}
	p.conns = make(map[model.NodeID]*grpc.ClientConn)
}
