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
	"time"

	"google.golang.org/grpc"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

const callTimeout = 5 * time.Second

// Stub is the thin seam between masterd's pooled grpc.ClientConn and the
// embedder's generated ServiceRuntime client stub; the wire contract of
// start/stop/update/replace is the embedder's to define, masterd only owns
// connection lifecycle and retry policy.
type Stub interface {
	Start(ctx context.Context, conn *grpc.ClientConn, spec model.ServiceSpec) (Result, error)
	Stop(ctx context.Context, conn *grpc.ClientConn, service model.ServiceID) error
	Update(ctx context.Context, conn *grpc.ClientConn, spec model.ServiceSpec) error
	Replace(ctx context.Context, conn *grpc.ClientConn, spec model.ServiceSpec) error
}

// GRPCRuntime is the default Runtime: a ConnPool plus a Stub.
type GRPCRuntime struct {
	pool *ConnPool
	stub Stub
}

// NewGRPCRuntime returns a Runtime backed by pool and stub.
func NewGRPCRuntime(pool *ConnPool, stub Stub) *GRPCRuntime {
	return &GRPCRuntime{pool: pool, stub: stub}
}

func (r *GRPCRuntime) Start(ctx context.Context, node model.NodeID, spec model.ServiceSpec) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	conn, err := r.pool.Get(ctx, node)
	if err != nil {
		return 0, merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	res, err := r.stub.Start(ctx, conn, spec)
	if err != nil {
		return 0, merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	return res, nil
}

func (r *GRPCRuntime) Stop(ctx context.Context, node model.NodeID, service model.ServiceID) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	conn, err := r.pool.Get(ctx, node)
	if err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	if err := r.stub.Stop(ctx, conn, service); err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (r *GRPCRuntime) Update(ctx context.Context, node model.NodeID, spec model.ServiceSpec) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	conn, err := r.pool.Get(ctx, node)
	if err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	if err := r.stub.Update(ctx, conn, spec); err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (r *GRPCRuntime) Replace(ctx context.Context, node model.NodeID, spec model.ServiceSpec) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	conn, err := r.pool.Get(ctx, node)
	if err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	if err := r.stub.Replace(ctx, conn, spec); err != nil {
		return merrors.ErrRPCFailed.GenWithStackByArgs(err.Error())
	}
	return nil
}
