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

// Package client is the external caller library: a thin wrapper around a
// Loop's request surface that hides the transient leader_not_found window
// during an election by retrying. Every other error is returned to the
// caller immediately.
package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

const (
	maxAttempts    = 10
	retryInterval  = time.Second
	attemptTimeout = 5 * time.Second
)

// Transport is the request surface a Client retries against: ordinarily a
// *master.Loop reached locally, or a thin RPC stub reaching one over the
// wire. masterd only depends on the interface so this package never imports
// master, keeping the retry policy independent of transport.
type Transport interface {
	FindActorByID(ctx context.Context, service model.ServiceID, class, name string) (model.ActorID, error)
	FindActorByUID(ctx context.Context, uid string) (model.ActorID, error)
	RegisterActor(ctx context.Context, actor model.ActorID) (model.Handle, error)
}

// Client wraps a Transport with the bounded leader_not_found retry policy.
type Client struct {
	transport Transport
	log       *zap.Logger
}

// New returns a Client calling through transport.
func New(transport Transport, logger *zap.Logger) *Client {
	if logger == nil {
		logger = log.L()
	}
	return &Client{transport: transport, log: logger}
}

// FindActorByID implements find_actor_by_id with the retry policy applied.
func (c *Client) FindActorByID(ctx context.Context, service model.ServiceID, class, name string) (model.ActorID, error) {
	return retry(ctx, c.log, "find_actor_by_id", func() (model.ActorID, error) {
		ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		return c.transport.FindActorByID(ctx, service, class, name)
	})
}

// FindActorByUID implements find_actor_by_uid with the retry policy applied.
func (c *Client) FindActorByUID(ctx context.Context, uid string) (model.ActorID, error) {
	return retry(ctx, c.log, "find_actor_by_uid", func() (model.ActorID, error) {
		ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		return c.transport.FindActorByUID(ctx, uid)
	})
}

// RegisterActor implements register_actor with the retry policy applied.
func (c *Client) RegisterActor(ctx context.Context, actor model.ActorID) (model.Handle, error) {
	return retry(ctx, c.log, "register_actor", func() (model.Handle, error) {
		ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		return c.transport.RegisterActor(ctx, actor)
	})
}

// retry runs op up to maxAttempts times, 1s apart, bailing out immediately
// on any error other than leader_not_found.
func retry[T any](ctx context.Context, logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	var result T
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		v, err := fn()
		if err == nil {
			result = v
			return nil
		}
		if merrors.IsLeaderNotFound(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo, func(err error, wait time.Duration) {
		logger.Warn("client: retrying after leader_not_found",
			zap.String("op", op), zap.Error(err), zap.Duration("wait", wait))
	})
	if perm, ok := err.(*backoff.PermanentError); ok {
		return result, perm.Err
	}
	return result, err
}
