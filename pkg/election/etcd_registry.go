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

package election

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/orbitcore/masterd/pkg/model"
)

// EtcdRegistry is the default Registry, backed by an etcd lease for the
// claim's TTL and a single-key compare-and-swap for the claim itself. Unlike
// concurrency.Election's blocking Campaign, Claim never blocks: it either
// wins immediately or reports who currently holds the name, which is the
// non-blocking claim primitive Elector.Tick is built around.
type EtcdRegistry struct {
	cli          *clientv3.Client
	prefix       string
	leaseSeconds int64

	// mu guards sessions: the winning session per contested name, kept
	// alive (and its keepalive goroutine running) only as long as this
	// registry holds that name, mirroring capture.go's own session
	// ownership — closed explicitly on Resign rather than left to leak
	// until the etcd client itself is closed.
	mu       sync.Mutex
	sessions map[string]*concurrency.Session
}

// NewEtcdRegistry returns a Registry storing claims under prefix (typically
// "/masterd/election/").
func NewEtcdRegistry(cli *clientv3.Client, prefix string, leaseSeconds int64) *EtcdRegistry {
	if leaseSeconds == 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	return &EtcdRegistry{
		cli:          cli,
		prefix:       prefix,
		leaseSeconds: leaseSeconds,
		sessions:     make(map[string]*concurrency.Session),
	}
}

func (r *EtcdRegistry) key(name string) string { return r.prefix + name }

func (r *EtcdRegistry) Current(ctx context.Context, name string) (Candidate, bool, error) {
	resp, err := r.cli.Get(ctx, r.key(name))
	if err != nil {
		return Candidate{}, false, errors.Trace(err)
	}
	if len(resp.Kvs) == 0 {
		return Candidate{}, false, nil
	}
	var c Candidate
	if err := json.Unmarshal(resp.Kvs[0].Value, &c); err != nil {
		return Candidate{}, false, errors.Trace(err)
	}
	return c, true, nil
}

func (r *EtcdRegistry) Claim(ctx context.Context, name string, self Candidate, resolver ConflictResolver) (bool, Candidate, error) {
	session, err := concurrency.NewSession(r.cli, concurrency.WithTTL(int(r.leaseSeconds)))
	if err != nil {
		return false, Candidate{}, errors.Trace(err)
	}
	val, err := json.Marshal(self)
	if err != nil {
		_ = session.Close()
		return false, Candidate{}, errors.Trace(err)
	}
	k := r.key(name)
	resp, err := r.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(val), clientv3.WithLease(session.Lease()))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		_ = session.Close()
		return false, Candidate{}, errors.Trace(err)
	}
	if resp.Succeeded {
		r.mu.Lock()
		r.sessions[name] = session
		r.mu.Unlock()
		return true, self, nil
	}
	// The name is already held. This session was never attached to a
	// winning key, so release it immediately rather than leaking a lease.
	_ = session.Close()
	getResp := resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// The holder resigned between the compare and the else-branch read;
		// the caller's next tick will observe an empty registry and retry.
		return false, Candidate{}, nil
	}
	var current Candidate
	if err := json.Unmarshal(getResp.Kvs[0].Value, &current); err != nil {
		return false, Candidate{}, errors.Trace(err)
	}
	if current.StartTime.Equal(self.StartTime) && current.Node != self.Node {
		// Degenerate tie on the rare case both records share a start
		// time; defer to the resolver for a deterministic pick even
		// though etcd has already serialized the write.
		current = resolver(name, current, self)
	}
	return false, current, nil
}

// Resign deletes the claim key if self currently holds it, so the next
// tick elsewhere can claim without waiting out the lease TTL: graceful
// self-resignation on shutdown.
func (r *EtcdRegistry) Resign(ctx context.Context, name string, self model.NodeID) error {
	r.mu.Lock()
	session := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}

	k := r.key(name)
	current, ok, err := r.Current(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok || current.Node != self {
		return nil
	}
	_, err = r.cli.Delete(ctx, k)
	return errors.Trace(err)
}

func (r *EtcdRegistry) Watch(ctx context.Context, name string) (<-chan Candidate, error) {
	out := make(chan Candidate, 1)
	k := r.key(name)
	resp, err := r.cli.Get(ctx, k)
	if err != nil {
		close(out)
		return out, errors.Trace(err)
	}
	rev := resp.Header.Revision
	if len(resp.Kvs) > 0 {
		var c Candidate
		if err := json.Unmarshal(resp.Kvs[0].Value, &c); err == nil {
			out <- c
		}
	}
	go func() {
		defer close(out)
		wch := r.cli.Watch(ctx, k, clientv3.WithRev(rev+1))
		for wresp := range wch {
			if wresp.Err() != nil {
				log.Warn("election watch error", zap.Error(wresp.Err()))
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					out <- Candidate{}
					continue
				}
				var c Candidate
				if err := json.Unmarshal(ev.Kv.Value, &c); err == nil {
					out <- c
				}
			}
		}
	}()
	return out, nil
}
