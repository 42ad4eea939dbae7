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

package nodewatch

import (
	"context"
	"encoding/json"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orbitcore/masterd/pkg/model"
)

// wireNodeInfo is the JSON shape stored under <prefix>/<node_id>.
type wireNodeInfo struct {
	ID      model.NodeID
	Status  string
	Address string
}

func toWire(n model.NodeInfo) wireNodeInfo {
	return wireNodeInfo{ID: n.ID, Status: n.Status.String(), Address: n.Address}
}

func fromWire(w wireNodeInfo) model.NodeInfo {
	status := model.NodeUnknown
	switch w.Status {
	case "normal":
		status = model.NodeNormal
	case "down":
		status = model.NodeDown
	}
	return model.NodeInfo{ID: w.ID, Status: status, Address: w.Address}
}

// EtcdService is the default NodeService (component C9). Each node is
// expected to publish wireNodeInfo JSON under prefix+nodeID, tied to a
// keepalive lease owned by that node's own agent; this type only reads.
type EtcdService struct {
	cli     *clientv3.Client
	prefix  string
	watched *atomic.Bool
	log     *zap.Logger
}

// NewEtcdService returns a NodeService watching prefix (e.g. "/masterd/nodes/").
func NewEtcdService(cli *clientv3.Client, prefix string, logger *zap.Logger) *EtcdService {
	if logger == nil {
		logger = log.L()
	}
	return &EtcdService{cli: cli, prefix: prefix, watched: atomic.NewBool(false), log: logger}
}

// Subscribe implements Service. An EtcdService may only be watched once.
func (s *EtcdService) Subscribe(ctx context.Context) (<-chan NodeSetUpdate, error) {
	if !s.watched.CAS(false, true) {
		ch := make(chan NodeSetUpdate, 1)
		ch <- NodeSetUpdate{Err: errors.Errorf("nodewatch: EtcdService already watched")}
		close(ch)
		return ch, nil
	}

	snapshot, rev, err := s.snapshot(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	out := make(chan NodeSetUpdate, 1)
	out <- NodeSetUpdate{Nodes: snapshot}

	go s.watch(ctx, out, snapshot, rev)
	return out, nil
}

func (s *EtcdService) snapshot(ctx context.Context) (map[model.NodeID]model.NodeInfo, int64, error) {
	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	nodes := make(map[model.NodeID]model.NodeInfo, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var w wireNodeInfo
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			return nil, 0, errors.Trace(err)
		}
		nodes[w.ID] = fromWire(w)
	}
	return nodes, resp.Header.Revision, nil
}

func (s *EtcdService) watch(ctx context.Context, out chan NodeSetUpdate, current map[model.NodeID]model.NodeInfo, rev int64) {
	defer close(out)
	wch := s.cli.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if resp.Err() != nil {
			out <- NodeSetUpdate{Err: errors.Trace(resp.Err())}
			return
		}
		changed := false
		for _, ev := range resp.Events {
			changed = true
			id := model.NodeID(ev.Kv.Key[len(s.prefix):])
			switch ev.Type {
			case clientv3.EventTypeDelete:
				delete(current, id)
			case clientv3.EventTypePut:
				var w wireNodeInfo
				if err := json.Unmarshal(ev.Kv.Value, &w); err != nil {
					s.log.Warn("nodewatch: dropping malformed node record", zap.Error(err))
					continue
				}
				current[w.ID] = fromWire(w)
			}
		}
		if changed {
			snapshot := make(map[model.NodeID]model.NodeInfo, len(current))
			for k, v := range current {
				snapshot[k] = v
			}
			out <- NodeSetUpdate{Nodes: snapshot}
		}
	}
}

// PutSelf publishes this node's own NodeInfo under a lease, for use by
// whatever agent on this node is responsible for announcing liveness:
// lease-bound node registration.
func PutSelf(ctx context.Context, cli *clientv3.Client, prefix string, info model.NodeInfo, lease clientv3.LeaseID) error {
	data, err := json.Marshal(toWire(info))
	if err != nil {
		return errors.Trace(err)
	}
	_, err = cli.Put(ctx, prefix+string(info.ID), string(data), clientv3.WithLease(lease))
	return errors.Trace(err)
}
