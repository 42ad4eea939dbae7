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

// Package monitor implements the liveness-monitor primitive ActorIndex and
// MasterLoop build on: watching a Handle's etcd lease key and delivering a
// single notification, out of band, when it disappears.
package monitor

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/orbitcore/masterd/pkg/actorindex"
	"github.com/orbitcore/masterd/pkg/model"
)

// token is the MonitorHandle EtcdMonitor hands back from MonitorHost.
type token struct {
	cancel context.CancelFunc
}

// EtcdMonitor watches <prefix>/<node>/<ref> liveness keys and reports a
// Handle's death exactly once onto deaths, grounded on the same watch idiom
// as election.EtcdRegistry.Watch.
type EtcdMonitor struct {
	cli    *clientv3.Client
	prefix string
	deaths chan<- model.Handle
	log    *zap.Logger

	mu      sync.Mutex
	pending map[model.Handle]context.CancelFunc
}

var _ actorindex.Monitor = (*EtcdMonitor)(nil)

// NewEtcdMonitor returns a Monitor delivering death notifications onto
// deaths. deaths should be buffered or drained promptly; MonitorHost blocks
// a watch goroutine, never the caller, but a full channel stalls delivery.
func NewEtcdMonitor(cli *clientv3.Client, prefix string, deaths chan<- model.Handle, logger *zap.Logger) *EtcdMonitor {
	if logger == nil {
		logger = log.L()
	}
	return &EtcdMonitor{
		cli:     cli,
		prefix:  prefix,
		deaths:  deaths,
		log:     logger,
		pending: make(map[model.Handle]context.CancelFunc),
	}
}

func (m *EtcdMonitor) key(h model.Handle) string {
	return m.prefix + string(h.Node) + "/" + h.Ref
}

// MonitorHost implements actorindex.Monitor.
func (m *EtcdMonitor) MonitorHost(h model.Handle) actorindex.MonitorHandle {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.pending[h] = cancel
	m.mu.Unlock()
	go m.watch(ctx, h)
	return token{cancel: cancel}
}

// Unmonitor implements actorindex.Monitor.
func (m *EtcdMonitor) Unmonitor(tok actorindex.MonitorHandle) {
	t, ok := tok.(token)
	if !ok || t.cancel == nil {
		return
	}
	t.cancel()
}

func (m *EtcdMonitor) watch(ctx context.Context, h model.Handle) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, h)
		m.mu.Unlock()
	}()

	k := m.key(h)
	resp, err := m.cli.Get(ctx, k)
	if err != nil {
		m.log.Warn("monitor: initial get failed", zap.Stringer("handle", h), zap.Error(err))
		m.notify(h)
		return
	}
	if len(resp.Kvs) == 0 {
		// Already gone; report dead immediately rather than waiting for a
		// watch event that will never arrive.
		m.notify(h)
		return
	}

	wch := m.cli.Watch(ctx, k, clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return
		case wresp, ok := <-wch:
			if !ok {
				return
			}
			if wresp.Err() != nil {
				m.log.Warn("monitor: watch error", zap.Stringer("handle", h), zap.Error(wresp.Err()))
				m.notify(h)
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					m.notify(h)
					return
				}
			}
		}
	}
}

func (m *EtcdMonitor) notify(h model.Handle) {
	select {
	case m.deaths <- h:
	default:
		// Caller's channel is unbuffered/full and not currently receiving;
		// spawn off so a slow consumer never wedges this watch goroutine.
		go func() { m.deaths <- h }()
	}
}
