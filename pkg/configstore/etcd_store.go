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

package configstore

import (
	"context"
	"encoding/json"

	"github.com/pingcap/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/orbitcore/masterd/pkg/model"
)

// EtcdStore is the default Store: ServiceSpec JSON under
// <prefix>/<service_id>.
type EtcdStore struct {
	cli    *clientv3.Client
	prefix string
}

// NewEtcdStore returns a Store rooted at prefix (e.g. "/masterd/specs/").
func NewEtcdStore(cli *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{cli: cli, prefix: prefix}
}

func (s *EtcdStore) key(service model.ServiceID) string { return s.prefix + string(service) }

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, service model.ServiceID) (model.ServiceSpec, error) {
	resp, err := s.cli.Get(ctx, s.key(service))
	if err != nil {
		return model.ServiceSpec{}, errors.Trace(err)
	}
	if len(resp.Kvs) == 0 {
		return model.ServiceSpec{}, errors.Errorf("configstore: no spec for service %s", service)
	}
	var spec model.ServiceSpec
	if err := json.Unmarshal(resp.Kvs[0].Value, &spec); err != nil {
		return model.ServiceSpec{}, errors.Trace(err)
	}
	return spec, nil
}

// Put publishes spec as given, VersionHash included; it does not compute or
// change the hash. Watchers receive the new value.
func (s *EtcdStore) Put(ctx context.Context, spec model.ServiceSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.cli.Put(ctx, s.key(spec.ServiceID), string(data))
	return errors.Trace(err)
}

// Watch implements Store.
func (s *EtcdStore) Watch(ctx context.Context, service model.ServiceID) (<-chan model.ServiceSpec, error) {
	out := make(chan model.ServiceSpec, 1)
	initial, err := s.Get(ctx, service)
	if err == nil {
		out <- initial
	}
	go func() {
		defer close(out)
		wch := s.cli.Watch(ctx, s.key(service))
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var spec model.ServiceSpec
				if err := json.Unmarshal(ev.Kv.Value, &spec); err == nil {
					out <- spec
				}
			}
		}
	}()
	return out, nil
}
