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

// Package configstore defines the ConfigStore interface (the collaborator
// holding the canonical ServiceSpec) and a default etcd-backed
// implementation.
package configstore

import (
	"context"

	"github.com/orbitcore/masterd/pkg/model"
)

// Store is the ConfigStore collaborator: the source of the canonical
// ServiceSpec used to start/update remote instances.
type Store interface {
	Get(ctx context.Context, service model.ServiceID) (model.ServiceSpec, error)
	// Watch delivers a ServiceSpec every time it changes for service,
	// starting with the current value.
	Watch(ctx context.Context, service model.ServiceID) (<-chan model.ServiceSpec, error)
}
