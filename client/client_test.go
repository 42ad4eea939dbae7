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

package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	merrors "github.com/orbitcore/masterd/pkg/errors"
	"github.com/orbitcore/masterd/pkg/model"
)

type fakeTransport struct {
	findByIDCalls  atomic.Int32
	findByIDErrs   []error
	findByIDResult model.ActorID

	registerErrs   []error
	registerResult model.Handle
}

func (f *fakeTransport) FindActorByID(context.Context, model.ServiceID, string, string) (model.ActorID, error) {
	i := int(f.findByIDCalls.Add(1)) - 1
	if i < len(f.findByIDErrs) {
		return model.ActorID{}, f.findByIDErrs[i]
	}
	return f.findByIDResult, nil
}

func (f *fakeTransport) FindActorByUID(context.Context, string) (model.ActorID, error) {
	return model.ActorID{}, merrors.ErrActorNotFound.GenWithStackByArgs("uid")
}

func (f *fakeTransport) RegisterActor(context.Context, model.ActorID) (model.Handle, error) {
	i := len(f.registerErrs)
	if i > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		return model.Handle{}, err
	}
	return f.registerResult, nil
}

func TestRetriesOnlyOnLeaderNotFound(t *testing.T) {
	want := model.ActorID{Service: "svc", Class: "room", Name: "lobby", UID: "uid-1"}
	tr := &fakeTransport{
		findByIDErrs: []error{
			merrors.ErrLeaderNotFound.GenWithStackByArgs("svc"),
			merrors.ErrLeaderNotFound.GenWithStackByArgs("svc"),
		},
		findByIDResult: want,
	}
	c := New(tr, nil)

	got, err := c.FindActorByID(context.Background(), "svc", "room", "lobby")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, int32(3), tr.findByIDCalls.Load())
}

func TestDoesNotRetryOnOtherErrors(t *testing.T) {
	tr := &fakeTransport{
		findByIDErrs: []error{merrors.ErrActorNotFound.GenWithStackByArgs("lobby")},
	}
	c := New(tr, nil)

	_, err := c.FindActorByID(context.Background(), "svc", "room", "lobby")
	require.Error(t, err)
	require.True(t, merrors.ErrActorNotFound.Equal(err))
	require.Equal(t, int32(1), tr.findByIDCalls.Load())
}

func TestRegisterActorPropagatesPermanentErrors(t *testing.T) {
	tr := &fakeTransport{
		registerErrs: []error{merrors.ErrAlreadyRegistered.GenWithStackByArgs("lobby")},
	}
	c := New(tr, nil)

	_, err := c.RegisterActor(context.Background(), model.ActorID{})
	require.Error(t, err)
	require.True(t, merrors.ErrAlreadyRegistered.Equal(err))
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	errs := make([]error, maxAttempts+5)
	for i := range errs {
		errs[i] = merrors.ErrLeaderNotFound.GenWithStackByArgs("svc")
	}
	tr := &fakeTransport{findByIDErrs: errs}
	c := New(tr, nil)

	_, err := c.FindActorByID(context.Background(), "svc", "room", "lobby")
	require.Error(t, err)
	require.True(t, merrors.IsLeaderNotFound(err))
	require.LessOrEqual(t, int(tr.findByIDCalls.Load()), maxAttempts)
}

func TestGenericRetryHelperUnwrapsPermanentErrors(t *testing.T) {
	_, err := retry(context.Background(), nil, "op", func() (int, error) {
		return 0, backoff.Permanent(errors.New("bad input"))
	})
	require.EqualError(t, err, "bad input")
}
