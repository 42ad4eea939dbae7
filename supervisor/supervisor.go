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

// Package supervisor implements MasterSupervisor (component C6): a standard
// one-for-one supervisor running one MasterLoop per configured service,
// restarting a child that exits with an error while bounding restart
// intensity with a token-bucket limiter so a crash loop cannot consume
// restart budget faster than the window allows.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbitcore/masterd/pkg/metrics"
	"github.com/orbitcore/masterd/pkg/model"
)

// defaultIntensity bounds a child to 10 restarts within a 60s window before
// the supervisor gives up on it.
const (
	defaultMaxRestarts = 10
	defaultWindow      = 60 * time.Second
)

// ChildFunc is a supervised unit of work: typically (*master.Loop).Run. It
// should block until ctx is cancelled or it hits an unrecoverable error.
type ChildFunc func(ctx context.Context) error

// Child names one ChildFunc for logging and metrics labeling.
type Child struct {
	Service model.ServiceID
	Run     ChildFunc
}

// Supervisor runs a fixed set of Children one-for-one: each child is
// restarted independently of its siblings when it exits with an error,
// never as a reaction to a sibling's failure.
type Supervisor struct {
	log      *zap.Logger
	children []Child

	maxRestarts int
	window      time.Duration
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithRestartIntensity overrides the default 10-restarts-per-60s policy.
func WithRestartIntensity(maxRestarts int, window time.Duration) Option {
	return func(s *Supervisor) {
		s.maxRestarts = maxRestarts
		s.window = window
	}
}

// New returns a Supervisor for children. logger may be nil.
func New(logger *zap.Logger, children []Child, opts ...Option) *Supervisor {
	if logger == nil {
		logger = log.L()
	}
	s := &Supervisor{
		log:         logger,
		children:    children,
		maxRestarts: defaultMaxRestarts,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run supervises every child until ctx is cancelled or every child has
// either exited cleanly or exhausted its restart budget. It returns a
// combined error (via multierr) of every child that was given up on; a nil
// return means every child either ran to a clean ctx-cancellation exit or is
// still eligible for restart when ctx fired.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		combined error
	)
	wg.Add(len(s.children))
	for _, child := range s.children {
		child := child
		go func() {
			defer wg.Done()
			if err := s.superviseOne(ctx, child); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return combined
}

// superviseOne drives child until it exits cleanly, ctx is cancelled, or its
// restart budget (maxRestarts within window) is exhausted.
func (s *Supervisor) superviseOne(ctx context.Context, child Child) error {
	limiter := rate.NewLimiter(rate.Limit(float64(s.maxRestarts)/s.window.Seconds()), s.maxRestarts)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := child.Run(ctx)
		if err == nil || ctx.Err() != nil {
			s.log.Info("supervisor: child exited", zap.String("service", string(child.Service)), zap.Error(err))
			return nil
		}

		s.log.Warn("supervisor: child exited with error, considering restart",
			zap.String("service", string(child.Service)), zap.Error(err))

		if !limiter.Allow() {
			s.log.Error("supervisor: child exceeded restart intensity, giving up",
				zap.String("service", string(child.Service)),
				zap.Int("max_restarts", s.maxRestarts), zap.Duration("window", s.window))
			return err
		}
		metrics.SupervisorRestartsTotal.WithLabelValues(string(child.Service)).Inc()
	}
}
