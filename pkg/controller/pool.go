/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cloudtik/cloudtik-go/pkg/metrics"
	"github.com/cloudtik/cloudtik-go/pkg/updater"
)

// pool runs one Updater per node, deduplicated by node id, across the
// controller's whole lifetime rather than one errgroup per tick: a node
// that is still updating when the next tick runs must not be spawned
// twice (spec §4.5 step 7 "deduplicated by node id").
//
// A failing Updater must never abort its siblings (spec §5), so the
// goroutine errgroup.Group.Go runs always returns nil; the Updater's
// actual error only ever feeds the metrics counters.
type pool struct {
	mu      sync.Mutex
	running map[string]*updater.Updater
	eg      *errgroup.Group
}

func newPool() *pool {
	return &pool{running: map[string]*updater.Updater{}, eg: &errgroup.Group{}}
}

// spawn starts u under nodeID if nothing is already running for it,
// reporting whether it did so.
func (p *pool) spawn(ctx context.Context, mc *metrics.MetricsCollection, nodeID string, u *updater.Updater) bool {
	p.mu.Lock()
	if _, ok := p.running[nodeID]; ok {
		p.mu.Unlock()
		return false
	}
	p.running[nodeID] = u
	p.mu.Unlock()

	p.eg.Go(func() error {
		err := u.Run(ctx)

		p.mu.Lock()
		delete(p.running, nodeID)
		p.mu.Unlock()

		if err != nil {
			mc.UpdaterFailures.Inc()
		} else {
			mc.UpdaterSuccesses.Inc()
		}
		return nil
	})
	return true
}

// cancelNode aborts nodeID's Updater, if one is running (spec §5
// "the controller's termination of a node MUST signal that node's
// Updater to abort").
func (p *pool) cancelNode(nodeID string) {
	p.mu.Lock()
	u, ok := p.running[nodeID]
	p.mu.Unlock()
	if ok {
		u.Cancel()
	}
}

// cancelAll aborts every running Updater (spec §5 "controller shutdown
// cancels all Updaters").
func (p *pool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.running {
		u.Cancel()
	}
}

func (p *pool) isRunning(nodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[nodeID]
	return ok
}

// wait blocks until every spawned Updater has returned.
func (p *pool) wait() error {
	return p.eg.Wait()
}
