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

// Package fake is an in-memory NodeProvider, grounded on the teacher's
// pkg/cloudprovider/provider/fake package: deterministic, no-network
// instance bookkeeping for use in tests and the demo binary.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
	"github.com/cloudtik/cloudtik-go/pkg/executor"
	execfake "github.com/cloudtik/cloudtik-go/pkg/executor/fake"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
)

type node struct {
	tags       map[string]string
	internalIP string
	externalIP string
	terminated bool
}

// Provider is an in-memory NodeProvider. The zero value is not usable;
// construct with New.
type Provider struct {
	mu        sync.Mutex
	nodes     map[string]*node
	ipCounter int

	// Executors, keyed by node id, lets tests script the behavior each
	// node's CommandExecutor exhibits (e.g. SSH flapping for scenario S5).
	Executors map[string]*execfake.Executor
}

// New returns a fake NodeProvider. It satisfies provider.Factory so it can
// be registered under a name (e.g. "fake") for config-driven tests.
func New(config.ProviderConfig) (provider.NodeProvider, error) {
	return &Provider{nodes: map[string]*node{}, Executors: map[string]*execfake.Executor{}}, nil
}

func init() {
	provider.Register("fake", New)
}

// AddNode seeds the provider with an existing node, useful for scenario
// setup (e.g. idle-eviction tests that need a pre-existing worker).
func (p *Provider) AddNode(tags map[string]string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	p.ipCounter++
	p.nodes[id] = &node{
		tags:       cloneTags(tags),
		internalIP: fmt.Sprintf("10.0.0.%d", p.ipCounter),
		externalIP: fmt.Sprintf("203.0.113.%d", p.ipCounter),
	}
	return id
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func (p *Provider) NonTerminatedNodes(_ context.Context, tagFilters map[string]string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, n := range p.nodes {
		if n.terminated {
			continue
		}
		if matchesFilters(n.tags, tagFilters) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func matchesFilters(tags, filters map[string]string) bool {
	for k, v := range filters {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func (p *Provider) IsTerminated(_ context.Context, nodeID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return true, nil
	}
	return n.terminated, nil
}

func (p *Provider) NodeTags(_ context.Context, nodeID string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("fake provider: unknown node %s", nodeID)
	}
	return cloneTags(n.tags), nil
}

func (p *Provider) SetNodeTags(_ context.Context, nodeID string, tags map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return fmt.Errorf("fake provider: unknown node %s", nodeID)
	}
	for k, v := range tags {
		n.tags[k] = v
	}
	return nil
}

func (p *Provider) InternalIP(_ context.Context, nodeID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("fake provider: unknown node %s", nodeID)
	}
	return n.internalIP, nil
}

func (p *Provider) ExternalIP(_ context.Context, nodeID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("fake provider: unknown node %s", nodeID)
	}
	return n.externalIP, nil
}

func (p *Provider) CreateNodes(_ context.Context, _ map[string]any, tags map[string]string, count int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.NewString()
		p.ipCounter++
		p.nodes[id] = &node{
			tags:       cloneTags(tags),
			internalIP: fmt.Sprintf("10.0.0.%d", p.ipCounter),
			externalIP: fmt.Sprintf("203.0.113.%d", p.ipCounter),
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Provider) TerminateNode(_ context.Context, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	if !ok {
		return nil
	}
	n.terminated = true
	return nil
}

// GetCommandExecutor returns a scripted fake.Executor for nodeID,
// creating a default (always-succeeds) one on first use.
func (p *Provider) GetCommandExecutor(_ context.Context, nodeID string, _ config.AuthConfig, _ config.DockerConfig) (executor.CommandExecutor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ex, ok := p.Executors[nodeID]; ok {
		return ex, nil
	}
	ex := execfake.New()
	p.Executors[nodeID] = ex
	return ex, nil
}

func (p *Provider) PostPrepare(cfg *config.ClusterConfig) (*config.ClusterConfig, error) {
	return cfg, nil
}

func (p *Provider) BootstrapConfig(cfg *config.ClusterConfig) (*config.ClusterConfig, error) {
	if cfg.Provider.Type == "" {
		return nil, &cterrors.ConfigError{Reason: "fake provider: provider.type must be set"}
	}
	return cfg, nil
}
