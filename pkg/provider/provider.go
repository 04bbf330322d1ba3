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

// Package provider defines the NodeProvider capability set the core
// consumes (spec §6) and a small in-process registry mirroring the
// teacher's cloudprovider.ForProvider pattern. Concrete cloud adapters
// (AWS/GCP/Azure/...) are out of scope for this module (spec §1); only the
// in-memory fake adapter under pkg/provider/fake lives here, for tests and
// the demo binary.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	"github.com/cloudtik/cloudtik-go/pkg/executor"
	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
)

// Node is an abstract cloud instance (spec §3): an opaque provider-assigned
// ID, a mutable tag map and zero or more IPs.
type Node struct {
	ID         string
	Tags       map[string]string
	InternalIP string
	ExternalIP string
}

// NodeProvider abstracts cloud CRUD on instances, tags and IPs (spec §6).
// All methods accept a context so long-running calls (instance creation,
// termination) honor cancellation (spec §5).
type NodeProvider interface {
	NonTerminatedNodes(ctx context.Context, tagFilters map[string]string) ([]string, error)
	IsTerminated(ctx context.Context, nodeID string) (bool, error)
	NodeTags(ctx context.Context, nodeID string) (map[string]string, error)
	SetNodeTags(ctx context.Context, nodeID string, tags map[string]string) error
	InternalIP(ctx context.Context, nodeID string) (string, error)
	ExternalIP(ctx context.Context, nodeID string) (string, error)
	CreateNodes(ctx context.Context, nodeConfig map[string]any, tags map[string]string, count int) ([]string, error)
	TerminateNode(ctx context.Context, nodeID string) error
	GetCommandExecutor(ctx context.Context, nodeID string, authConfig config.AuthConfig, dockerConfig config.DockerConfig) (executor.CommandExecutor, error)
	PostPrepare(cfg *config.ClusterConfig) (*config.ClusterConfig, error)
	BootstrapConfig(cfg *config.ClusterConfig) (*config.ClusterConfig, error)
}

// Factory constructs a NodeProvider for a resolved provider config.
type Factory func(providerCfg config.ProviderConfig) (NodeProvider, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a provider factory under name, meant to be called from an
// adapter package's init() (spec §9 "runtime polymorphism by string key ->
// interface + registry table; registration happens at startup").
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// ForProvider returns a NodeProvider for the requested type, mirroring the
// teacher's cloudprovider.ForProvider.
func ForProvider(providerCfg config.ProviderConfig) (NodeProvider, error) {
	mu.RLock()
	f, found := factories[providerCfg.Type]
	mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", cterrors.ErrUnsupportedProvider, providerCfg.Type)
	}
	return f(providerCfg)
}
