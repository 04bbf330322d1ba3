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

package resolver

import (
	"testing"

	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	_ "github.com/cloudtik/cloudtik-go/pkg/provider/fake"
)

func testConfig() *config.ClusterConfig {
	return &config.ClusterConfig{
		ClusterName: "test-cluster",
		Provider:    config.ProviderConfig{Type: "fake"},
		Auth:        config.AuthConfig{SSHUser: "ubuntu"},
		HeadNodeType: "head",
		AvailableNodeTypes: map[string]config.NodeTypeConfig{
			"head":   {Resources: config.ResourceBundle{"CPU": 4}, MinWorkers: 0, MaxWorkers: 0},
			"worker": {Resources: config.ResourceBundle{"CPU": 8}, MinWorkers: 1, MaxWorkers: 4},
		},
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	log := zap.NewNop().Sugar()
	return New(log, t.TempDir(), "test-secret")
}

func TestBootstrapIsIdempotent(t *testing.T) {
	r := newTestResolver(t)
	cfg := testConfig()

	first, err := r.Bootstrap(cfg, Options{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !first.Bootstrapped {
		t.Fatalf("expected Bootstrapped=true")
	}

	second, err := r.Bootstrap(first, Options{})
	if err != nil {
		t.Fatalf("re-Bootstrap already-bootstrapped config: %v", err)
	}
	if second.ConfigHash != first.ConfigHash {
		t.Fatalf("re-bootstrapping an already-bootstrapped config changed its hash: %q != %q", second.ConfigHash, first.ConfigHash)
	}
}

func TestBootstrapHashIsDeterministic(t *testing.T) {
	r := newTestResolver(t)

	a, err := r.Bootstrap(testConfig(), Options{NoCache: true})
	if err != nil {
		t.Fatalf("Bootstrap a: %v", err)
	}
	b, err := r.Bootstrap(testConfig(), Options{NoCache: true})
	if err != nil {
		t.Fatalf("Bootstrap b: %v", err)
	}
	if a.ConfigHash != b.ConfigHash {
		t.Fatalf("identical input configs hashed differently: %q != %q", a.ConfigHash, b.ConfigHash)
	}
}

func TestBootstrapCacheRoundTrip(t *testing.T) {
	r := newTestResolver(t)
	cfg := testConfig()

	resolved, err := r.Bootstrap(cfg, Options{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Force the front-cache empty so the second call must hit the encrypted
	// on-disk cache file.
	r.front.Flush()

	cached, hit, err := r.readCache(resolved.ConfigHash)
	if err != nil {
		t.Fatalf("readCache: %v", err)
	}
	if !hit {
		t.Fatalf("expected a cache hit after Bootstrap persisted a cache file")
	}
	if cached.ClusterName != resolved.ClusterName {
		t.Fatalf("cached config mismatch: got cluster_name %q, want %q", cached.ClusterName, resolved.ClusterName)
	}
	if !cached.Bootstrapped {
		t.Fatalf("cached config lost its Bootstrapped flag")
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	r := newTestResolver(t)
	cfg := testConfig()
	cfg.HeadNodeType = "does-not-exist"

	if _, err := r.Bootstrap(cfg, Options{NoCache: true}); err == nil {
		t.Fatalf("expected an error for a head_node_type absent from available_node_types")
	}
}

func TestDropCacheRemovesBothLayers(t *testing.T) {
	r := newTestResolver(t)
	resolved, err := r.Bootstrap(testConfig(), Options{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := r.DropCache(resolved.ConfigHash); err != nil {
		t.Fatalf("DropCache: %v", err)
	}

	if _, hit, err := r.readCache(resolved.ConfigHash); err != nil || hit {
		t.Fatalf("expected no cache hit after DropCache, got hit=%v err=%v", hit, err)
	}
}

func TestCacheStatsTracksFrontCache(t *testing.T) {
	r := newTestResolver(t)
	if got := r.CacheStats(); got != 0 {
		t.Fatalf("expected an empty front-cache before any Bootstrap, got %d items", got)
	}
	if _, err := r.Bootstrap(testConfig(), Options{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := r.CacheStats(); got != 1 {
		t.Fatalf("expected 1 front-cache entry after Bootstrap, got %d", got)
	}
}
