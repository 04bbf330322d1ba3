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
	"testing"
	"time"

	"github.com/cloudtik/cloudtik-go/pkg/clustermetrics"
	"github.com/cloudtik/cloudtik-go/pkg/config"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
	fakeprovider "github.com/cloudtik/cloudtik-go/pkg/provider/fake"
)

func testConfig() *config.ClusterConfig {
	cfg := &config.ClusterConfig{
		ClusterName: "test-cluster",
		Provider:    config.ProviderConfig{Type: "fake"},
		Auth:        config.AuthConfig{SSHUser: "ubuntu"},
		AvailableNodeTypes: map[string]config.NodeTypeConfig{
			"head":   {Resources: config.ResourceBundle{"CPU": 4}, MinWorkers: 1, MaxWorkers: 1},
			"worker": {Resources: config.ResourceBundle{"CPU": 2}, MinWorkers: 0, MaxWorkers: 10},
		},
		HeadNodeType: "head",
		StartCommands: []config.CommandGroup{
			{GroupName: "start", Commands: []string{"start-runtime"}},
		},
		IdleTimeoutMinutes: 5,
	}
	return config.PrepareConfig(cfg)
}

func newFakeProvider(t *testing.T) *fakeprovider.Provider {
	t.Helper()
	p, err := fakeprovider.New(config.ProviderConfig{Type: "fake"})
	if err != nil {
		t.Fatalf("fakeprovider.New: %v", err)
	}
	return p.(*fakeprovider.Provider)
}

// TestTickDrivesPendingNodeToUpdater is scenario S1: a freshly launched
// node with a pending status gets an Updater started for it on the very
// next tick, and that Updater reaches up-to-date.
func TestTickDrivesPendingNodeToUpdater(t *testing.T) {
	fp := newFakeProvider(t)
	nodeID := fp.AddNode(map[string]string{
		provider.TagNodeType:   "worker",
		provider.TagNodeStatus: string(provider.StatusPending),
	})

	ctrl := New(testConfig(), fp, nil, nil, nil, Options{})

	if err := ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if !ctrl.pool.isRunning(nodeID) {
		t.Fatalf("expected an Updater to have been spawned for the pending node")
	}
	if err := ctrl.pool.wait(); err != nil {
		t.Fatalf("waiting for updaters: %v", err)
	}

	tags, err := fp.NodeTags(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("NodeTags: %v", err)
	}
	if got := tags[provider.TagNodeStatus]; got != string(provider.StatusUpToDate) {
		t.Fatalf("node status = %q, want up-to-date", got)
	}
}

// TestTickLaunchesToMeetMinWorkers covers scale from zero:
// min_workers=1 on the head type with no existing nodes must produce a
// launch on the very first tick.
func TestTickLaunchesToMeetMinWorkers(t *testing.T) {
	fp := newFakeProvider(t)
	ctrl := New(testConfig(), fp, nil, nil, nil, Options{})

	if err := ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}

	status := ctrl.Status()
	if status.ToLaunch["head"] != 1 {
		t.Fatalf("to_launch[head] = %d, want 1 to satisfy min_workers", status.ToLaunch["head"])
	}
}

// TestTickTerminatesIdleNode verifies that an up-to-date worker idle past
// idle_timeout is marked for termination by the scheduler and removed via
// the provider.
func TestTickTerminatesIdleNode(t *testing.T) {
	fp := newFakeProvider(t)
	nodeID := fp.AddNode(map[string]string{
		provider.TagNodeType:   "worker",
		provider.TagNodeStatus: string(provider.StatusUpToDate),
	})

	ctrl := New(testConfig(), fp, nil, nil, nil, Options{})

	// Seed the store so the worker looks idle well past idle_timeout.
	ip, err := fp.InternalIP(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("InternalIP: %v", err)
	}
	longAgo := time.Now().Add(-time.Hour)
	ctrl.store.UpdateNodeResources(ip, nodeID, longAgo,
		config.ResourceBundle{"CPU": 2}, config.ResourceBundle{"CPU": 2}, clustermetrics.Load{InUse: false})

	if err := ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}

	terminated, err := fp.IsTerminated(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("IsTerminated: %v", err)
	}
	if !terminated {
		t.Fatalf("expected the idle node to have been terminated")
	}
}

// TestTickRecreatesUpdateFailedNode covers the recovery-recreation
// addendum: a node tagged update-failed must be terminated and its type's
// slot freed for a replacement, rather than occupying it forever.
func TestTickRecreatesUpdateFailedNode(t *testing.T) {
	fp := newFakeProvider(t)
	failedID := fp.AddNode(map[string]string{
		provider.TagNodeType:   "worker",
		provider.TagNodeStatus: string(provider.StatusUpdateFailed),
	})

	ctrl := New(testConfig(), fp, nil, nil, nil, Options{})

	if err := ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}

	terminated, err := fp.IsTerminated(context.Background(), failedID)
	if err != nil {
		t.Fatalf("IsTerminated: %v", err)
	}
	if !terminated {
		t.Fatalf("expected the update-failed node to have been terminated")
	}
	if ctrl.pool.isRunning(failedID) {
		t.Fatalf("expected no Updater to be running for the evicted node")
	}

	ids, err := fp.NonTerminatedNodes(context.Background(), nil)
	if err != nil {
		t.Fatalf("NonTerminatedNodes: %v", err)
	}
	for _, id := range ids {
		if id == failedID {
			t.Fatalf("update-failed node is still present in non-terminated inventory")
		}
	}
}
