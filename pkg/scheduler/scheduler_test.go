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

package scheduler

import (
	"testing"
	"time"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// TestScaleUpOnDemand is scenario S3.
func TestScaleUpOnDemand(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"worker-small": {Resources: config.ResourceBundle{"CPU": 2}, MinWorkers: 0, MaxWorkers: 20},
	}
	s := New(catalog, []string{"worker-small"}, 0, nil)

	demands := make([]config.ResourceBundle, 10)
	for i := range demands {
		demands[i] = config.ResourceBundle{"CPU": 1}
	}

	plan := s.Plan(nil, demands, map[string]time.Time{}, time.Unix(0, 0), time.Hour)

	if got := plan.ToLaunch["worker-small"]; got != 5 {
		t.Fatalf("to_launch[worker-small] = %d, want 5 (ceil(10x CPU:1 / CPU:2 per node))", got)
	}
	if len(plan.Unschedulable) != 0 {
		t.Fatalf("expected no unschedulable demands, got %v", plan.Unschedulable)
	}
}

func TestScaleUpCappedByMaxWorkers(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"worker-small": {Resources: config.ResourceBundle{"CPU": 2}, MinWorkers: 0, MaxWorkers: 3},
	}
	s := New(catalog, []string{"worker-small"}, 0, nil)

	demands := make([]config.ResourceBundle, 10)
	for i := range demands {
		demands[i] = config.ResourceBundle{"CPU": 1}
	}

	plan := s.Plan(nil, demands, map[string]time.Time{}, time.Unix(0, 0), time.Hour)

	if got := plan.ToLaunch["worker-small"]; got != 3 {
		t.Fatalf("to_launch[worker-small] = %d, want 3 (capped by max_workers)", got)
	}
}

// TestIdleEviction is scenario S4.
func TestIdleEviction(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"worker": {Resources: config.ResourceBundle{"CPU": 4}, MinWorkers: 0, MaxWorkers: 10},
	}
	s := New(catalog, []string{"worker"}, 0, nil)

	now := time.Unix(100000, 0)
	existing := []NodeState{
		{NodeID: "stale-node", IP: "10.0.0.1", Type: "worker"},
		{NodeID: "fresh-node", IP: "10.0.0.2", Type: "worker"},
	}
	lastUsed := map[string]time.Time{
		"10.0.0.1": now.Add(-11 * time.Minute),
		"10.0.0.2": now.Add(-9 * time.Minute),
	}

	plan := s.Plan(existing, nil, lastUsed, now, 10*time.Minute)

	if len(plan.ToTerminate) != 1 || plan.ToTerminate[0] != "stale-node" {
		t.Fatalf("to_terminate = %v, want exactly [stale-node]", plan.ToTerminate)
	}
}

func TestIdleEvictionRespectsMinWorkers(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"worker": {Resources: config.ResourceBundle{"CPU": 4}, MinWorkers: 1, MaxWorkers: 10},
	}
	s := New(catalog, []string{"worker"}, 0, nil)

	now := time.Unix(100000, 0)
	existing := []NodeState{{NodeID: "only-node", IP: "10.0.0.1", Type: "worker"}}
	lastUsed := map[string]time.Time{"10.0.0.1": now.Add(-1 * time.Hour)}

	plan := s.Plan(existing, nil, lastUsed, now, 10*time.Minute)

	if len(plan.ToTerminate) != 0 {
		t.Fatalf("expected min_workers=1 to block eviction of the only worker, got %v", plan.ToTerminate)
	}
}

// TestPlanRespectsBoundsAndGlobalCap is property 6.
func TestPlanRespectsBoundsAndGlobalCap(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"a": {Resources: config.ResourceBundle{"CPU": 1}, MinWorkers: 2, MaxWorkers: 5},
		"b": {Resources: config.ResourceBundle{"CPU": 1}, MinWorkers: 0, MaxWorkers: 5},
	}
	s := New(catalog, []string{"a", "b"}, 4, nil)

	demands := make([]config.ResourceBundle, 20)
	for i := range demands {
		demands[i] = config.ResourceBundle{"CPU": 1}
	}

	plan := s.Plan(nil, demands, map[string]time.Time{}, time.Unix(0, 0), time.Hour)

	total := 0
	for name, nt := range catalog {
		target := plan.ToLaunch[name]
		if target < nt.MinWorkers || target > nt.MaxWorkers {
			t.Fatalf("type %q target %d violates [min=%d, max=%d]", name, target, nt.MinWorkers, nt.MaxWorkers)
		}
		total += target
	}
	if total > 4 {
		t.Fatalf("sum of targets %d exceeds global_max_workers=4", total)
	}
}

func TestUnschedulableWhenNoTypeFits(t *testing.T) {
	catalog := map[string]config.NodeTypeConfig{
		"small": {Resources: config.ResourceBundle{"CPU": 2}, MaxWorkers: 10},
	}
	s := New(catalog, []string{"small"}, 0, nil)

	plan := s.Plan(nil, []config.ResourceBundle{{"CPU": 64}}, map[string]time.Time{}, time.Unix(0, 0), time.Hour)

	if len(plan.Unschedulable) != 1 {
		t.Fatalf("expected the CPU:64 demand to be unschedulable, got plan %+v", plan)
	}
}
