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

package clustermetrics

import (
	"testing"
	"time"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

func newTestStore() *Store {
	return New(nil)
}

// TestPruneActiveIPsDropsEverythingElse is property 3: after
// prune_active_ips(A), every inner map's surviving keys are a subset of A.
func TestPruneActiveIPsDropsEverythingElse(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1000, 0)
	s.UpdateHeartbeat("10.0.0.1", "node-1", now)
	s.UpdateHeartbeat("10.0.0.2", "node-2", now)
	s.UpdateNodeResources("10.0.0.1", "node-1", now, config.ResourceBundle{"CPU": 4}, config.ResourceBundle{"CPU": 2}, Load{})
	s.UpdateNodeResources("10.0.0.2", "node-2", now, config.ResourceBundle{"CPU": 4}, config.ResourceBundle{"CPU": 2}, Load{})

	s.PruneActiveIPs(map[string]bool{"10.0.0.1": true})

	maps := []map[string]bool{}
	for ip := range s.nodeIDByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("nodeIDByIP kept inactive ip %q", ip)
		}
	}
	for ip := range s.lastHeartbeatTimeByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("lastHeartbeatTimeByIP kept inactive ip %q", ip)
		}
	}
	for ip := range s.lastUsedTimeByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("lastUsedTimeByIP kept inactive ip %q", ip)
		}
	}
	for ip := range s.staticResourcesByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("staticResourcesByIP kept inactive ip %q", ip)
		}
	}
	for ip := range s.dynamicResourcesByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("dynamicResourcesByIP kept inactive ip %q", ip)
		}
	}
	for ip := range s.lastResourceTimeByIP {
		if ip != "10.0.0.1" {
			t.Fatalf("lastResourceTimeByIP kept inactive ip %q", ip)
		}
	}
	_ = maps
}

// TestDynamicNeverExceedsStatic is property 4.
func TestDynamicNeverExceedsStatic(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1000, 0)
	s.UpdateNodeResources("10.0.0.1", "node-1", now,
		config.ResourceBundle{"CPU": 4, "memory": 16},
		config.ResourceBundle{"CPU": 2},
		Load{})

	static := s.staticResourcesByIP["10.0.0.1"]
	dynamic := s.dynamicResourcesByIP["10.0.0.1"]
	for r, sv := range static {
		dv := dynamic[r]
		if dv < 0 || dv > sv {
			t.Fatalf("resource %q: dynamic %v out of range [0, %v]", r, dv, sv)
		}
	}
	if got := dynamic["memory"]; got != 0 {
		t.Fatalf("dynamic memory should default to 0 when omitted, got %v", got)
	}
}

// TestSetResourceRequestsMergeSemantics is property 5.
func TestSetResourceRequestsMergeSemantics(t *testing.T) {
	s := newTestStore()

	if ok := s.SetResourceRequests(1, []config.ResourceBundle{{"CPU": 2}, {"GPU": 1}}, false); !ok {
		t.Fatalf("first SetResourceRequests should be accepted")
	}

	ok := s.SetResourceRequests(2, []config.ResourceBundle{{"CPU": 4}, {"GPU": 0}}, false)
	if !ok {
		t.Fatalf("second SetResourceRequests should be accepted (t2 > t1)")
	}

	foundCPU4, foundGPU := false, false
	for _, b := range s.resourceRequests {
		if b["CPU"] == 4 {
			foundCPU4 = true
		}
		if _, ok := b["GPU"]; ok {
			foundGPU = true
		}
	}
	if !foundCPU4 {
		t.Fatalf("expected the new CPU:4 bundle to be present, got %v", s.resourceRequests)
	}
	if foundGPU {
		t.Fatalf("expected the GPU:1 request to be dropped by the GPU:0 delete token and not itself persist, got %v", s.resourceRequests)
	}

	// A call at or before the last accepted time must be rejected.
	if ok := s.SetResourceRequests(2, []config.ResourceBundle{{"CPU": 99}}, false); ok {
		t.Fatalf("SetResourceRequests at t2 <= last_requesting_time should be rejected")
	}
}

func TestDropRequestsForResource(t *testing.T) {
	s := newTestStore()
	s.SetResourceRequests(1, []config.ResourceBundle{{"CPU": 2}, {"GPU": 1, "CPU": 1}}, true)

	s.DropRequestsForResource("GPU")

	for _, b := range s.resourceRequests {
		if _, ok := b["GPU"]; ok {
			t.Fatalf("DropRequestsForResource(\"GPU\") left a bundle referencing GPU: %v", b)
		}
	}
}

func TestUpdateAutoscalingInstructionsReplacesDemandsOnlyWhenNewer(t *testing.T) {
	s := newTestStore()
	s.UpdateAutoscalingInstructions(ScalingInstructions{ScalingTime: 5, ResourceDemands: []config.ResourceBundle{{"CPU": 1}}})
	if len(s.resourceDemands) != 1 {
		t.Fatalf("expected demands to be set on first call")
	}

	changed := s.UpdateAutoscalingInstructions(ScalingInstructions{ScalingTime: 3, ResourceDemands: []config.ResourceBundle{{"CPU": 99}}})
	_ = changed
	if len(s.resourceDemands) != 1 || s.resourceDemands[0]["CPU"] != 1 {
		t.Fatalf("an older scaling_time must not replace the stored demands, got %v", s.resourceDemands)
	}
}
