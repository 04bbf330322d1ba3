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

// Package scheduler is the ResourceDemandScheduler (spec §4.4): given the
// current node inventory, pending demands and standing requests, it
// decides how many nodes of each type to launch and which existing nodes
// are safe to terminate. It is a deliberately smaller, non-Kubernetes
// analog of karpenter's provisioning scheduler, which performs the same
// richest-bundle-first bin-packing idiom over NodePool/NodeClaim types.
package scheduler

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// NodeState is one existing node's placement-relevant state: which type it
// is, its IP (for idle-eviction lookups) and its id.
type NodeState struct {
	NodeID string
	IP     string
	Type   string
}

// Plan is the scheduler's output (spec §4.4 "Output").
type Plan struct {
	ToLaunch      map[string]int
	ToTerminate   []string
	Unschedulable []config.ResourceBundle
}

// Scheduler implements the bin-packing and eviction decisions over a fixed
// node-type catalog. The zero value is not usable; construct with New.
type Scheduler struct {
	catalog          map[string]config.NodeTypeConfig
	catalogOrder     []string
	globalMaxWorkers int
	log              *zap.SugaredLogger

	lastPlan Plan
}

// New returns a Scheduler over catalog. order fixes the catalog's
// declaration order, used to break ties between equal-cost node types
// (spec §4.4 step 6) — Go maps carry no inherent order, so the caller
// supplies it explicitly (e.g. the order available_node_types appeared in
// the source config document).
func New(catalog map[string]config.NodeTypeConfig, order []string, globalMaxWorkers int, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		catalog:          catalog,
		catalogOrder:     order,
		globalMaxWorkers: globalMaxWorkers,
		log:              log.Named("scheduler"),
	}
}

// normalizedScale is the per-resource reference scale Score normalizes
// against: the component-wise maximum across every catalog type, so a
// single node type that happens to be CPU-heavy doesn't distort every
// other resource's contribution to the richness score.
func (s *Scheduler) normalizedScale() config.ResourceBundle {
	scale := config.ResourceBundle{}
	for _, nt := range s.catalog {
		for r, v := range nt.Resources {
			if v > scale[r] {
				scale[r] = v
			}
		}
	}
	return scale
}

// Plan computes to_launch/to_terminate/unschedulable from the current
// inventory and workload (spec §4.4 algorithm steps 1-6).
//
// existing is the current node inventory grouped by type (step 1).
// workload is standing_requests ++ pending_demands, already concatenated
// by the caller (step 2). lastUsedTimeByIP and now drive idle eviction
// (step 5); idleTimeout is the cluster's idle_timeout_minutes.
func (s *Scheduler) Plan(existing []NodeState, workload []config.ResourceBundle, lastUsedTimeByIP map[string]time.Time, now time.Time, idleTimeout time.Duration) Plan {
	existingByType := lo.GroupBy(existing, func(n NodeState) string { return n.Type })
	countByType := map[string]int{}
	for t, nodes := range existingByType {
		countByType[t] = len(nodes)
	}

	// step 3: residual capacity slots, one per existing node plus one per
	// node launched during this pass, so later workload bundles can land
	// on capacity just created (carry residual capacity forward).
	type slot struct {
		residual config.ResourceBundle
	}
	slots := make([]*slot, 0, len(existing))
	for _, n := range existing {
		nt, ok := s.catalog[n.Type]
		if !ok {
			continue
		}
		slots = append(slots, &slot{residual: nt.Resources.Clone()})
	}

	toLaunch := map[string]int{}
	var unschedulable []config.ResourceBundle

	scale := s.normalizedScale()
	sorted := make([]config.ResourceBundle, len(workload))
	copy(sorted, workload)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score(scale) > sorted[j].Score(scale)
	})

	for _, bundle := range sorted {
		placed := false
		for _, sl := range slots {
			if sl.residual.Fits(bundle) {
				sl.residual = sl.residual.Sub(bundle)
				placed = true
				break
			}
		}
		if placed {
			continue
		}

		typeName, nt, found := s.cheapestFittingType(bundle, scale)
		if !found {
			unschedulable = append(unschedulable, bundle)
			continue
		}
		toLaunch[typeName]++
		slots = append(slots, &slot{residual: nt.Resources.Sub(bundle)})
	}

	s.clampToBounds(countByType, toLaunch)

	toTerminate := s.evictIdle(existingByType, countByType, lastUsedTimeByIP, now, idleTimeout)

	plan := Plan{ToLaunch: toLaunch, ToTerminate: toTerminate, Unschedulable: unschedulable}
	s.lastPlan = plan
	return plan
}

// cheapestFittingType returns the lowest-richness-score catalog type that
// can host bundle on its own, breaking ties by catalog declaration order
// (spec §4.4 steps 3 and 6).
func (s *Scheduler) cheapestFittingType(bundle config.ResourceBundle, scale config.ResourceBundle) (string, config.NodeTypeConfig, bool) {
	bestName := ""
	var best config.NodeTypeConfig
	bestScore := 0.0
	found := false

	for _, name := range s.catalogOrder {
		nt, ok := s.catalog[name]
		if !ok || !nt.Resources.Fits(bundle) {
			continue
		}
		score := nt.Resources.Score(scale)
		if !found || score < bestScore {
			found = true
			bestName, best, bestScore = name, nt, score
		}
	}
	return bestName, best, found
}

// clampToBounds enforces per-type min/max_workers and the cluster-wide
// global_max_workers (spec §4.4 step 4, §8 property 6). Global trimming
// walks the catalog in reverse declaration order so earlier-declared types
// are preferred when capacity must be cut back.
func (s *Scheduler) clampToBounds(countByType map[string]int, toLaunch map[string]int) {
	for _, name := range s.catalogOrder {
		nt := s.catalog[name]
		target := countByType[name] + toLaunch[name]
		if target < nt.MinWorkers {
			toLaunch[name] += nt.MinWorkers - target
			target = nt.MinWorkers
		}
		if nt.MaxWorkers > 0 && target > nt.MaxWorkers {
			excess := target - nt.MaxWorkers
			reduce := toLaunch[name]
			if reduce > excess {
				reduce = excess
			}
			toLaunch[name] -= reduce
		}
	}

	if s.globalMaxWorkers <= 0 {
		return
	}
	total := 0
	for _, name := range s.catalogOrder {
		total += countByType[name] + toLaunch[name]
	}
	if total <= s.globalMaxWorkers {
		return
	}
	over := total - s.globalMaxWorkers
	for i := len(s.catalogOrder) - 1; i >= 0 && over > 0; i-- {
		name := s.catalogOrder[i]
		nt := s.catalog[name]
		target := countByType[name] + toLaunch[name]
		floor := nt.MinWorkers
		if target-floor <= 0 {
			continue
		}
		cut := target - floor
		if cut > over {
			cut = over
		}
		reduce := toLaunch[name]
		if reduce > cut {
			reduce = cut
		}
		toLaunch[name] -= reduce
		over -= reduce
	}
}

// evictIdle returns node ids whose idle duration exceeds idleTimeout and
// whose removal would not drop their type below min_workers
// (spec §4.4 step 5).
func (s *Scheduler) evictIdle(existingByType map[string][]NodeState, countByType map[string]int, lastUsedTimeByIP map[string]time.Time, now time.Time, idleTimeout time.Duration) []string {
	var toTerminate []string
	for _, name := range s.catalogOrder {
		nt := s.catalog[name]
		remaining := countByType[name]
		for _, n := range existingByType[name] {
			lastUsed, ok := lastUsedTimeByIP[n.IP]
			if !ok {
				continue
			}
			if now.Sub(lastUsed) <= idleTimeout {
				continue
			}
			if remaining-1 < nt.MinWorkers {
				continue
			}
			toTerminate = append(toTerminate, n.NodeID)
			remaining--
		}
	}
	return toTerminate
}

// Status returns the most recent Plan's unschedulable demands alongside
// the launch/terminate counts. The controller's scaling_status publish
// step (spec §4.5 step 8) reads the Plan that Plan returns, not Status.
func (s *Scheduler) Status() Plan {
	return s.lastPlan
}
