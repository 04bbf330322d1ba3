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

// Package clustermetrics is the head node's time-indexed, IP-keyed store
// of per-node liveness/capacity data plus cluster-wide pending demands and
// standing resource requests (spec §4.3). A Store is single-owner: per
// spec §5, only the controller's tick goroutine ever touches one, so no
// internal locking is needed.
package clustermetrics

import (
	"time"

	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// MemoryResourceKey is the resource id that Summary scales up to bytes on
// the way out (spec §4.3 "Memory units are scaled up by
// CLOUDTIK_MEMORY_RESOURCE_UNIT_BYTES").
const MemoryResourceKey = "memory"

// MemoryResourceUnitBytes is the scale applied to MemoryResourceKey usage
// in Summary: internal bundles carry memory in GiB, external consumers
// want bytes.
const MemoryResourceUnitBytes = 1 << 30

// MaxResourceDemandVectorSize bounds GetResourceDemands(clip=true), so the
// scheduler's bin-packing pass never runs against an unbounded demand
// vector (spec §4.3).
const MaxResourceDemandVectorSize = 1000

// idleEpsilon is the tolerance _is_node_idle compares dynamic against
// static with (spec §9 open-question policy: "idle iff dynamic >= static
// - epsilon", the commented-out intent in the source).
const idleEpsilon = 1e-6

// Load mirrors the source's per-node "load" block; InUse, if true, always
// counts a node as actively used regardless of its idle computation.
type Load struct {
	InUse bool
}

// ScalingInstructions is the bundle a scaling policy publishes and
// UpdateAutoscalingInstructions ingests (spec §6).
type ScalingInstructions struct {
	ScalingTime      float64
	ResourceDemands  []config.ResourceBundle
	ResourceRequests []config.ResourceBundle
}

// UsagePair is one resource's (used, total) pair in a Summary.
type UsagePair struct {
	Used  float64
	Total float64
}

// Summary is the aggregate view Summary() returns (spec §4.3).
type Summary struct {
	Usage          map[string]UsagePair
	ResourceDemand []config.FreqEntry
	RequestDemand  []config.FreqEntry
	NodeTypes      []config.FreqEntry
}

// Store is the ClusterMetrics store. The zero value is not usable;
// construct with New.
type Store struct {
	log *zap.SugaredLogger

	nodeIDByIP            map[string]string
	lastHeartbeatTimeByIP map[string]time.Time
	lastUsedTimeByIP      map[string]time.Time
	lastResourceTimeByIP  map[string]time.Time
	staticResourcesByIP   map[string]config.ResourceBundle
	dynamicResourcesByIP  map[string]config.ResourceBundle

	lastDemandingTime float64
	resourceDemands   []config.ResourceBundle

	lastRequestingTime float64
	resourceRequests   []config.ResourceBundle
}

// New returns an empty Store.
func New(log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		log:                   log.Named("cluster-metrics"),
		nodeIDByIP:            map[string]string{},
		lastHeartbeatTimeByIP: map[string]time.Time{},
		lastUsedTimeByIP:      map[string]time.Time{},
		lastResourceTimeByIP:  map[string]time.Time{},
		staticResourcesByIP:   map[string]config.ResourceBundle{},
		dynamicResourcesByIP:  map[string]config.ResourceBundle{},
	}
}

// UpdateHeartbeat records that nodeID was reachable at ip as of t
// (spec §4.3). Per the §9 open-question policy chosen here, an incoming
// timestamp at or before the stored one still records node_id_by_ip but
// does not regress last_heartbeat_time.
func (s *Store) UpdateHeartbeat(ip, nodeID string, t time.Time) {
	s.nodeIDByIP[ip] = nodeID
	if existing, ok := s.lastHeartbeatTimeByIP[ip]; !ok || t.After(existing) {
		s.lastHeartbeatTimeByIP[ip] = t
	}
}

// UpdateNodeResources stores a node's static capacity and live
// availability as of t, filling any resource dynamic omits from static
// with zero, and advances last_used_time under the conditions in spec
// §4.3: the IP is new, load.InUse is true, or the node is not idle.
func (s *Store) UpdateNodeResources(ip, nodeID string, t time.Time, static, dynamic config.ResourceBundle, load Load) {
	_, known := s.staticResourcesByIP[ip]
	isNew := !known

	filled := dynamic.Clone()
	for r := range static {
		if _, ok := filled[r]; !ok {
			filled[r] = 0
		}
	}

	s.nodeIDByIP[ip] = nodeID
	s.staticResourcesByIP[ip] = static.Clone()
	s.dynamicResourcesByIP[ip] = filled

	if existing, ok := s.lastResourceTimeByIP[ip]; !ok || t.After(existing) {
		s.lastResourceTimeByIP[ip] = t
	}

	if isNew || load.InUse || !s.isNodeIdle(ip) {
		if existing, ok := s.lastUsedTimeByIP[ip]; !ok || t.After(existing) {
			s.lastUsedTimeByIP[ip] = t
		}
	}
}

// isNodeIdle reports whether ip's live availability covers its full
// static capacity within idleEpsilon, for every resource. Caller must
// already hold whatever external synchronization the Store requires.
func (s *Store) isNodeIdle(ip string) bool {
	static := s.staticResourcesByIP[ip]
	dynamic := s.dynamicResourcesByIP[ip]
	for r, sv := range static {
		if dynamic[r] < sv-idleEpsilon {
			return false
		}
	}
	return true
}

// UpdateAutoscalingInstructions ingests a freshly published scaling
// policy bundle. Demands replace the stored set only if instr.ScalingTime
// is newer than the last one seen; requests always flow through
// SetResourceRequests. Returns true iff the request set changed.
func (s *Store) UpdateAutoscalingInstructions(instr ScalingInstructions) bool {
	if instr.ScalingTime > s.lastDemandingTime {
		s.lastDemandingTime = instr.ScalingTime
		s.resourceDemands = cloneBundles(instr.ResourceDemands)
	}
	return s.SetResourceRequests(instr.ScalingTime, instr.ResourceRequests, false)
}

// SetResourceRequests merges requests into the standing request set as of
// t (spec §4.3, §8 property 5). A call with t at or before the last
// accepted requesting time is rejected outright. A single-key bundle
// {r: 0} is a delete token: it drops existing requests referencing r but
// never itself persists. Unless override, every surviving new request
// evicts any existing request that touches one of its resource ids.
func (s *Store) SetResourceRequests(t float64, requests []config.ResourceBundle, override bool) bool {
	if t <= s.lastRequestingTime {
		return false
	}
	s.lastRequestingTime = t

	dropKeys := map[string]bool{}
	kept := make([]config.ResourceBundle, 0, len(requests))
	for _, b := range requests {
		if isDeleteToken(b) {
			for k := range b {
				dropKeys[k] = true
			}
			continue
		}
		kept = append(kept, b.Clone())
		if !override {
			for k := range b {
				dropKeys[k] = true
			}
		}
	}

	surviving := make([]config.ResourceBundle, 0, len(s.resourceRequests))
	for _, existing := range s.resourceRequests {
		if touchesAnyKey(existing, dropKeys) {
			continue
		}
		surviving = append(surviving, existing)
	}
	s.resourceRequests = append(surviving, kept...)
	return true
}

// DropRequestsForResource removes every standing request touching r,
// independent of timestamp ordering. This is the dedicated operation the
// §9 open question asks for in place of the source's implicit {r: 0}
// sentinel convention.
func (s *Store) DropRequestsForResource(r string) {
	kept := make([]config.ResourceBundle, 0, len(s.resourceRequests))
	for _, b := range s.resourceRequests {
		if _, ok := b[r]; ok {
			continue
		}
		kept = append(kept, b)
	}
	s.resourceRequests = kept
}

// PruneActiveIPs drops every inner-map entry whose IP is not in active
// (spec §4.3, §8 property 3). A drop is logged only once, against the
// user-facing last_used_time_by_ip map, to avoid duplicated noise across
// the several maps an IP appears in.
func (s *Store) PruneActiveIPs(active map[string]bool) {
	for ip := range s.lastUsedTimeByIP {
		if !active[ip] {
			s.log.Infow("pruning inactive node from metrics", "ip", ip)
			delete(s.lastUsedTimeByIP, ip)
		}
	}
	for ip := range s.nodeIDByIP {
		if !active[ip] {
			delete(s.nodeIDByIP, ip)
		}
	}
	for ip := range s.lastHeartbeatTimeByIP {
		if !active[ip] {
			delete(s.lastHeartbeatTimeByIP, ip)
		}
	}
	for ip := range s.lastResourceTimeByIP {
		if !active[ip] {
			delete(s.lastResourceTimeByIP, ip)
		}
	}
	for ip := range s.staticResourcesByIP {
		if !active[ip] {
			delete(s.staticResourcesByIP, ip)
		}
	}
	for ip := range s.dynamicResourcesByIP {
		if !active[ip] {
			delete(s.dynamicResourcesByIP, ip)
		}
	}
}

// LastUsedTime returns the stored last-used timestamp for ip and whether
// one has ever been recorded, used by the scheduler's idle-eviction pass.
func (s *Store) LastUsedTime(ip string) (time.Time, bool) {
	t, ok := s.lastUsedTimeByIP[ip]
	return t, ok
}

// StaticResources returns ip's last-reported static capacity, used by the
// scheduler to look up existing nodes' bundles.
func (s *Store) StaticResources(ip string) (config.ResourceBundle, bool) {
	b, ok := s.staticResourcesByIP[ip]
	return b, ok
}

// Summary returns the aggregate usage/demand/request/node-type view (spec
// §4.3).
func (s *Store) Summary() Summary {
	usage := map[string]UsagePair{}
	for ip, static := range s.staticResourcesByIP {
		dynamic := s.dynamicResourcesByIP[ip]
		for r, total := range static {
			used := total - dynamic[r]
			if used < 0 {
				used = 0
			}
			u := usage[r]
			u.Used += used
			u.Total += total
			usage[r] = u
		}
	}
	if u, ok := usage[MemoryResourceKey]; ok {
		u.Used *= MemoryResourceUnitBytes
		u.Total *= MemoryResourceUnitBytes
		usage[MemoryResourceKey] = u
	}

	nodeTypeBundles := make([]config.ResourceBundle, 0, len(s.staticResourcesByIP))
	for _, b := range s.staticResourcesByIP {
		nodeTypeBundles = append(nodeTypeBundles, b)
	}

	return Summary{
		Usage:          usage,
		ResourceDemand: config.FreqOfDicts(s.resourceDemands),
		RequestDemand:  config.FreqOfDicts(s.resourceRequests),
		NodeTypes:      freqOfDicts(nodeTypeBundles),
	}
}

// GetResourceDemands returns the current pending demand vector, truncated
// at MaxResourceDemandVectorSize when clip is true (spec §4.3).
func (s *Store) GetResourceDemands(clip bool) []config.ResourceBundle {
	demands := cloneBundles(s.resourceDemands)
	if clip && len(demands) > MaxResourceDemandVectorSize {
		demands = demands[:MaxResourceDemandVectorSize]
	}
	return demands
}

// GetResourceRequests returns the current standing request vector
// (spec §4.5 step 4 "workload = standing_requests ++ pending_demands"),
// symmetric with GetResourceDemands.
func (s *Store) GetResourceRequests(clip bool) []config.ResourceBundle {
	requests := cloneBundles(s.resourceRequests)
	if clip && len(requests) > MaxResourceDemandVectorSize {
		requests = requests[:MaxResourceDemandVectorSize]
	}
	return requests
}

func isDeleteToken(b config.ResourceBundle) bool {
	if len(b) != 1 {
		return false
	}
	for _, v := range b {
		return v == 0
	}
	return false
}

func touchesAnyKey(b config.ResourceBundle, keys map[string]bool) bool {
	for k := range b {
		if keys[k] {
			return true
		}
	}
	return false
}

func cloneBundles(bundles []config.ResourceBundle) []config.ResourceBundle {
	out := make([]config.ResourceBundle, len(bundles))
	for i, b := range bundles {
		out[i] = b.Clone()
	}
	return out
}
