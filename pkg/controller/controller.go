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

// Package controller is the head-node ClusterController (spec §4.5): a
// single cooperative tick loop that polls the provider for inventory,
// folds in metrics, asks the scheduler for a plan, launches/terminates
// nodes and keeps exactly one NodeUpdater running per node that is not
// yet up-to-date.
package controller

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	"github.com/cloudtik/cloudtik-go/pkg/clustermetrics"
	"github.com/cloudtik/cloudtik-go/pkg/metrics"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
	"github.com/cloudtik/cloudtik-go/pkg/scheduler"
	"github.com/cloudtik/cloudtik-go/pkg/updater"
)

// DefaultPythonVersion is stamped into every Updater's
// CLOUDTIK_PYTHON_VERSION; ClusterConfig has no field that overrides it.
const DefaultPythonVersion = "3.9"

// Options configures a Controller beyond what ClusterConfig already says.
type Options struct {
	TickInterval      time.Duration
	ClusterTagFilters map[string]string
	NodeStartWait     time.Duration
	// AssignSeqIDs enables cloudtik-node-seq-id tagging on newly launched
	// nodes (spec §4.5 step 6 "when enabled").
	AssignSeqIDs bool
}

// ScalingStatus is the last tick's publishable summary (spec §4.5 step 8).
type ScalingStatus struct {
	ToLaunch      map[string]int
	ToTerminate   []string
	Unschedulable int
}

// Controller is the ClusterController. The zero value is not usable;
// construct with New.
type Controller struct {
	cfg          *config.ClusterConfig
	catalogOrder []string

	provider provider.NodeProvider
	store    *clustermetrics.Store
	sched    *scheduler.Scheduler
	kv       KVStore
	pool     *pool
	metrics  *metrics.MetricsCollection
	log      *zap.SugaredLogger

	tickInterval      time.Duration
	clusterTagFilters map[string]string
	nodeStartWait     time.Duration
	assignSeqIDs      bool

	mu         sync.Mutex
	nextSeqID  int
	lastStatus ScalingStatus
}

// New returns a Controller over a resolved cfg, a provider already bound
// to the cluster and an optional KVStore (nil means NopKVStore).
func New(cfg *config.ClusterConfig, nodeProvider provider.NodeProvider, kv KVStore, mc *metrics.MetricsCollection, log *zap.SugaredLogger, opts Options) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if kv == nil {
		kv = NopKVStore{}
	}
	if mc == nil {
		mc = metrics.NewMetricsCollection()
	}
	order := catalogOrder(cfg.AvailableNodeTypes)
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Controller{
		cfg:               cfg,
		catalogOrder:      order,
		provider:          nodeProvider,
		store:             clustermetrics.New(log),
		sched:             scheduler.New(cfg.AvailableNodeTypes, order, cfg.GlobalMaxWorkers, log),
		kv:                kv,
		pool:              newPool(),
		metrics:           mc,
		log:               log.Named("cluster-controller"),
		tickInterval:      tickInterval,
		clusterTagFilters: opts.ClusterTagFilters,
		nodeStartWait:     opts.NodeStartWait,
		assignSeqIDs:      opts.AssignSeqIDs,
	}
}

// catalogOrder fixes a deterministic declaration order for available node
// types. A ClusterConfig parsed out of YAML/JSON into a Go map has
// already lost its source document's ordering, so "catalog declaration
// order" (spec §4.4 step 6) is realized here as alphabetical order: a
// documented substitute that is at least stable and reproducible.
func catalogOrder(types map[string]config.NodeTypeConfig) []string {
	names := lo.Keys(types)
	sort.Strings(names)
	return names
}

// Run blocks, ticking every TickInterval until ctx is canceled, then
// cancels and drains every in-flight Updater before returning
// (spec §5 "controller shutdown cancels all Updaters").
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.pool.cancelAll()
			_ = c.pool.wait()
			return ctx.Err()
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.log.Errorw("tick failed", "error", err)
			}
		}
	}
}

// Status returns the most recently published scaling status
// (spec §4.5 step 8).
func (c *Controller) Status() ScalingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

type inventoryEntry struct {
	id       string
	ip       string
	nodeType string
	tags     map[string]string
}

// Tick runs exactly one pass of spec §4.5 steps 1-8. A tick never
// overlaps itself: Run only ever has one Tick in flight, driven by a
// single ticker channel read.
func (c *Controller) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { c.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	// Step 1: current inventory.
	nodeIDs, err := c.provider.NonTerminatedNodes(ctx, c.clusterTagFilters)
	if err != nil {
		return fmt.Errorf("listing non-terminated nodes: %w", err)
	}

	inventory := make([]inventoryEntry, 0, len(nodeIDs))
	activeIPs := map[string]bool{}
	headNodeID, headNodeIP := "", ""

	for _, id := range nodeIDs {
		tags, err := c.provider.NodeTags(ctx, id)
		if err != nil {
			c.log.Warnw("failed to read node tags, skipping from this tick", "node_id", id, "error", err)
			continue
		}
		ip, err := c.provider.InternalIP(ctx, id)
		if err != nil {
			c.log.Warnw("failed to read node internal ip, skipping from this tick", "node_id", id, "error", err)
			continue
		}
		activeIPs[ip] = true
		nodeType := tags[provider.TagNodeType]
		inventory = append(inventory, inventoryEntry{id: id, ip: ip, nodeType: nodeType, tags: tags})
		if nodeType == c.cfg.HeadNodeType {
			headNodeID, headNodeIP = id, ip
		}
	}

	// Step 2.
	c.store.PruneActiveIPs(activeIPs)

	// Step 3.
	if err := c.ingest(ctx); err != nil {
		c.log.Warnw("ingesting heartbeat/resource reports failed, continuing with stale metrics", "error", err)
	}

	// Recovery recreation: an update-failed node is treated as terminated
	// rather than occupying its type's slot forever, so the scheduler can
	// launch a replacement of the same type on this tick (spec §3 "[NEW]
	// Lifecycle addendum"). It is torn down the same way step 5 tears down
	// a scheduler-selected node: TerminateNode, then cancel any Updater
	// still attached to it.
	live := inventory[:0:0]
	for _, e := range inventory {
		if provider.NodeStatus(e.tags[provider.TagNodeStatus]) == provider.StatusUpdateFailed {
			if err := c.provider.TerminateNode(ctx, e.id); err != nil {
				c.log.Warnw("failed to terminate update-failed node", "node_id", e.id, "error", err)
				live = append(live, e)
				continue
			}
			c.pool.cancelNode(e.id)
			c.metrics.NodesTerminated.Inc()
			continue
		}
		live = append(live, e)
	}
	inventory = live

	// Step 4.
	workload := append(c.store.GetResourceRequests(false), c.store.GetResourceDemands(true)...)
	existing := make([]scheduler.NodeState, 0, len(inventory))
	lastUsedByIP := map[string]time.Time{}
	for _, e := range inventory {
		existing = append(existing, scheduler.NodeState{NodeID: e.id, IP: e.ip, Type: e.nodeType})
		if t, ok := c.store.LastUsedTime(e.ip); ok {
			lastUsedByIP[e.ip] = t
		}
	}
	idleTimeout := time.Duration(c.cfg.IdleTimeoutMinutes) * time.Minute
	plan := c.sched.Plan(existing, workload, lastUsedByIP, time.Now(), idleTimeout)

	// Step 5.
	for _, id := range plan.ToTerminate {
		if err := c.provider.TerminateNode(ctx, id); err != nil {
			c.log.Warnw("failed to terminate node", "node_id", id, "error", err)
			continue
		}
		c.pool.cancelNode(id)
		c.metrics.NodesTerminated.Inc()
	}

	// Step 6.
	for _, name := range c.catalogOrder {
		count := plan.ToLaunch[name]
		if count <= 0 {
			continue
		}
		nt := c.cfg.AvailableNodeTypes[name]
		tags := map[string]string{
			provider.TagNodeType:   name,
			provider.TagNodeStatus: string(provider.StatusPending),
		}
		ids, err := c.provider.CreateNodes(ctx, nt.NodeConfig, tags, count)
		if err != nil {
			c.log.Warnw("failed to launch nodes", "node_type", name, "requested", count, "error", err)
			continue
		}
		c.metrics.NodesLaunched.Add(float64(len(ids)))
		if c.assignSeqIDs {
			for _, id := range ids {
				c.assignSeqID(ctx, id)
			}
		}
	}

	// Step 7. Update-failed nodes were already evicted above, so only
	// up-to-date nodes are skipped here.
	for _, e := range inventory {
		status := provider.NodeStatus(e.tags[provider.TagNodeStatus])
		if status == provider.StatusUpToDate {
			continue
		}
		if c.pool.isRunning(e.id) {
			continue
		}
		c.spawnUpdater(ctx, e, headNodeID, headNodeIP)
	}

	// Step 8.
	c.mu.Lock()
	c.lastStatus = ScalingStatus{ToLaunch: plan.ToLaunch, ToTerminate: plan.ToTerminate, Unschedulable: len(plan.Unschedulable)}
	c.mu.Unlock()
	c.metrics.UnschedulableDemands.Set(float64(len(plan.Unschedulable)))
	c.log.Infow("tick complete",
		"to_launch", plan.ToLaunch, "to_terminate", plan.ToTerminate, "unschedulable", len(plan.Unschedulable))

	return nil
}

func (c *Controller) assignSeqID(ctx context.Context, nodeID string) {
	c.mu.Lock()
	c.nextSeqID++
	seq := c.nextSeqID
	c.mu.Unlock()

	if err := c.provider.SetNodeTags(ctx, nodeID, map[string]string{
		provider.TagNodeSeqID: strconv.Itoa(seq),
	}); err != nil {
		c.log.Warnw("failed to assign sequence id", "node_id", nodeID, "error", err)
	}
}

func (c *Controller) ingest(ctx context.Context) error {
	heartbeats, err := c.kv.PollHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("polling heartbeats: %w", err)
	}
	for _, h := range heartbeats {
		c.store.UpdateHeartbeat(h.IP, h.NodeID, h.Time)
	}

	resources, err := c.kv.PollResources(ctx)
	if err != nil {
		return fmt.Errorf("polling resource reports: %w", err)
	}
	for _, r := range resources {
		c.store.UpdateNodeResources(r.IP, r.NodeID, r.Time, r.Static, r.Dynamic, clustermetrics.Load{InUse: r.InUse})
	}
	return nil
}

// spawnUpdater builds an Updater for e and hands it to the pool. Failures
// obtaining a CommandExecutor are logged and retried on the next tick,
// mirroring how every other step of Tick tolerates a single node's
// failure without aborting the rest of the pass.
func (c *Controller) spawnUpdater(ctx context.Context, e inventoryEntry, headNodeID, headNodeIP string) {
	nt, ok := c.cfg.AvailableNodeTypes[e.nodeType]
	if !ok {
		c.log.Warnw("node has an unknown node type, cannot drive it", "node_id", e.id, "node_type", e.nodeType)
		return
	}

	ex, err := c.provider.GetCommandExecutor(ctx, e.id, c.cfg.Auth, c.cfg.Docker)
	if err != nil {
		c.log.Warnw("failed to obtain a command executor", "node_id", e.id, "error", err)
		return
	}

	seqID, _ := strconv.Atoi(e.tags[provider.TagNodeSeqID])

	u := updater.New(updater.Config{
		NodeID:                 e.id,
		Auth:                   c.cfg.Auth,
		FileMounts:             c.cfg.FileMounts,
		InitializationCommands: c.cfg.InitializationCommands,
		SetupCommands:          c.cfg.SetupCommands,
		StartCommands:          c.cfg.StartCommands,
		RuntimeHash:            runtimeHash(c.cfg),
		FileMountsContentsHash: fileMountsHash(c.cfg),
		IsHeadNode:              e.id == headNodeID,
		Docker:                 c.cfg.Docker,
		NodeResources:          nt.Resources,
		AllowNonExistingPaths:  c.cfg.FileMountsAllowMissing,

		Executor: ex,
		Provider: c.provider,

		NodeType:      e.nodeType,
		NodeIP:        e.ip,
		HeadNodeIP:    headNodeIP,
		NodeSeqID:     seqID,
		ProviderType:  c.cfg.Provider.Type,
		PythonVersion: DefaultPythonVersion,
		WorkspaceName: c.cfg.WorkspaceName,
		ClusterName:   c.cfg.ClusterName,

		NodeStartWait: c.nodeStartWait,
		Log:           c.log,
	})

	if c.pool.spawn(ctx, c.metrics, e.id, u) {
		c.log.Infow("updater started", "node_id", e.id, "node_type", e.nodeType)
	}
}

// runtimeHash content-hashes everything a node's setup/start phase
// depends on, so the Updater can skip setup on an unchanged node
// (spec §4.2 "runtime_hash"). Slices are hashed in order, so reordering
// command groups or the commands inside them changes the hash.
func runtimeHash(cfg *config.ClusterConfig) string {
	h := lo.Must(hashstructure.Hash([]interface{}{
		cfg.InitializationCommands,
		cfg.SetupCommands,
		cfg.StartCommands,
		cfg.RuntimeConfig,
		cfg.Docker,
	}, hashstructure.FormatV2, nil))
	return fmt.Sprintf("%x", h)
}

// fileMountsHash content-hashes the file-mounts mapping. This hashes the
// mapping's declared (remote, local) paths rather than the bytes on disk
// at those local paths, a scope simplification documented in DESIGN.md:
// the controller has no general way to read arbitrary local file
// contents before the Updater's own sync step runs.
func fileMountsHash(cfg *config.ClusterConfig) string {
	if len(cfg.FileMounts) == 0 {
		return ""
	}
	h := lo.Must(hashstructure.Hash(cfg.FileMounts, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true}))
	return fmt.Sprintf("%x", h)
}
