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
	"time"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// HeartbeatReport is one node's liveness report, arriving off-band from
// the worker side (spec §4.5 step 3, §5 "the provider's KV store is the
// only cross-process coordination channel").
type HeartbeatReport struct {
	IP     string
	NodeID string
	Time   time.Time
}

// ResourceReport is one node's capacity/availability report.
type ResourceReport struct {
	IP      string
	NodeID  string
	Time    time.Time
	Static  config.ResourceBundle
	Dynamic config.ResourceBundle
	InUse   bool
}

// KVStore abstracts the provider's out-of-band key-value channel that
// worker nodes write heartbeat and resource reports to. The controller
// polls it once per tick and applies whatever is pending to its
// ClusterMetrics store. Implementations are expected to be last-writer-
// wins and to tolerate being polled from a single goroutine only.
type KVStore interface {
	PollHeartbeats(ctx context.Context) ([]HeartbeatReport, error)
	PollResources(ctx context.Context) ([]ResourceReport, error)
}

// NopKVStore is the default KVStore: it has nothing pending, ever. Used
// when a deployment has no separate coordination channel and nodes report
// exclusively via tags observed through NodeProvider.
type NopKVStore struct{}

func (NopKVStore) PollHeartbeats(context.Context) ([]HeartbeatReport, error) { return nil, nil }
func (NopKVStore) PollResources(context.Context) ([]ResourceReport, error)   { return nil, nil }
