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

package provider

// Tag keys, persisted via the NodeProvider (spec §6).
const (
	TagNodeStatus           = "cloudtik-node-status"
	TagRuntimeConfig        = "cloudtik-runtime-config"
	TagFileMountsContents   = "cloudtik-file-mounts-contents"
	TagNodeSeqID            = "cloudtik-node-seq-id"
	TagNodeType             = "cloudtik-node-type"
	TagQuorumJoin           = "cloudtik-quorum-join"
)

// NodeStatus is the node-status tag's value, advancing monotonically
// through the Updater state machine (spec §4.2).
type NodeStatus string

const (
	StatusPending                  NodeStatus = "pending"
	StatusWaitingForSSH             NodeStatus = "waiting-for-ssh"
	StatusBootstrappingDataDisks    NodeStatus = "bootstrapping-data-disks"
	StatusSyncingFiles              NodeStatus = "syncing-files"
	StatusSettingUp                 NodeStatus = "setting-up"
	StatusUpToDate                  NodeStatus = "up-to-date"
	StatusUpdateFailed              NodeStatus = "update-failed"
)

// nodeStatusOrder is the canonical order IsMonotonicSubsequence checks
// against (spec §8 property 7): the sequence of node-status values
// observed for one node must be a subsequence of this order.
var nodeStatusOrder = []NodeStatus{
	StatusPending,
	StatusWaitingForSSH,
	StatusBootstrappingDataDisks,
	StatusSyncingFiles,
	StatusSettingUp,
	StatusUpToDate,
}

// IsMonotonicSubsequence reports whether seq is a subsequence of the
// canonical node-status order, allowing StatusUpdateFailed to terminate
// the sequence from any point.
func IsMonotonicSubsequence(seq []NodeStatus) bool {
	idx := 0
	for _, s := range seq {
		if s == StatusUpdateFailed {
			continue
		}
		found := false
		for idx < len(nodeStatusOrder) {
			if nodeStatusOrder[idx] == s {
				found = true
				idx++
				break
			}
			idx++
		}
		if !found {
			return false
		}
	}
	return true
}

// QuorumJoinStatus is the value of TagQuorumJoin once the Updater
// completes (spec §4.2, §6).
type QuorumJoinStatus string

const (
	QuorumJoinPending QuorumJoinStatus = "pending"
	QuorumJoinSuccess QuorumJoinStatus = "success"
	QuorumJoinFailed  QuorumJoinStatus = "failed"
)
