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

package updater

import (
	"encoding/json"
	"strconv"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// Environment variable names every command group runs with (spec §6).
const (
	EnvNodeType      = "CLOUDTIK_NODE_TYPE"
	EnvNodeIP        = "CLOUDTIK_NODE_IP"
	EnvHeadNodeIP    = "CLOUDTIK_HEAD_NODE_IP"
	EnvNodeID        = "CLOUDTIK_NODE_ID"
	EnvNodeSeqID     = "CLOUDTIK_NODE_SEQ_ID"
	EnvProviderType  = "CLOUDTIK_PROVIDER_TYPE"
	EnvPythonVersion = "CLOUDTIK_PYTHON_VERSION"
	EnvWorkspaceName = "CLOUDTIK_WORKSPACE_NAME"
	EnvClusterName   = "CLOUDTIK_CLUSTER_NAME"
	EnvQuorumJoin    = "CLOUDTIK_QUORUM_JOIN"
	EnvResources     = "CLOUDTIK_RESOURCES"
)

// buildEnv assembles the full environment block a command group runs
// with (spec §6). CLOUDTIK_RESOURCES carries the node's resource bundle as
// JSON, since it is the one value downstream runtime scripts parse back out
// rather than merely read.
func (u *Updater) buildEnv() map[string]string {
	env := map[string]string{
		EnvNodeType:      u.NodeType,
		EnvNodeIP:        u.NodeIP,
		EnvHeadNodeIP:    u.HeadNodeIP,
		EnvNodeID:        u.NodeID,
		EnvNodeSeqID:     strconv.Itoa(u.NodeSeqID),
		EnvProviderType:  u.ProviderType,
		EnvPythonVersion: u.PythonVersion,
		EnvWorkspaceName: u.WorkspaceName,
		EnvClusterName:   u.ClusterName,
		EnvQuorumJoin:    strconv.FormatBool(u.QuorumJoin),
	}
	if resources := u.resourcesJSON(); resources != "" {
		env[EnvResources] = resources
	}
	return env
}

func (u *Updater) resourcesJSON() string {
	bundle := u.NodeResources
	if bundle == nil {
		bundle = config.ResourceBundle{}
	}
	b, err := json.Marshal(bundle)
	if err != nil {
		return ""
	}
	return string(b)
}
