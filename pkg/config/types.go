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

// Package config holds the typed cluster configuration record (spec §3,
// §9 "dynamic config objects -> typed records"). The source passes around
// ad-hoc nested dictionaries; here every section is a validated struct.
package config

// ProviderConfig is the cluster's "provider" block: which NodeProvider
// backs it and its cloud-specific options, canonicalized in place by
// provider.BootstrapConfig during resolution.
type ProviderConfig struct {
	Type    string         `json:"type" yaml:"type"`
	Region  string         `json:"region,omitempty" yaml:"region,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// AuthConfig is the cluster's "auth" block: the SSH identity used by every
// Updater to reach a node.
type AuthConfig struct {
	SSHUser           string `json:"ssh_user" yaml:"ssh_user"`
	SSHPrivateKeyFile string `json:"ssh_private_key,omitempty" yaml:"ssh_private_key,omitempty"`
	SSHPublicKeyFile  string `json:"ssh_public_key,omitempty" yaml:"ssh_public_key,omitempty"`
	SSHProxyCommand   string `json:"ssh_proxy_command,omitempty" yaml:"ssh_proxy_command,omitempty"`
}

// CommandGroup is one named group of shell commands, the unit the
// Updater runs and retries (spec §4.2).
type CommandGroup struct {
	GroupName string   `json:"group_name" yaml:"group_name"`
	Commands  []string `json:"commands" yaml:"commands"`
}

// DockerConfig configures the container wrapper setup/start commands run
// inside, when present (spec §4.2).
type DockerConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Image            string `json:"image,omitempty" yaml:"image,omitempty"`
	ContainerName    string `json:"container_name,omitempty" yaml:"container_name,omitempty"`
	SharedMemoryRatio float64 `json:"shared_memory_ratio,omitempty" yaml:"shared_memory_ratio,omitempty"`
}

// NodeTypeConfig is a named class of nodes: its provider-specific instance
// template, its resource bundle, and its min/max worker bounds (spec §3).
type NodeTypeConfig struct {
	NodeConfig  map[string]any `json:"node_config,omitempty" yaml:"node_config,omitempty"`
	Resources   ResourceBundle `json:"resources" yaml:"resources"`
	MinWorkers  int            `json:"min_workers" yaml:"min_workers"`
	MaxWorkers  int            `json:"max_workers" yaml:"max_workers"`
}

// RuntimeConfig is the opaque runtime-specific block (Spark, MySQL,
// Redis, ...); the core never interprets its contents, only hashes it
// (spec §1 "per-runtime setup scripts ... out of scope").
type RuntimeConfig map[string]any

// ClusterConfig is the validated declarative cluster description (spec
// §3). FileMounts maps a remote path to a local path, matching the
// Updater's file-mount sync contract (spec §4.2).
type ClusterConfig struct {
	ClusterName            string                    `json:"cluster_name" yaml:"cluster_name"`
	WorkspaceName          string                    `json:"workspace_name,omitempty" yaml:"workspace_name,omitempty"`
	Provider               ProviderConfig            `json:"provider" yaml:"provider"`
	Auth                   AuthConfig                `json:"auth" yaml:"auth"`
	AvailableNodeTypes     map[string]NodeTypeConfig  `json:"available_node_types" yaml:"available_node_types"`
	HeadNodeType           string                    `json:"head_node_type" yaml:"head_node_type"`
	FileMounts             map[string]string         `json:"file_mounts,omitempty" yaml:"file_mounts,omitempty"`
	// FileMountsAllowMissing marks every FileMounts entry as a
	// cluster-wide synced file whose local source may not exist yet; a
	// missing source is then logged and skipped instead of failing the
	// Updater (spec §4.2 "allow_non_existing_paths").
	FileMountsAllowMissing bool                      `json:"file_mounts_allow_missing,omitempty" yaml:"file_mounts_allow_missing,omitempty"`
	InitializationCommands []CommandGroup            `json:"initialization_commands,omitempty" yaml:"initialization_commands,omitempty"`
	SetupCommands          []CommandGroup            `json:"setup_commands,omitempty" yaml:"setup_commands,omitempty"`
	StartCommands          []CommandGroup            `json:"start_commands,omitempty" yaml:"start_commands,omitempty"`
	RuntimeConfig          RuntimeConfig             `json:"runtime_config,omitempty" yaml:"runtime_config,omitempty"`
	Docker                 DockerConfig              `json:"docker,omitempty" yaml:"docker,omitempty"`
	IdleTimeoutMinutes     int                       `json:"idle_timeout_minutes,omitempty" yaml:"idle_timeout_minutes,omitempty"`
	GlobalMaxWorkers       int                       `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`

	// Bootstrapped is set true once resolution has completed (spec §4.1
	// step 1). A config with Bootstrapped=true short-circuits Bootstrap.
	Bootstrapped bool `json:"bootstrapped,omitempty" yaml:"bootstrapped,omitempty"`
	// ConfigHash is filled in during resolution (spec §4.1 step 3).
	ConfigHash string `json:"config_hash,omitempty" yaml:"-"`
}

// DefaultIdleTimeoutMinutes is used when a config omits idle_timeout_minutes.
const DefaultIdleTimeoutMinutes = 5

// DefaultTickInterval-adjacent defaults used across the control plane.
const (
	ReadyCheckInterval                          = 5  // seconds, spec §4.2 READY_CHECK_INTERVAL
	InitializationCommandDefaultRetries         = 30 // spec §4.2
	SetupCommandDefaultRetries                  = 5  // spec §4.2
	StartCommandDefaultRetries                  = 3  // spec §4.2
	ConfigCacheVersion                          = 1  // spec §4.1 _version
)
