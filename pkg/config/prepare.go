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

package config

import (
	"fmt"

	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
)

// PrepareConfig applies generic normalization: fill defaults, expand
// shorthands, enforce presence of required sections (spec §4.1 step 2).
// It mutates and returns cfg for convenient chaining.
func PrepareConfig(cfg *ClusterConfig) *ClusterConfig {
	if cfg.IdleTimeoutMinutes <= 0 {
		cfg.IdleTimeoutMinutes = DefaultIdleTimeoutMinutes
	}
	if cfg.AvailableNodeTypes == nil {
		cfg.AvailableNodeTypes = map[string]NodeTypeConfig{}
	}
	for name, nt := range cfg.AvailableNodeTypes {
		if nt.Resources == nil {
			nt.Resources = ResourceBundle{}
		}
		if nt.MaxWorkers == 0 && nt.MinWorkers > 0 {
			nt.MaxWorkers = nt.MinWorkers
		}
		cfg.AvailableNodeTypes[name] = nt
	}
	if cfg.GlobalMaxWorkers == 0 {
		total := 0
		for _, nt := range cfg.AvailableNodeTypes {
			total += nt.MaxWorkers
		}
		cfg.GlobalMaxWorkers = total
	}
	return cfg
}

// VerifyConfig validates a config that has already been normalized and
// provider/runtime-bootstrapped, failing with a *errors.ConfigError on any
// problem (spec §4.1 step 6).
func VerifyConfig(cfg *ClusterConfig) error {
	if cfg.ClusterName == "" {
		return &cterrors.ConfigError{Reason: "cluster_name is required"}
	}
	if cfg.Provider.Type == "" {
		return &cterrors.ConfigError{Reason: "provider.type is required"}
	}
	if cfg.HeadNodeType == "" {
		return &cterrors.ConfigError{Reason: "head_node_type is required"}
	}
	if _, ok := cfg.AvailableNodeTypes[cfg.HeadNodeType]; !ok {
		return &cterrors.ConfigError{Reason: fmt.Sprintf(
			"head_node_type %q is not present in available_node_types", cfg.HeadNodeType)}
	}
	for name, nt := range cfg.AvailableNodeTypes {
		if nt.MinWorkers < 0 {
			return &cterrors.ConfigError{Reason: fmt.Sprintf("node type %q: min_workers must be >= 0", name)}
		}
		if nt.MaxWorkers < nt.MinWorkers {
			return &cterrors.ConfigError{Reason: fmt.Sprintf(
				"node type %q: max_workers (%d) is below min_workers (%d)", name, nt.MaxWorkers, nt.MinWorkers)}
		}
	}
	return nil
}
