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
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
	execfake "github.com/cloudtik/cloudtik-go/pkg/executor/fake"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
	providerfake "github.com/cloudtik/cloudtik-go/pkg/provider/fake"
)

func newTestUpdater(t *testing.T, nodeID string, p *providerfake.Provider, ex *execfake.Executor) *Updater {
	t.Helper()
	return New(Config{
		NodeID:        nodeID,
		Provider:      p,
		Executor:      ex,
		StartCommands: []config.CommandGroup{{GroupName: "start", Commands: []string{"start.sh"}}},
		NodeStartWait: 2 * time.Second,
		Log:           zap.NewNop().Sugar(),
	})
}

func statusHistory(t *testing.T, p *providerfake.Provider, nodeID string) provider.NodeStatus {
	t.Helper()
	tags, err := p.NodeTags(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("NodeTags: %v", err)
	}
	return provider.NodeStatus(tags[provider.TagNodeStatus])
}

// TestRunReachesUpToDate covers scenario S1's tail: a healthy node
// progresses to up-to-date and its runtime-config-hash tag is set.
func TestRunReachesUpToDate(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{})
	ex := execfake.New()
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)
	u.RuntimeHash = "abc123"

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := statusHistory(t, prov, nodeID); got != provider.StatusUpToDate {
		t.Fatalf("final status = %q, want %q", got, provider.StatusUpToDate)
	}
	tags, _ := prov.NodeTags(context.Background(), nodeID)
	if tags[provider.TagRuntimeConfig] != "abc123" {
		t.Fatalf("runtime-config-hash tag = %q, want %q", tags[provider.TagRuntimeConfig], "abc123")
	}
}

// TestRunFileMountMissingSourceSkippedWhenAllowed covers the file-mount
// sync "allow_non_existing_paths" branch (spec §4.2): a missing local
// source is logged and skipped, not a hard failure, when the flag is set.
func TestRunFileMountMissingSourceSkippedWhenAllowed(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{})
	ex := execfake.New()
	ex.FailRsyncSource = "/local/missing"
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)
	u.FileMounts = map[string]string{"/remote/missing": "/local/missing"}
	u.AllowNonExistingPaths = true

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := statusHistory(t, prov, nodeID); got != provider.StatusUpToDate {
		t.Fatalf("final status = %q, want %q", got, provider.StatusUpToDate)
	}
}

// TestRunFileMountMissingSourceFailsWhenNotAllowed covers the default
// (strict) case: a missing file-mount source without
// allow_non_existing_paths escalates to update-failed.
func TestRunFileMountMissingSourceFailsWhenNotAllowed(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{})
	ex := execfake.New()
	ex.FailRsyncSource = "/local/missing"
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)
	u.FileMounts = map[string]string{"/remote/missing": "/local/missing"}

	err := u.Run(context.Background())
	if err == nil {
		t.Fatalf("Run: want an error, got nil")
	}
	var updateFailed *cterrors.UpdateFailedError
	if !errors.As(err, &updateFailed) {
		t.Fatalf("Run error = %v, want *cterrors.UpdateFailedError", err)
	}
	if got := statusHistory(t, prov, nodeID); got != provider.StatusUpdateFailed {
		t.Fatalf("final status = %q, want %q", got, provider.StatusUpdateFailed)
	}
}

// TestRunSSHFlapThenSucceeds is scenario S5: the first N uptime calls
// fail with connection-refused, then the node becomes reachable. Three
// failures at the 5s ready-check interval need a deadline above 15s.
func TestRunSSHFlapThenSucceeds(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{})
	ex := execfake.New()
	ex.UptimeFailures = 3
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)
	u.NodeStartWait = 30 * time.Second

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := statusHistory(t, prov, nodeID); got != provider.StatusUpToDate {
		t.Fatalf("final status = %q, want %q", got, provider.StatusUpToDate)
	}
}

// TestRunSetupCommandFailsEscalatesToUpdateFailed is scenario S6: a setup
// command that always exits non-zero exhausts its retry budget and the
// node lands on update-failed carrying the failing command.
func TestRunSetupCommandFailsEscalatesToUpdateFailed(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{})
	ex := execfake.New()
	ex.FailingCommand = "bad-setup.sh"
	ex.FailingExitCode = 17
	prov.Executors[nodeID] = ex

	u := New(Config{
		NodeID:        nodeID,
		Provider:      prov,
		Executor:      ex,
		SetupCommands: []config.CommandGroup{{GroupName: "setup", Commands: []string{"bad-setup.sh"}}},
		NodeStartWait: 2 * time.Second,
		Log:           zap.NewNop().Sugar(),
	})

	err := u.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error from a permanently failing setup command")
	}
	var failed *cterrors.UpdateFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected *errors.UpdateFailedError, got %T: %v", err, err)
	}
	if got := statusHistory(t, prov, nodeID); got != provider.StatusUpdateFailed {
		t.Fatalf("final status = %q, want %q", got, provider.StatusUpdateFailed)
	}
}

// TestRunSkipsSetupWhenHashesMatch covers the idempotence/skip-logic path:
// a node whose tags already carry the target runtime hash only runs start
// commands.
func TestRunSkipsSetupWhenHashesMatch(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{provider.TagRuntimeConfig: "matching-hash"})
	ex := execfake.New()
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)
	u.RuntimeHash = "matching-hash"
	u.SetupCommands = []config.CommandGroup{{GroupName: "setup", Commands: []string{"only-run-if-not-skipped.sh"}}}

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, cmd := range ex.RunCalls {
		if cmd == "only-run-if-not-skipped.sh" {
			t.Fatalf("setup command ran despite matching runtime hash: %v", ex.RunCalls)
		}
	}
}

// TestRunQuorumJoinTagLifecycle covers the quorum-join tag replacement
// named in spec §4.2.
func TestRunQuorumJoinTagLifecycle(t *testing.T) {
	p, _ := providerfake.New(config.ProviderConfig{})
	prov := p.(*providerfake.Provider)
	nodeID := prov.AddNode(map[string]string{provider.TagQuorumJoin: string(provider.QuorumJoinPending)})
	ex := execfake.New()
	prov.Executors[nodeID] = ex

	u := newTestUpdater(t, nodeID, prov, ex)

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tags, _ := prov.NodeTags(context.Background(), nodeID)
	if tags[provider.TagQuorumJoin] != string(provider.QuorumJoinSuccess) {
		t.Fatalf("quorum-join tag = %q, want %q", tags[provider.TagQuorumJoin], provider.QuorumJoinSuccess)
	}
}
