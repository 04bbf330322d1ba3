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

// Package updater drives one node from its provisioned state to
// up-to-date (spec §4.2). An Updater is a single-shot worker; many run
// concurrently, one per node being brought up, each owning its own
// CommandExecutor exclusively (spec §5).
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
	"github.com/cloudtik/cloudtik-go/pkg/executor"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
)

// Retry budgets, per spec §4.2.
const (
	InitializationCommandDefaultRetries = config.InitializationCommandDefaultRetries
	SetupCommandDefaultRetries           = config.SetupCommandDefaultRetries
	StartCommandDefaultRetries           = config.StartCommandDefaultRetries

	defaultCommandRetryInterval = 5 * time.Second
	uptimeCommandTimeout        = 5 * time.Second
	defaultReadyCheckInterval   = time.Duration(config.ReadyCheckInterval) * time.Second
)

// Config is the set of constructor inputs an Updater needs, mirroring
// spec §4.2's "Inputs" list verbatim.
type Config struct {
	NodeID                 string
	Auth                   config.AuthConfig
	FileMounts             map[string]string
	InitializationCommands []config.CommandGroup
	SetupCommands          []config.CommandGroup
	StartCommands          []config.CommandGroup
	RuntimeHash            string
	FileMountsContentsHash string
	IsHeadNode             bool
	Docker                 config.DockerConfig
	RestartOnly            bool
	NodeResources          config.ResourceBundle
	// AllowNonExistingPaths mirrors ClusterConfig.FileMountsAllowMissing:
	// a missing file-mount source is logged and skipped rather than
	// failing the update (spec §4.2).
	AllowNonExistingPaths bool

	Executor executor.CommandExecutor
	Provider provider.NodeProvider

	// Environment-variable inputs (spec §6); filled by the controller from
	// cluster-wide and per-node state.
	NodeType      string
	NodeIP        string
	HeadNodeIP    string
	NodeSeqID     int
	ProviderType  string
	PythonVersion string
	WorkspaceName string
	ClusterName   string

	// NodeStartWait bounds the SSH readiness wait (spec's
	// CLOUDTIK_NODE_START_WAIT_S). Zero means no deadline.
	NodeStartWait time.Duration

	Log *zap.SugaredLogger
}

// Updater drives Config.NodeID through the state machine. The zero value
// is not usable; construct with New.
type Updater struct {
	Config

	QuorumJoin bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns an Updater ready to Run.
func New(cfg Config) *Updater {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Updater{Config: cfg}
}

// Cancel aborts a running Updater (spec §5 cancellation contract); the
// worker pool calls this when a node is torn down mid-update.
func (u *Updater) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// Run drives the node through waiting-for-ssh -> ... -> up-to-date (or
// update-failed), tagging through the provider before each phase so
// external observers see monotonic progress.
func (u *Updater) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()
	defer cancel()

	log := u.Log.With("node_id", u.NodeID)

	currentTags, err := u.Provider.NodeTags(ctx, u.NodeID)
	if err != nil {
		return u.fail(ctx, "tags", err)
	}
	quorumJoinPending := currentTags[provider.TagQuorumJoin] == string(provider.QuorumJoinPending)

	if err := u.setTag(ctx, provider.TagNodeStatus, string(provider.StatusWaitingForSSH)); err != nil {
		return u.fail(ctx, "waiting-for-ssh", err)
	}
	if err := u.waitForSSH(ctx); err != nil {
		return u.fail(ctx, "waiting-for-ssh", err, quorumJoinPending)
	}

	runtimeHash := u.RuntimeHash
	hashesMatch := currentTags[provider.TagRuntimeConfig] == runtimeHash &&
		(u.FileMountsContentsHash == "" || currentTags[provider.TagFileMountsContents] == u.FileMountsContentsHash)

	if hashesMatch {
		initRequired, err := u.Executor.RunInit(ctx, u.IsHeadNode, u.FileMounts, u.Docker.SharedMemoryRatio, true)
		if err != nil {
			return u.fail(ctx, "setting-up", err, quorumJoinPending)
		}
		if initRequired {
			// The content hash says this node is already configured, but
			// its runtime container is not running. Force a full
			// reconfiguration and mark the stale tag so observers can tell
			// the difference from an ordinary first-time setup.
			runtimeHash = currentTags[provider.TagRuntimeConfig] + "-invalidate"
			hashesMatch = false
			log.Infow("runtime not running despite matching hash, forcing full setup", "invalidated_hash", runtimeHash)
		}
	}

	skipPreSetup := u.RestartOnly && hashesMatch
	skipSetup := hashesMatch

	if !skipPreSetup {
		if err := u.setTag(ctx, provider.TagNodeStatus, string(provider.StatusBootstrappingDataDisks)); err != nil {
			return u.fail(ctx, "bootstrapping-data-disks", err, quorumJoinPending)
		}
		if err := u.Executor.BootstrapDataDisks(ctx); err != nil {
			return u.fail(ctx, "bootstrapping-data-disks", err, quorumJoinPending)
		}

		if err := u.setTag(ctx, provider.TagNodeStatus, string(provider.StatusSyncingFiles)); err != nil {
			return u.fail(ctx, "syncing-files", err, quorumJoinPending)
		}
		if err := u.syncFileMounts(ctx); err != nil {
			return u.fail(ctx, "syncing-files", err, quorumJoinPending)
		}
	}

	if !skipSetup {
		if err := u.setTag(ctx, provider.TagNodeStatus, string(provider.StatusSettingUp)); err != nil {
			return u.fail(ctx, "setting-up", err, quorumJoinPending)
		}
		env := u.buildEnv()
		if err := runCommandGroups(ctx, u.Executor, u.InitializationCommands, env, executor.RunEnvHost,
			InitializationCommandDefaultRetries, defaultCommandRetryInterval); err != nil {
			return u.fail(ctx, "setting-up", err, quorumJoinPending)
		}
		if err := runCommandGroups(ctx, u.Executor, u.SetupCommands, env, executor.RunEnvAuto,
			SetupCommandDefaultRetries, defaultCommandRetryInterval); err != nil {
			return u.fail(ctx, "setting-up", err, quorumJoinPending)
		}
	}

	env := u.buildEnv()
	if err := runCommandGroups(ctx, u.Executor, u.StartCommands, env, executor.RunEnvAuto,
		StartCommandDefaultRetries, defaultCommandRetryInterval); err != nil {
		return u.fail(ctx, "up-to-date", err, quorumJoinPending)
	}

	finalTags := map[string]string{
		provider.TagNodeStatus:    string(provider.StatusUpToDate),
		provider.TagRuntimeConfig: runtimeHash,
	}
	if u.FileMountsContentsHash != "" {
		finalTags[provider.TagFileMountsContents] = u.FileMountsContentsHash
	}
	if quorumJoinPending {
		finalTags[provider.TagQuorumJoin] = string(provider.QuorumJoinSuccess)
	}
	if err := u.Provider.SetNodeTags(ctx, u.NodeID, finalTags); err != nil {
		return u.fail(ctx, "up-to-date", err, quorumJoinPending)
	}

	log.Infow("node reached up-to-date")
	return nil
}

func (u *Updater) setTag(ctx context.Context, key, value string) error {
	return u.Provider.SetNodeTags(ctx, u.NodeID, map[string]string{key: value})
}

// fail marks the node update-failed (and its quorum-join tag, if any) and
// returns a structured *errors.UpdateFailedError carrying the failing
// phase (spec §4.2 "Failure semantics").
func (u *Updater) fail(ctx context.Context, phase string, cause error, quorumJoinPending ...bool) error {
	tags := map[string]string{provider.TagNodeStatus: string(provider.StatusUpdateFailed)}
	if len(quorumJoinPending) > 0 && quorumJoinPending[0] {
		tags[provider.TagQuorumJoin] = string(provider.QuorumJoinFailed)
	}
	_ = u.Provider.SetNodeTags(ctx, u.NodeID, tags)
	u.Log.Errorw("update failed", "node_id", u.NodeID, "phase", phase, "error", cause)
	return &cterrors.UpdateFailedError{NodeID: u.NodeID, Phase: phase, Err: cause}
}

// waitForSSH polls uptime until it succeeds, the node is reported
// terminated, or NodeStartWait elapses. Every failed attempt, whether
// connection-refused or any other error, is retried on the same fixed
// cenkalti/backoff constant interval; connection-refused failures have no
// separate backoff anchor. The overall deadline is the context timeout
// set from NodeStartWait; with NodeStartWait zero the wait has no deadline.
func (u *Updater) waitForSSH(ctx context.Context) error {
	if u.NodeStartWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.NodeStartWait)
		defer cancel()
	}

	bo := backoff.NewConstantBackOff(defaultReadyCheckInterval)
	policy := backoff.WithContext(bo, ctx)

	operation := func() error {
		if terminated, err := u.Provider.IsTerminated(ctx, u.NodeID); err == nil && terminated {
			return backoff.Permanent(cterrors.ErrNodeTerminated)
		}
		_, err := u.Executor.Run(ctx, "uptime", nil, uptimeCommandTimeout, executor.RunEnvHost)
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, cterrors.ErrNodeTerminated) {
			return err
		}
		return &cterrors.TimeoutError{Phase: "waiting-for-ssh", Err: err}
	}
	return nil
}

// syncFileMounts pushes every configured (remote, local) pair up to the
// node. Entries whose RsyncOptions allow missing sources are logged and
// skipped rather than failing the update (spec §4.2).
func (u *Updater) syncFileMounts(ctx context.Context) error {
	opts := executor.RsyncOptions{
		DockerMountIfPossible: u.Docker.Enabled,
		AllowNonExistingPaths: u.AllowNonExistingPaths,
	}
	for remote, local := range u.FileMounts {
		if err := u.Executor.RunRsyncUp(ctx, local, remote, opts); err != nil {
			if opts.AllowNonExistingPaths && errors.Is(err, cterrors.ErrMountSourceMissing) {
				u.Log.Warnw("skipping missing file-mount source", "local", local, "remote", remote, "error", err)
				continue
			}
			return fmt.Errorf("file mount %s -> %s: %w", local, remote, err)
		}
	}
	return nil
}

// runCommandGroups runs every command in groups in order, retrying each
// one up to retries times (retries+1 attempts in all) on a retryable
// failure (spec §4.2: "Setup and initialization commands retry ... start
// commands retry ...").
func runCommandGroups(ctx context.Context, ex executor.CommandExecutor, groups []config.CommandGroup, env map[string]string, runEnv executor.RunEnv, retries int, delay time.Duration) error {
	for _, group := range groups {
		for _, cmd := range group.Commands {
			cmd := cmd
			err := retry.Do(
				func() error {
					_, runErr := ex.Run(ctx, cmd, env, 0, runEnv)
					return runErr
				},
				retry.Attempts(uint(retries+1)),
				retry.Delay(delay),
				retry.Context(ctx),
				retry.LastErrorOnly(true),
				retry.RetryIf(isRetryableCommandError),
			)
			if err != nil {
				return fmt.Errorf("command group %q: %q: %w", group.GroupName, cmd, err)
			}
		}
	}
	return nil
}

func isRetryableCommandError(err error) bool {
	var sshErr *cterrors.SSHCommandFailed
	if errors.As(err, &sshErr) {
		return sshErr.Retryable()
	}
	return true
}
