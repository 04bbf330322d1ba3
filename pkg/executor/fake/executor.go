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

// Package fake is a scripted CommandExecutor used to drive the Updater
// state machine in tests without a network, including scenarios S1/S5/S6
// from spec §8 (SSH flapping, setup command failure).
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	cterrors "github.com/cloudtik/cloudtik-go/pkg/errors"
	"github.com/cloudtik/cloudtik-go/pkg/executor"
)

// Executor is a scripted CommandExecutor. Script functions default to
// always-succeed; set them to model failure scenarios.
type Executor struct {
	mu sync.Mutex

	// UptimeFailures is the number of leading calls to Run("uptime", ...)
	// that fail with a connection-refused error before the call starts
	// succeeding (scenario S5).
	UptimeFailures int
	uptimeAttempts int

	// FailingCommand, if non-empty, causes every Run call whose cmd
	// equals FailingCommand to fail with the given exit code (scenario
	// S6).
	FailingCommand   string
	FailingExitCode  int

	// FailRsyncSource, if non-empty, causes RunRsyncUp to fail with
	// errors.ErrMountSourceMissing when called with that src, modeling a
	// file-mount source that does not exist on disk.
	FailRsyncSource string

	RunCalls  []string
	RsyncUps  []string
	InitCalls int

	CloseCalled bool
}

// New returns an Executor that succeeds on every call.
func New() *Executor {
	return &Executor{FailingExitCode: 1}
}

func (e *Executor) Run(_ context.Context, cmd string, _ map[string]string, _ time.Duration, _ executor.RunEnv) (*executor.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RunCalls = append(e.RunCalls, cmd)

	if cmd == "uptime" && e.uptimeAttempts < e.UptimeFailures {
		e.uptimeAttempts++
		return nil, &cterrors.SSHCommandFailed{
			Cmd:      cmd,
			ExitCode: -1,
			MsgType:  cterrors.MsgTypeConnectionRefused,
			Err:      context.DeadlineExceeded,
		}
	}

	if e.FailingCommand != "" && cmd == e.FailingCommand {
		return nil, &cterrors.SSHCommandFailed{
			Cmd:      cmd,
			ExitCode: e.FailingExitCode,
			MsgType:  cterrors.MsgTypeSSHCommandFailed,
		}
	}

	return &executor.RunResult{ExitCode: 0}, nil
}

func (e *Executor) RunWithRetry(ctx context.Context, cmd string, env map[string]string, runEnv executor.RunEnv, numberOfRetries int, _ time.Duration) (*executor.RunResult, error) {
	var lastErr error
	for attempt := 0; attempt <= numberOfRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.Run(ctx, cmd, env, 0, runEnv)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Executor) RunRsyncUp(_ context.Context, src, dst string, _ executor.RsyncOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailRsyncSource != "" && src == e.FailRsyncSource {
		return fmt.Errorf("%s: %w", src, cterrors.ErrMountSourceMissing)
	}
	e.RsyncUps = append(e.RsyncUps, src+"->"+dst)
	return nil
}

func (e *Executor) RunRsyncDown(context.Context, string, string, executor.RsyncOptions) error {
	return nil
}

func (e *Executor) RunInit(context.Context, bool, map[string]string, float64, bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InitCalls++
	return false, nil
}

func (e *Executor) BootstrapDataDisks(context.Context) error { return nil }

func (e *Executor) Close() error {
	e.CloseCalled = true
	return nil
}
