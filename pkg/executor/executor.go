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

// Package executor defines the CommandExecutor capability set the core
// consumes (spec §6): running shell commands and syncing files on a
// remote node, optionally through a container wrapper.
package executor

import (
	"context"
	"time"
)

// RunEnv selects whether a command runs on the bare host or, when docker
// is configured, inside the container (spec §4.2: "Initialization commands
// run on the host (outside container); setup and start commands run
// inside the container if docker is configured").
type RunEnv string

const (
	RunEnvHost RunEnv = "host"
	RunEnvAuto RunEnv = "auto"
)

// RsyncOptions mirrors the options named in spec §6 / §4.2.
type RsyncOptions struct {
	DockerMountIfPossible bool
	RsyncExclude          []string
	RsyncFilter           []string
	AllowNonExistingPaths bool
}

// RunResult carries exit status for a completed command.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandExecutor executes shell commands / rsync on a remote node,
// optionally through a container wrapper (spec §6).
type CommandExecutor interface {
	// Run executes cmd with the given environment variables and optional
	// timeout, in the requested RunEnv, returning the command's result or
	// an error (typically *errors.SSHCommandFailed).
	Run(ctx context.Context, cmd string, env map[string]string, timeout time.Duration, runEnv RunEnv) (*RunResult, error)

	// RunWithRetry runs cmd, retrying up to numberOfRetries times with
	// retryInterval between attempts on a retryable failure (spec §4.2).
	RunWithRetry(ctx context.Context, cmd string, env map[string]string, runEnv RunEnv, numberOfRetries int, retryInterval time.Duration) (*RunResult, error)

	// RunRsyncUp copies src (local) to dst (remote).
	RunRsyncUp(ctx context.Context, src, dst string, opts RsyncOptions) error
	// RunRsyncDown copies src (remote) to dst (local).
	RunRsyncDown(ctx context.Context, src, dst string, opts RsyncOptions) error

	// RunInit prepares the node (e.g. starts the container runtime) and
	// reports whether a full setup is required even though the runtime
	// hash tag already matched (spec §4.2 "init_required").
	RunInit(ctx context.Context, asHead bool, fileMounts map[string]string, sharedMemoryRatio float64, syncRunYet bool) (initRequired bool, err error)

	// BootstrapDataDisks prepares and mounts any data disks attached to
	// the node (spec §4.2 state "bootstrapping-data-disks").
	BootstrapDataDisks(ctx context.Context) error

	// Close releases any held connection (e.g. the SSH session).
	Close() error
}
