/*
Copyright The CloudNativePG Contributors

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

// Package executil wraps external process invocation for the rbd/ceph/ssh/
// pv/lz4/mkfs.ext4/mount/umount commands the rest of the program shells out
// to (spec.md §9: "keep as external processes; the driver API is the
// abstraction"). Grounded on the teacher's tests/utils/run/run.go, adapted
// from a single-string e2e test helper into an argv-first API logged
// through internal/logging instead of ginkgo.GinkgoWriter.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/go-logr/logr"
	"github.com/google/shlex"

	"github.com/pvebackup/pve-rbd-backup/internal/logging"
)

// Result carries the captured output of a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes argv[0] with argv[1:] as arguments, never through a shell,
// and returns its captured stdout/stderr. A non-zero exit is returned as an
// error wrapping *exec.ExitError so callers can inspect the exit code.
func Run(ctx context.Context, log logr.Logger, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("executil: empty command")
	}

	log.V(1).Info("exec", "argv", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- argv built from typed fields, never raw shell text
	var stdout, stderr bytes.Buffer
	errWriter := &logging.LineWriter{Logger: log, Stage: argv[0]}
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, errWriter)

	err := cmd.Run()
	errWriter.Flush()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, fmt.Errorf("command %q failed: %w (stderr: %s)", argv, err, stderr.String())
	}
	return res, nil
}

// RunString tokenizes command with shlex and runs it via Run. Nothing in
// this program calls it: internal/sshtransport builds its remote command
// line with go-shellquote and runs it through Run. It is not suited to
// local commands operating on caller-supplied pool/image/snapshot names.
func RunString(ctx context.Context, log logr.Logger, command string) (Result, error) {
	tokens, err := shlex.Split(command)
	if err != nil {
		return Result{}, fmt.Errorf("executil: tokenizing %q: %w", command, err)
	}
	return Run(ctx, log, tokens...)
}

// ExitCode extracts the process exit code from an error returned by Run, or
// -1 if it isn't an *exec.ExitError.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
