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

// Package pipeline runs the streaming transport pipeline that moves one
// disk's data from the source cluster to the backup cluster (spec.md
// §4.6 STREAM): export (remote, over ssh) | optional compress | progress
// meter | optional decompress | progress meter | import (local). Every
// stage is an external process; this package only wires their stdio
// together and enforces fail-fast semantics, mirroring the original's
// single `bash -c 'set -o pipefail; ... | pv ... | rbd import'` line but
// built and supervised from Go instead of handed to a shell.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/logging"
)

// Stage is one process in the pipeline. Stdin/Stdout are wired by Run;
// callers only set Cmd.Args (via exec.Command/exec.CommandContext) and a
// Name for error reporting and stderr log attribution.
type Stage struct {
	Name string
	Cmd  *exec.Cmd
}

// Run starts every stage, connects stage[i]'s stdout to stage[i+1]'s
// stdin, and blocks until all stages exit. The moment any stage exits
// non-zero, every other stage in the pipeline is killed (fail-fast, per
// spec.md §4.6: "the pipeline MUST fail fast on any stage's non-zero
// exit"); the returned error wraps errs.TransportFailure naming the
// first stage that failed.
func Run(ctx context.Context, log logr.Logger, stages []Stage) error {
	if len(stages) < 2 {
		return fmt.Errorf("pipeline: need at least two stages, got %d", len(stages))
	}

	killAll := func() {
		for _, s := range stages {
			if s.Cmd.Process != nil {
				_ = s.Cmd.Process.Kill()
			}
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			killAll()
		case <-done:
		}
	}()

	readers := make([]io.ReadCloser, len(stages)-1)
	writers := make([]io.WriteCloser, len(stages)-1)
	for i := 0; i < len(stages)-1; i++ {
		w, err := stages[i].Cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("pipeline: wiring stdout for stage %q: %w", stages[i].Name, err)
		}
		readers[i] = w

		r, err := stages[i+1].Cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("pipeline: wiring stdin for stage %q: %w", stages[i+1].Name, err)
		}
		writers[i] = r
	}

	for i := range stages {
		errWriter := &logging.LineWriter{Logger: log, Stage: stages[i].Name}
		stages[i].Cmd.Stderr = errWriter
	}

	for i := range stages {
		if err := stages[i].Cmd.Start(); err != nil {
			killAll()
			return errs.NewTransportFailure(stages[i].Name, fmt.Errorf("starting: %w", err))
		}
	}

	var copyWG sync.WaitGroup
	for i := 0; i < len(stages)-1; i++ {
		copyWG.Add(1)
		go func(i int) {
			defer copyWG.Done()
			defer writers[i].Close()
			_, _ = io.Copy(writers[i], readers[i])
		}(i)
	}

	var (
		firstMu  sync.Mutex
		firstErr error
	)
	var waitWG sync.WaitGroup
	for i := range stages {
		waitWG.Add(1)
		go func(i int) {
			defer waitWG.Done()
			if err := stages[i].Cmd.Wait(); err != nil {
				firstMu.Lock()
				if firstErr == nil {
					firstErr = errs.NewTransportFailure(stages[i].Name, err)
				}
				firstMu.Unlock()
				killAll()
			}
		}(i)
	}
	waitWG.Wait()
	copyWG.Wait()

	return firstErr
}
