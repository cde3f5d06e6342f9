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

package logging

import (
	"bytes"

	"github.com/go-logr/logr"
)

// LineWriter adapts a logr.Logger into an io.Writer that logs one record
// per newline-terminated line, for capturing a subprocess's stderr as it
// streams (rbd/ceph/ssh/pv/lz4/mkfs.ext4/mount/umount all write diagnostics
// to stderr that would otherwise be silently discarded).
type LineWriter struct {
	Logger logr.Logger
	Stage  string

	pending []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.pending[:idx], "\r"))
		w.pending = w.pending[idx+1:]
		if len(line) == 0 {
			continue
		}
		w.Logger.V(1).Info(line, "stage", w.Stage)
	}
	return len(p), nil
}

// Flush logs any trailing partial line left without a terminating newline.
func (w *LineWriter) Flush() {
	if len(w.pending) == 0 {
		return
	}
	w.Logger.V(1).Info(string(w.pending), "stage", w.Stage)
	w.pending = nil
}
