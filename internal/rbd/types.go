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

package rbd

import "time"

// Snapshot describes one point-in-time view of an RBD image, as reported
// by `rbd snap ls --format json`.
type Snapshot struct {
	ID        int64
	Name      string
	Size      uint64
	Protected bool
	Timestamp time.Time
}

// rawSnapshot mirrors the JSON shape `rbd snap ls --format json` emits.
// Ceph formats "timestamp" as e.g. "Mon Jan  2 15:04:05 2006", handled by
// parseRBDTimestamp rather than the json package's own time handling.
type rawSnapshot struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	Protected string `json:"protected"`
	Timestamp string `json:"timestamp"`
}

const rbdTimeLayout = "Mon Jan  2 15:04:05 2006"

func parseRBDTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(rbdTimeLayout, s)
}
