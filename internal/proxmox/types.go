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

package proxmox

import "time"

// Node is a hypervisor cluster member. Read-only, discovered from the API.
type Node struct {
	ID string
}

// Storage is a configured storage backend, filtered at the API layer by
// the caller's typeFilter.
type Storage struct {
	Name    string
	Type    string
	Pool    string
	Shared  bool
	KRBD    bool
	Content string
	Digest  string
}

// VMSummary is the subset of a VM's attributes returned by listVMs.
type VMSummary struct {
	VMID   int
	Name   string
	Status string
	Node   string
}

// ConfigEntry is one (key, value) record from a VM's pending configuration;
// Driver.PendingConfig returns them sorted by key.
type ConfigEntry struct {
	Key   string
	Value string
}

// SnapshotInfo describes one hypervisor-side VM snapshot.
type SnapshotInfo struct {
	Name        string
	Description string
	Parent      string
	Timestamp   time.Time
	// Current would mark the synthetic "current state" pseudo-snapshot
	// Proxmox always includes in the snapshot list (spec.md §4.2).
	// Driver.ListSnapshots drops that entry itself and never sets Current.
	Current bool
}
