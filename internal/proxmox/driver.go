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

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/blang/semver/v4"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
)

// snapshotPollInterval is the fixed 1 s cadence spec.md §4.2/§4.5 mandate
// for hypervisor/source-cluster snapshot convergence polling.
const snapshotPollInterval = 1 * time.Second

// Driver is the hypervisor driver consumed by the backup engine.
type Driver struct {
	Client               *Client
	WaitForSnapshotTries uint
}

// NewDriver builds a Driver. waitForSnapshotTries bounds every
// convergence poll this driver performs.
func NewDriver(client *Client, waitForSnapshotTries uint) *Driver {
	return &Driver{Client: client, WaitForSnapshotTries: waitForSnapshotTries}
}

type apiNode struct {
	Node string `json:"node"`
}

// ListNodes lists cluster members.
func (d *Driver) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []apiNode
	if err := d.Client.Request(ctx, "GET", "/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("proxmox: list nodes: %w", err)
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Node{ID: n.Node})
	}
	return out, nil
}

type apiStorage struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Pool    string `json:"pool"`
	Shared  int    `json:"shared"`
	KRBD    int    `json:"krbd"`
	Content string `json:"content"`
	Digest  string `json:"digest"`
}

// ListStorages lists cluster storage definitions, optionally filtered to
// a single storage type (e.g. "rbd").
func (d *Driver) ListStorages(ctx context.Context, typeFilter string) ([]Storage, error) {
	form := url.Values{}
	if typeFilter != "" {
		form.Set("type", typeFilter)
	}
	var storages []apiStorage
	if err := d.Client.Request(ctx, "GET", "/storage", form, &storages); err != nil {
		return nil, fmt.Errorf("proxmox: list storages: %w", err)
	}
	out := make([]Storage, 0, len(storages))
	for _, s := range storages {
		out = append(out, Storage{
			Name:    s.Storage,
			Type:    s.Type,
			Pool:    s.Pool,
			Shared:  s.Shared != 0,
			KRBD:    s.KRBD != 0,
			Content: s.Content,
			Digest:  s.Digest,
		})
	}
	return out, nil
}

type apiVM struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ListVMs lists the VMs resident on node.
func (d *Driver) ListVMs(ctx context.Context, node string) ([]VMSummary, error) {
	var vms []apiVM
	if err := d.Client.Request(ctx, "GET", "/nodes/"+node+"/qemu", nil, &vms); err != nil {
		return nil, fmt.Errorf("proxmox: list vms on %s: %w", node, err)
	}
	out := make([]VMSummary, 0, len(vms))
	for _, vm := range vms {
		out = append(out, VMSummary{VMID: vm.VMID, Name: vm.Name, Status: vm.Status, Node: node})
	}
	return out, nil
}

type apiPendingEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// PendingConfig fetches the VM's pending configuration as an ordered list
// of (key, value) records, sorted by key the way Proxmox's API response
// is keyed (the API itself has no stable order, so the resolver in
// internal/pvevm re-sorts everything except the description block
// anyway; sorting here gives deterministic fixtures in tests).
func (d *Driver) PendingConfig(ctx context.Context, node string, vmid int) ([]ConfigEntry, error) {
	var entries []apiPendingEntry
	path := fmt.Sprintf("/nodes/%s/qemu/%d/pending", node, vmid)
	if err := d.Client.Request(ctx, "GET", path, nil, &entries); err != nil {
		return nil, fmt.Errorf("proxmox: pending config for vm %d on %s: %w", vmid, node, err)
	}
	out := make([]ConfigEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ConfigEntry{Key: e.Key, Value: fmt.Sprintf("%v", e.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type apiSnapshot struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parent      string  `json:"parent"`
	SnapTime    float64 `json:"snaptime"`
}

// ListSnapshots lists the VM's hypervisor snapshots, filtering out the
// synthetic "current" pseudo-snapshot Proxmox always reports (spec.md
// §4.2).
func (d *Driver) ListSnapshots(ctx context.Context, node string, vmid int) ([]SnapshotInfo, error) {
	var snaps []apiSnapshot
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid)
	if err := d.Client.Request(ctx, "GET", path, nil, &snaps); err != nil {
		return nil, fmt.Errorf("proxmox: list snapshots for vm %d on %s: %w", vmid, node, err)
	}
	out := make([]SnapshotInfo, 0, len(snaps))
	for _, s := range snaps {
		if s.Name == "current" {
			continue
		}
		out = append(out, SnapshotInfo{
			Name:        s.Name,
			Description: s.Description,
			Parent:      s.Parent,
			Timestamp:   time.Unix(int64(s.SnapTime), 0).UTC(),
		})
	}
	return out, nil
}

func (d *Driver) hasSnapshot(ctx context.Context, node string, vmid int, name string) (bool, error) {
	snaps, err := d.ListSnapshots(ctx, node, vmid)
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateSnapshot asks the hypervisor to create a disk-only snapshot and
// blocks until it is observed via ListSnapshots, polling at a 1 s cadence
// up to WaitForSnapshotTries attempts (spec.md §4.2).
func (d *Driver) CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) error {
	form := url.Values{
		"snapname":    {name},
		"description": {description},
		"vmstate":     {"0"},
	}
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid)
	if err := d.Client.Request(ctx, "POST", path, form, &upid); err != nil {
		return fmt.Errorf("proxmox: create snapshot %s for vm %d: %w", name, vmid, err)
	}
	if upid == "" {
		return fmt.Errorf("proxmox: create snapshot %s for vm %d: server did not return a task id", name, vmid)
	}

	err := retry.Do(
		func() error {
			ok, err := d.hasSnapshot(ctx, node, vmid, name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("snapshot %s not yet visible", name)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.WaitForSnapshotTries),
		retry.Delay(snapshotPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errs.NewConvergenceTimeout(fmt.Sprintf("hypervisor snapshot %q on vm %d", name, vmid), int(d.WaitForSnapshotTries))
	}
	return nil
}

// RemoveSnapshot deletes the named snapshot, no-op if absent, and blocks
// until it is observed gone, same cadence/bound as CreateSnapshot.
func (d *Driver) RemoveSnapshot(ctx context.Context, node string, vmid int, name string) error {
	exists, err := d.hasSnapshot(ctx, node, vmid, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s", node, vmid, name)
	var upid string
	if err := d.Client.Request(ctx, "DELETE", path, nil, &upid); err != nil {
		return fmt.Errorf("proxmox: remove snapshot %s for vm %d: %w", name, vmid, err)
	}

	err = retry.Do(
		func() error {
			ok, err := d.hasSnapshot(ctx, node, vmid, name)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("snapshot %s still present", name)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.WaitForSnapshotTries),
		retry.Delay(snapshotPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errs.NewConvergenceTimeout(fmt.Sprintf("hypervisor snapshot %q removal on vm %d", name, vmid), int(d.WaitForSnapshotTries))
	}
	return nil
}

type apiFeature struct {
	HasFeature int `json:"hasFeature"`
}

// FeatureAvailable reports whether the hypervisor currently makes feature
// available for vmid (e.g. "snapshot"). Used to skip VMs the hypervisor
// declines to snapshot.
func (d *Driver) FeatureAvailable(ctx context.Context, node string, vmid int, feature string) (bool, error) {
	form := url.Values{"feature": {feature}}
	var result apiFeature
	path := fmt.Sprintf("/nodes/%s/qemu/%d/feature", node, vmid)
	if err := d.Client.Request(ctx, "GET", path, form, &result); err != nil {
		return false, fmt.Errorf("proxmox: feature check %q for vm %d: %w", feature, vmid, err)
	}
	return result.HasFeature != 0, nil
}

type apiVersion struct {
	Version string `json:"version"`
}

// Version queries and parses the hypervisor's pve-manager version.
// Nothing in this program calls it; whole-object mode is chosen by the
// enable_intra_object_delta_transfer config key alone.
func (d *Driver) Version(ctx context.Context) (semver.Version, error) {
	var v apiVersion
	if err := d.Client.Request(ctx, "GET", "/version", nil, &v); err != nil {
		return semver.Version{}, fmt.Errorf("proxmox: query version: %w", err)
	}
	parsed, err := semver.ParseTolerant(normalizeVersion(v.Version))
	if err != nil {
		return semver.Version{}, fmt.Errorf("proxmox: parsing version %q: %w", v.Version, err)
	}
	return parsed, nil
}

// normalizeVersion strips the Debian-style "-N" build suffix Proxmox
// appends (e.g. "8.1.4-1") so semver.ParseTolerant accepts it.
func normalizeVersion(raw string) string {
	if idx := strings.IndexByte(raw, '-'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
