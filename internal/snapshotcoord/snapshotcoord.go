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

// Package snapshotcoord coordinates a hypervisor snapshot with its
// visibility on the source Ceph cluster (spec.md §4.5): it asks the
// hypervisor to create the snapshot, then blocks per-disk until that
// snapshot is observable on the source cluster over ssh before any
// streaming may begin. Grounded on the original lib/backup.py
// Backup.wait_for_rbd_image_snapshot_completion.
package snapshotcoord

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
	"github.com/pvebackup/pve-rbd-backup/internal/sshtransport"
)

// sourceSnapshotPollInterval is the fixed 1 s cadence spec.md §4.5
// mandates for per-disk source-cluster snapshot convergence.
const sourceSnapshotPollInterval = 1 * time.Second

// hypervisor is the subset of *proxmox.Driver this package calls,
// declared at point of use so tests can substitute a fake without any
// change to internal/proxmox.
type hypervisor interface {
	CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) error
}

// blockStore is the subset of *rbd.Driver this package calls.
type blockStore interface {
	ListSnapshotsByPrefix(ctx context.Context, pool, image, prefix string, transport *sshtransport.Transport) ([]rbd.Snapshot, error)
}

// Coordinator ties the hypervisor driver and block-store driver together
// for one backup round.
type Coordinator struct {
	Hypervisor hypervisor
	BlockStore blockStore
	Log        logr.Logger

	// SourceTransport runs block-store queries against the source
	// cluster over ssh (the "remote=true" parameter of
	// listSnapshotsByPrefix in spec.md §4.1/§4.5).
	SourceTransport *sshtransport.Transport

	WaitForSnapshotTries uint
}

// CreateAndAwait asks the hypervisor to create snapshot name on vm, then
// blocks until it is visible on the source cluster for every disk in
// disks (spec.md §4.5). Ordering guarantee: no stream for a disk may
// start until that disk's snapshot is observed on the source cluster —
// callers must not begin STREAM for a disk before this returns.
func (c *Coordinator) CreateAndAwait(ctx context.Context, node string, vmid int, name, description string, disks []DiskRef) error {
	if err := c.Hypervisor.CreateSnapshot(ctx, node, vmid, name, description); err != nil {
		return fmt.Errorf("snapshotcoord: hypervisor snapshot %s for vm %d: %w", name, vmid, err)
	}

	for _, disk := range disks {
		if err := c.awaitSourceVisibility(ctx, disk, name); err != nil {
			return err
		}
	}
	return nil
}

// DiskRef identifies a source disk by its pool/image, independent of
// internal/pvevm's Disk type so this package has no dependency on the
// hypervisor's storage model.
type DiskRef struct {
	Pool  string
	Image string
}

func (c *Coordinator) awaitSourceVisibility(ctx context.Context, disk DiskRef, name string) error {
	err := retry.Do(
		func() error {
			snaps, err := c.BlockStore.ListSnapshotsByPrefix(ctx, disk.Pool, disk.Image, name, c.SourceTransport)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				if s.Name == name {
					return nil
				}
			}
			return fmt.Errorf("snapshot %s not yet visible on source for %s/%s", name, disk.Pool, disk.Image)
		},
		retry.Context(ctx),
		retry.Attempts(c.WaitForSnapshotTries),
		retry.Delay(sourceSnapshotPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errs.NewConvergenceTimeout(fmt.Sprintf("source-cluster snapshot %q on %s/%s", name, disk.Pool, disk.Image), int(c.WaitForSnapshotTries))
	}
	return nil
}
