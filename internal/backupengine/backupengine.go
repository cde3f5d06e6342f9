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

// Package backupengine runs the per-VM backup state machine (spec.md
// §4.6): RESOLVE, METADATA, ANCHOR, FEATURE_CHECK, SNAPSHOT, STREAM,
// VERIFY, PRUNE, DONE. Grounded on the original lib/backup.py's
// run_backup/get_vm_backup_snapshot/backup_vm_disk, kept as one
// sequential per-VM pass the way the original is, with failures
// collected across VMs rather than aborting the run.
package backupengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/pvebackup/pve-rbd-backup/internal/appctx"
	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/metrics"
	"github.com/pvebackup/pve-rbd-backup/internal/pipeline"
	"github.com/pvebackup/pve-rbd-backup/internal/proxmox"
	"github.com/pvebackup/pve-rbd-backup/internal/pvevm"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
	"github.com/pvebackup/pve-rbd-backup/internal/snapshotcoord"
	"github.com/pvebackup/pve-rbd-backup/internal/sshtransport"
)

// snapshotDescription is the fixed marker left on every hypervisor
// snapshot this program creates, so a human browsing the snapshot list
// can recognize it (spec.md §4.6 SNAPSHOT).
const snapshotDescription = "automated snapshot, do not remove"

// Target identifies one VM to back up, as surfaced by
// *proxmox.Driver.ListVMs.
type Target struct {
	Node   string
	VMID   int
	Name   string
	Status string
}

// RunOptions parametrizes one invocation of Run (the CLI's `backup run`
// flags, spec.md §6).
type RunOptions struct {
	// SnapshotNamePrefix overrides the context's default prefix when set.
	SnapshotNamePrefix string

	// AllowUsingAnyExistingSnapshot selects the ANCHOR mode (spec.md
	// §4.6 state 3): false restricts candidate anchors to snapshots
	// whose name begins with the active prefix, true widens the
	// candidate set to every non-synthetic snapshot.
	AllowUsingAnyExistingSnapshot bool
}

// hypervisorDriver is the subset of *proxmox.Driver the engine calls,
// declared at point of use (matching internal/snapshotcoord's pattern)
// so tests can substitute a fake without a real Proxmox cluster.
type hypervisorDriver interface {
	ListStorages(ctx context.Context, typeFilter string) ([]proxmox.Storage, error)
	PendingConfig(ctx context.Context, node string, vmid int) ([]proxmox.ConfigEntry, error)
	ListSnapshots(ctx context.Context, node string, vmid int) ([]proxmox.SnapshotInfo, error)
	FeatureAvailable(ctx context.Context, node string, vmid int, feature string) (bool, error)
	CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) error
	RemoveSnapshot(ctx context.Context, node string, vmid int, name string) error
}

// blockStoreDriver is the subset of *rbd.Driver the engine calls.
type blockStoreDriver interface {
	ImageSize(ctx context.Context, pool, image string, transport *sshtransport.Transport) (int64, error)
	CreateSnapshot(ctx context.Context, pool, image, prefix, explicitName string) (string, error)
	ListSnapshotsByPrefix(ctx context.Context, pool, image, prefix string, transport *sshtransport.Transport) ([]rbd.Snapshot, error)
}

// metadataWriter is the subset of *metadata.Manager the engine calls.
type metadataWriter interface {
	Write(ctx context.Context, vmID int, vmUUID, vmName string, running bool, config, snapshotName string) error
}

// Engine wires the collaborators one VM backup pass needs.
type Engine struct {
	AppCtx *appctx.Context

	Proxmox  hypervisorDriver
	RBD      blockStoreDriver
	Metadata metadataWriter

	// SourceTransport runs rbd queries/exports against the source
	// cluster over ssh (spec.md §4.1 "remote" parameter). With nil, the
	// source-side rbd queries run locally, but streaming a disk reads its
	// User and Host, so a run that backs up any disk needs it set.
	SourceTransport *sshtransport.Transport

	// IgnoreStorages excludes these storage names from disk resolution
	// (config key ignore_storages).
	IgnoreStorages []string

	// Metrics records per-run counters/gauges (internal/metrics); nil
	// disables recording entirely.
	Metrics *metrics.Recorder

	Log logr.Logger
}

// Run backs up every target independently; a failure on one VM is
// logged and does not stop the others. At the end of the run, the most
// recent per-VM failure is re-raised so a caller sees a non-zero result
// (spec.md §4.6, §7 "Propagation").
func (e *Engine) Run(ctx context.Context, targets []Target, opts RunOptions) error {
	prefix := e.AppCtx.SnapshotPrefix
	if opts.SnapshotNamePrefix != "" {
		prefix = opts.SnapshotNamePrefix
	}

	start := time.Now()
	var aggregate error
	var lastErr error
	for _, t := range targets {
		log := e.Log.WithValues("vmid", t.VMID, "node", t.Node, "name", t.Name)
		if err := e.backupOne(ctx, log, t, prefix, opts.AllowUsingAnyExistingSnapshot); err != nil {
			log.Error(err, "vm backup failed")
			aggregate = multierr.Append(aggregate, fmt.Errorf("vm %d (%s): %w", t.VMID, t.Name, err))
			lastErr = err
			if e.Metrics != nil {
				e.Metrics.VMFailed()
			}
			continue
		}
		log.Info("vm backup complete")
	}

	if e.Metrics != nil {
		e.Metrics.RunDuration(time.Since(start).Seconds())
	}
	if aggregate != nil {
		e.Log.Error(aggregate, "one or more vm backups failed this run, re-raising the most recent")
	}
	return lastErr
}

// backupOne drives RESOLVE through DONE for a single VM.
func (e *Engine) backupOne(ctx context.Context, log logr.Logger, t Target, prefix string, allowAnyAnchor bool) error {
	// RESOLVE
	vm, err := e.resolve(ctx, t)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	snapshotName, err := rbd.NewSnapshotName(prefix)
	if err != nil {
		return fmt.Errorf("generating snapshot name: %w", err)
	}
	log = log.WithValues("vmUUID", vm.UUID, "snapshot", snapshotName)

	// METADATA — also the commit point for this restore point (§4.3).
	if err := e.Metadata.Write(ctx, vm.VMID, vm.UUID, vm.Name, vm.Running, vm.Config, snapshotName); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	// ANCHOR
	anchorCount, anchor, anchorMatchesPrefix, err := e.selectAnchor(ctx, log, t.Node, t.VMID, prefix, allowAnyAnchor)
	if err != nil {
		return fmt.Errorf("anchor: %w", err)
	}
	incremental := anchorCount >= 1
	if incremental && anchor == "" {
		return errs.NewMissingAnchor(vm.UUID)
	}

	// FEATURE_CHECK — not fatal for the run, just this VM.
	available, err := e.Proxmox.FeatureAvailable(ctx, t.Node, t.VMID, "snapshot")
	if err != nil {
		return fmt.Errorf("feature check: %w", err)
	}
	if !available {
		log.Error(errs.NewFeatureUnavailable("snapshot", vm.UUID), "snapshot feature unavailable, skipping vm this run")
		return nil
	}

	// SNAPSHOT + STREAM's source-visibility wait, per disk.
	coord := &snapshotcoord.Coordinator{
		Hypervisor:           e.Proxmox,
		BlockStore:           e.RBD,
		Log:                  log,
		SourceTransport:      e.SourceTransport,
		WaitForSnapshotTries: uint(e.AppCtx.Config.Global.WaitForSnapshotTries),
	}
	diskRefs := make([]snapshotcoord.DiskRef, 0, len(vm.Disks))
	for _, d := range vm.Disks {
		diskRefs = append(diskRefs, snapshotcoord.DiskRef{Pool: d.Storage.Pool, Image: d.Image})
	}
	if err := coord.CreateAndAwait(ctx, t.Node, t.VMID, snapshotName, snapshotDescription, diskRefs); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	// STREAM + VERIFY, per disk.
	for _, d := range vm.Disks {
		if err := e.streamDisk(ctx, log, vm, d, snapshotName, incremental, anchor); err != nil {
			return fmt.Errorf("stream %s/%s: %w", d.Storage.Name, d.Image, err)
		}
		if err := e.verifyDisk(ctx, vm, d, snapshotName, prefix); err != nil {
			return fmt.Errorf("verify %s/%s: %w", d.Storage.Name, d.Image, err)
		}
	}

	// PRUNE
	if incremental && anchorMatchesPrefix {
		if err := e.Proxmox.RemoveSnapshot(ctx, t.Node, t.VMID, anchor); err != nil {
			return fmt.Errorf("prune anchor %s: %w", anchor, err)
		}
	}

	// DONE
	if e.Metrics != nil {
		e.Metrics.VMSucceeded(vm.UUID, time.Now().Unix())
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, t Target) (*pvevm.VM, error) {
	entries, err := e.Proxmox.PendingConfig(ctx, t.Node, t.VMID)
	if err != nil {
		return nil, fmt.Errorf("fetching pending config: %w", err)
	}
	vm, err := pvevm.ResolveConfig(t.VMID, t.Node, t.Name, t.Status, entries)
	if err != nil {
		return nil, err
	}

	storages, err := e.Proxmox.ListStorages(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing storages: %w", err)
	}
	pvevm.ResolveDisks(vm, filterStorages(storages, e.IgnoreStorages))

	if perVM, ok := e.AppCtx.Config.PerVM[vm.UUID]; ok && len(perVM.IgnoreDisks) > 0 {
		pvevm.ApplyIgnoreDisks(vm, strings.Join(perVM.IgnoreDisks, ","))
	}
	return vm, nil
}

func filterStorages(storages []proxmox.Storage, ignore []string) []proxmox.Storage {
	if len(ignore) == 0 {
		return storages
	}
	ignored := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ignored[name] = true
	}
	out := make([]proxmox.Storage, 0, len(storages))
	for _, s := range storages {
		if !ignored[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// selectAnchor implements ANCHOR (spec.md §4.6 state 3): it picks the
// candidate set (matching-prefix only, or every non-synthetic snapshot
// when allowAny is set), then the most-recent entry in that set becomes
// the anchor. A candidate-set size greater than one is not an error —
// per the resolved Open Question (DESIGN.md "Open Question decisions"
// #1) it is logged as errs.InconsistentState and the engine proceeds
// with the most recent entry.
func (e *Engine) selectAnchor(ctx context.Context, log logr.Logger, node string, vmid int, prefix string, allowAny bool) (count int, anchor string, anchorMatchesPrefix bool, err error) {
	snaps, err := e.Proxmox.ListSnapshots(ctx, node, vmid)
	if err != nil {
		return 0, "", false, fmt.Errorf("listing hypervisor snapshots: %w", err)
	}

	var matching, any []proxmox.SnapshotInfo
	for _, s := range snaps {
		any = append(any, s)
		if strings.HasPrefix(s.Name, prefix) {
			matching = append(matching, s)
		}
	}

	selected := matching
	if allowAny {
		selected = any
	}
	if len(selected) == 0 {
		return 0, "", false, nil
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Timestamp.Before(selected[j].Timestamp) })
	mostRecent := selected[len(selected)-1]

	if len(selected) > 1 {
		log.Error(errs.NewInconsistentState("%d candidate anchor snapshots found, using most recent %q", len(selected), mostRecent.Name),
			"ambiguous anchor candidates, proceeding with most recent")
	}

	return len(selected), mostRecent.Name, strings.HasPrefix(mostRecent.Name, prefix), nil
}

// streamDisk runs STREAM for one disk: a full export on INITIAL, or a
// delta from anchor on INCREMENTAL, through the streaming transport
// pipeline (internal/pipeline).
func (e *Engine) streamDisk(ctx context.Context, log logr.Logger, vm *pvevm.VM, d pvevm.Disk, snapshotName string, incremental bool, anchor string) error {
	destImage := fmt.Sprintf("%s-%s-%s", vm.UUID, d.Storage.Pool, d.Image)
	cfg := e.AppCtx.Config.Global

	spec := pipeline.TransferSpec{
		RemoteUser:     e.SourceTransport.User,
		RemoteHost:     e.SourceTransport.Host,
		SourcePool:     d.Storage.Pool,
		SourceImage:    d.Image,
		SourceSnapshot: snapshotName,
		DestPool:       e.AppCtx.BackupPool,
		DestImage:      destImage,
		WholeObject:    !cfg.EnableIntraObjectDeltaTransfer,
	}

	if incremental {
		spec.FromSnapshot = anchor
		spec.Compress = cfg.EnableTransportCompressionIncremental
	} else {
		spec.Compress = cfg.EnableTransportCompressionInitial
		size, err := e.RBD.ImageSize(ctx, d.Storage.Pool, d.Image, e.SourceTransport)
		if err != nil {
			return fmt.Errorf("querying source image size: %w", err)
		}
		spec.ExpectedBytes = size
	}

	stages := pipeline.Build(ctx, spec)
	if err := pipeline.Run(ctx, log, stages); err != nil {
		return err
	}
	if e.Metrics != nil {
		// Incremental transfers have no a priori size estimate (the pv
		// meter stage reports its own byte count to stderr, not back to
		// the caller); only the INITIAL full-export size is recorded.
		e.Metrics.DiskBytesShipped(vm.UUID, d.Image, spec.ExpectedBytes)
	}

	if !incremental {
		// A full export-then-import does not itself create a matching
		// backup-side snapshot the way import-diff's atomic diff-apply
		// does; it must be created explicitly (spec.md §4.6 STREAM).
		if _, err := e.RBD.CreateSnapshot(ctx, e.AppCtx.BackupPool, destImage, "", snapshotName); err != nil {
			return fmt.Errorf("snapshotting backup image %s: %w", destImage, err)
		}
	}
	return nil
}

// verifyDisk implements VERIFY: the backup image must carry a snapshot
// named exactly snapshotName after STREAM completes.
func (e *Engine) verifyDisk(ctx context.Context, vm *pvevm.VM, d pvevm.Disk, snapshotName, prefix string) error {
	destImage := fmt.Sprintf("%s-%s-%s", vm.UUID, d.Storage.Pool, d.Image)
	snaps, err := e.RBD.ListSnapshotsByPrefix(ctx, e.AppCtx.BackupPool, destImage, prefix, nil)
	if err != nil {
		return fmt.Errorf("listing backup image snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Name == snapshotName {
			return nil
		}
	}
	return fmt.Errorf("backup image %s/%s missing expected snapshot %s after stream", e.AppCtx.BackupPool, destImage, snapshotName)
}
