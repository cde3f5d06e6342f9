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

// Package cli assembles the collaborators every subcommand needs —
// configuration, drivers, the backup engine, the restore-point manager —
// once at startup, the way the teacher's internal/cmd/plugin package builds
// a single package-level Client and lets every subcommand package reach for
// it directly instead of threading it through each command's constructor.
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/appctx"
	"github.com/pvebackup/pve-rbd-backup/internal/backupengine"
	"github.com/pvebackup/pve-rbd-backup/internal/config"
	"github.com/pvebackup/pve-rbd-backup/internal/logging"
	"github.com/pvebackup/pve-rbd-backup/internal/metadata"
	"github.com/pvebackup/pve-rbd-backup/internal/metrics"
	"github.com/pvebackup/pve-rbd-backup/internal/proxmox"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
	"github.com/pvebackup/pve-rbd-backup/internal/restorepoint"
	"github.com/pvebackup/pve-rbd-backup/internal/sshtransport"
)

// Environment bundles every collaborator a subcommand needs. It is built
// once, in the root command's PersistentPreRunE, and read by every
// subcommand thereafter.
type Environment struct {
	AppCtx *appctx.Context

	Proxmox *proxmox.Driver
	RBD     *rbd.Driver

	Engine        *backupengine.Engine
	RestorePoints *restorepoint.Manager
	Metrics       *metrics.Recorder

	// MetricsTextfilePath is where the metrics recorder's textfile
	// collector snapshot is written after `backup run`; empty disables
	// the write.
	MetricsTextfilePath string

	hypervisor *HypervisorAdapter
}

// Hypervisor returns the restorepoint.HypervisorSnapshots adapter, built
// lazily against this Environment's drivers.
func (e *Environment) Hypervisor() *HypervisorAdapter {
	if e.hypervisor == nil {
		e.hypervisor = &HypervisorAdapter{
			Proxmox:    e.Proxmox,
			RBD:        e.RBD,
			BackupPool: e.AppCtx.BackupPool,
			Log:        e.AppCtx.Log,
		}
	}
	return e.hypervisor
}

// Env is the process-wide Environment, set once by Setup. Subcommand
// packages read it directly, the same way the teacher's plugin.Client
// global is read by every kubectl-cnpg subcommand.
var Env *Environment

// Setup loads configPath, builds every collaborator, and assigns Env.
// logLevelOverride, when non-empty, takes precedence over the config
// file's log_level.
func Setup(configPath, logLevelOverride, metricsTextfilePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	levelName := cfg.Global.LogLevel
	if logLevelOverride != "" {
		levelName = logLevelOverride
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log := logging.New(level)

	if len(cfg.Global.ProxmoxServers) == 0 {
		return fmt.Errorf("cli: global.proxmox_servers must list at least one host")
	}
	primaryServer := cfg.Global.ProxmoxServers[0]

	client := proxmox.NewClient(primaryServer, cfg.Global.User, cfg.Global.Password, cfg.Global.VerifySSL, log)
	proxmoxDriver := proxmox.NewDriver(client, uint(cfg.Global.WaitForSnapshotTries))
	rbdDriver := rbd.New(log)
	sourceTransport := sshtransport.New(cfg.Global.ProxmoxSSHUser, primaryServer)

	appCtx := appctx.New(cfg, log)

	metadataManager := &metadata.Manager{
		RBD:             rbdDriver,
		Log:             log,
		BackupPool:      appCtx.BackupPool,
		ImageSize:       cfg.Global.VMMetadataImageSize,
		DisableFeatures: cfg.Global.CephBackupDisableRBDImageFeaturesForMeta,
	}

	metricsRecorder := metrics.New()

	engine := &backupengine.Engine{
		AppCtx:          appCtx,
		Proxmox:         proxmoxDriver,
		RBD:             rbdDriver,
		Metadata:        metadataManager,
		SourceTransport: sourceTransport,
		IgnoreStorages:  cfg.Global.IgnoreStorages,
		Metrics:         metricsRecorder,
		Log:             log,
	}

	restorePoints := &restorepoint.Manager{
		RBD:        rbdDriver,
		BackupPool: appCtx.BackupPool,
		Log:        log,
	}

	Env = &Environment{
		AppCtx:              appCtx,
		Proxmox:             proxmoxDriver,
		RBD:                 rbdDriver,
		Engine:              engine,
		RestorePoints:       restorePoints,
		Metrics:             metricsRecorder,
		MetricsTextfilePath: metricsTextfilePath,
	}
	return nil
}

// HypervisorAdapter resolves a VM's hypervisor-side node/vmid from its
// backup-pool metadata image tags, so internal/restorepoint's
// vmUUID-keyed HypervisorSnapshots collaborator can reach
// internal/proxmox's node/vmid-keyed API. This adapter is CLI-layer
// plumbing, not core domain logic, which is why it isn't grounded in the
// original Python (the original never needed it: RestorePoint already
// held a live reference back to its owning Backup/VM object).
type HypervisorAdapter struct {
	Proxmox    *proxmox.Driver
	RBD        *rbd.Driver
	BackupPool string
	Log        logr.Logger
}

func (a *HypervisorAdapter) resolve(ctx context.Context, vmUUID string) (node string, vmid int, err error) {
	image := vmUUID + "_vm_metadata"
	vmidStr, err := a.RBD.ImageMetaGet(ctx, a.BackupPool, image, "vm.id")
	if err != nil {
		return "", 0, fmt.Errorf("cli: resolving vmid for %s: %w", vmUUID, err)
	}
	vmid, err = strconv.Atoi(vmidStr)
	if err != nil {
		return "", 0, fmt.Errorf("cli: parsing vm.id %q for %s: %w", vmidStr, vmUUID, err)
	}

	nodes, err := a.Proxmox.ListNodes(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("cli: listing nodes: %w", err)
	}
	for _, n := range nodes {
		vms, err := a.Proxmox.ListVMs(ctx, n.ID)
		if err != nil {
			a.Log.Error(err, "listing vms on node failed, trying the next node", "node", n.ID)
			continue
		}
		for _, vm := range vms {
			if vm.VMID == vmid {
				return n.ID, vmid, nil
			}
		}
	}
	return "", 0, fmt.Errorf("cli: vm %d (%s) not found on any cluster node", vmid, vmUUID)
}

// HasSnapshot implements restorepoint.HypervisorSnapshots.
func (a *HypervisorAdapter) HasSnapshot(ctx context.Context, vmUUID, name string) (bool, error) {
	node, vmid, err := a.resolve(ctx, vmUUID)
	if err != nil {
		return false, err
	}
	snaps, err := a.Proxmox.ListSnapshots(ctx, node, vmid)
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

// RemoveSnapshot implements restorepoint.HypervisorSnapshots.
func (a *HypervisorAdapter) RemoveSnapshot(ctx context.Context, vmUUID, name string) error {
	node, vmid, err := a.resolve(ctx, vmUUID)
	if err != nil {
		return err
	}
	return a.Proxmox.RemoveSnapshot(ctx, node, vmid, name)
}
