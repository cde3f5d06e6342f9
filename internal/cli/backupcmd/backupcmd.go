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

// Package backupcmd implements the `backup run|list|remove` subcommands
// (spec.md §6), grounded on the teacher's internal/cmd/plugin/hibernate
// NewCmd shape: one exported NewCmd() assembling a small family of
// pre-built *cobra.Command values with their flags.
package backupcmd

import (
	"context"
	"fmt"
	"regexp"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"
	"github.com/thoas/go-funk"

	"github.com/pvebackup/pve-rbd-backup/internal/backupengine"
	"github.com/pvebackup/pve-rbd-backup/internal/cli"
	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/pvevm"
	"github.com/pvebackup/pve-rbd-backup/internal/restorepoint"
)

// NewCmd builds the `backup` command family.
func NewCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "backup",
		Short: "Back up and manage VM backups",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Take a backup of every selected VM",
		RunE:  runRun,
	}
	runCmd.Flags().StringSlice("vm_uuid", nil, "Restrict the run to these VM UUIDs (repeatable)")
	runCmd.Flags().String("match", "", "Restrict the run to VMs whose name matches this regular expression")
	runCmd.Flags().String("snapshot_name_prefix", "", "Override the configured snapshot name prefix for this run")
	runCmd.Flags().Bool("allow_using_any_existing_snapshot", false, "Widen anchor selection to any existing hypervisor snapshot, not only ones carrying the active prefix")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs with known backups",
		RunE:  runList,
	}

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove every backup image of the selected VMs",
		RunE:  runRemove,
	}
	removeCmd.Flags().StringSlice("vm_uuid", nil, "Restrict removal to these VM UUIDs (repeatable)")
	removeCmd.Flags().String("match", "", "Restrict removal to VMs whose name matches this regular expression")
	removeCmd.Flags().Bool("force", false, "Also delete every restore point of the matched VMs")

	root.AddCommand(runCmd, listCmd, removeCmd)
	return root
}

// target pairs a live hypervisor VM with the UUID resolved from its
// smbios1 config, needed to apply --vm_uuid/--match selection before a
// full disk resolution (internal/backupengine.Engine.resolve does the
// rest once a Target is selected).
type target struct {
	backupengine.Target
	UUID string
}

// discoverTargets enumerates every VM across every cluster node and
// resolves just enough of each (PendingConfig -> pvevm.ResolveConfig) to
// know its UUID and name, skipping (and logging) any VM whose smbios1
// lacks a uuid= fragment (spec.md §8, MissingUUID).
func discoverTargets(ctx context.Context) ([]target, error) {
	env := cli.Env
	nodes, err := env.Proxmox.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: listing nodes: %w", err)
	}

	var targets []target
	for _, n := range nodes {
		vms, err := env.Proxmox.ListVMs(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("backup: listing vms on node %s: %w", n.ID, err)
		}
		for _, v := range vms {
			entries, err := env.Proxmox.PendingConfig(ctx, n.ID, v.VMID)
			if err != nil {
				return nil, fmt.Errorf("backup: fetching pending config for vm %d: %w", v.VMID, err)
			}
			vm, err := pvevm.ResolveConfig(v.VMID, n.ID, v.Name, v.Status, entries)
			if err != nil {
				env.AppCtx.Log.Error(err, "skipping vm with no resolvable uuid", "vmid", v.VMID, "node", n.ID)
				continue
			}
			if ignored := env.AppCtx.Config.IgnoredVMs(); ignored[vm.UUID] {
				continue
			}
			targets = append(targets, target{
				Target: backupengine.Target{Node: n.ID, VMID: v.VMID, Name: v.Name, Status: v.Status},
				UUID:   vm.UUID,
			})
		}
	}
	return targets, nil
}

// selectTargets narrows discoverTargets' output to --vm_uuid / --match, or
// returns every target when neither is set.
func selectTargets(all []target, vmUUIDs []string, match string) ([]target, error) {
	if len(vmUUIDs) == 0 && match == "" {
		return all, nil
	}

	var nameRegex *regexp.Regexp
	if match != "" {
		re, err := regexp.Compile(match)
		if err != nil {
			return nil, errs.NewArgument("invalid --match regex %q: %v", match, err)
		}
		nameRegex = re
	}

	return funk.Filter(all, func(t target) bool {
		if funk.ContainsString(vmUUIDs, t.UUID) {
			return true
		}
		return nameRegex != nil && nameRegex.MatchString(t.Name)
	}).([]target), nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	vmUUIDs, _ := cmd.Flags().GetStringSlice("vm_uuid")
	match, _ := cmd.Flags().GetString("match")
	prefix, _ := cmd.Flags().GetString("snapshot_name_prefix")
	allowAny, _ := cmd.Flags().GetBool("allow_using_any_existing_snapshot")

	all, err := discoverTargets(ctx)
	if err != nil {
		return err
	}
	selected, err := selectTargets(all, vmUUIDs, match)
	if err != nil {
		return err
	}

	targets := make([]backupengine.Target, 0, len(selected))
	for _, t := range selected {
		targets = append(targets, t.Target)
	}

	env := cli.Env
	runErr := env.Engine.Run(ctx, targets, backupengine.RunOptions{
		SnapshotNamePrefix:            prefix,
		AllowUsingAnyExistingSnapshot: allowAny,
	})

	if env.MetricsTextfilePath != "" {
		if err := env.Metrics.WriteTextfile(env.MetricsTextfilePath); err != nil {
			env.AppCtx.Log.Error(err, "writing metrics textfile failed", "path", env.MetricsTextfilePath)
		}
	}

	return runErr
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	vms, err := cli.Env.RestorePoints.ListKnownVMs(ctx)
	if err != nil {
		return err
	}

	t := tabby.New()
	t.AddHeader("VM ID", "UUID", "Name", "Running", "Last Updated")
	for _, vm := range vms {
		t.AddLine(vm.VMID, vm.UUID, vm.Name, vm.Running, vm.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	t.Print()
	return nil
}

func runRemove(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	vmUUIDs, _ := cmd.Flags().GetStringSlice("vm_uuid")
	match, _ := cmd.Flags().GetString("match")
	force, _ := cmd.Flags().GetBool("force")

	// spec.md §9 open question (ii): missing both selectors is an error,
	// not a no-op (resolved in DESIGN.md "Open Question decisions" #2).
	if len(vmUUIDs) == 0 && match == "" {
		return errs.NewArgument("backup remove requires at least one of --vm_uuid or --match")
	}

	all, err := discoverTargets(ctx)
	if err != nil {
		return err
	}
	knownVMs, err := cli.Env.RestorePoints.ListKnownVMs(ctx)
	if err != nil {
		return err
	}
	// Merge in known-backup VMs not currently visible on the hypervisor
	// (e.g. deleted since their last backup), so `backup remove` can
	// still clean up their images.
	discovered := map[string]bool{}
	for _, t := range all {
		discovered[t.UUID] = true
	}
	for _, vm := range knownVMs {
		if !discovered[vm.UUID] {
			all = append(all, target{Target: backupengine.Target{VMID: vm.VMID, Name: vm.Name}, UUID: vm.UUID})
		}
	}

	selected, err := selectTargets(all, vmUUIDs, match)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		cli.Env.AppCtx.Log.Info("no vm matched the given selectors, nothing to remove")
		return nil
	}

	ok, err := cli.Confirm(fmt.Sprintf("Remove backups for %d VM(s)?", len(selected)))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return removeTargets(ctx, cli.Env.RestorePoints, cli.Env.Hypervisor(), selected, force)
}

// removeTargets removes each selected target's backup-pool images, and —
// when force is set — first removes its restore points (and best-effort
// hypervisor snapshots). It must run in that order: RemoveRestorePoint
// lists candidate images by vmUUID containment, and RemoveBackup deletes
// those same images (metadata and per-disk alike, backupengine.go's
// streamDisk names them `{vm.UUID}-{pool}-{image}`), so calling
// RemoveBackup first would always leave RemoveRestorePoint an empty
// candidate set (spec.md §6: "--force also deletes every restore point
// of matched VMs").
func removeTargets(
	ctx context.Context,
	rp *restorepoint.Manager,
	hv restorepoint.HypervisorSnapshots,
	selected []target,
	force bool,
) error {
	for _, t := range selected {
		if force {
			filter := restorepoint.RemoveFilter{VMUUID: t.UUID, Regex: ".*", Hypervisor: hv}
			if err := rp.RemoveRestorePoint(ctx, filter); err != nil {
				return fmt.Errorf("backup: removing restore points of vm %s: %w", t.UUID, err)
			}
		}
		if err := rp.RemoveBackup(ctx, t.UUID); err != nil {
			return fmt.Errorf("backup: removing vm %s: %w", t.UUID, err)
		}
	}
	return nil
}
