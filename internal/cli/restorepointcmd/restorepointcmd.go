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

// Package restorepointcmd implements the `restore-point list|info|remove`
// subcommands (spec.md §6).
package restorepointcmd

import (
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/pvebackup/pve-rbd-backup/internal/cli"
	"github.com/pvebackup/pve-rbd-backup/internal/restorepoint"
)

// NewCmd builds the `restore-point` command family.
func NewCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "restore-point",
		Short: "Inspect and manage individual restore points",
	}

	listCmd := &cobra.Command{
		Use:   "list <vm-uuid>",
		Short: "List the restore points of one VM",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}

	infoCmd := &cobra.Command{
		Use:   "info <vm-uuid> <name>",
		Short: "Show the disks and hypervisor-snapshot status of one restore point",
		Args:  cobra.ExactArgs(2),
		RunE:  runInfo,
	}

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove restore points matching the given selectors",
		RunE:  runRemove,
	}
	removeCmd.Flags().String("vm-uuid", "", "Restrict removal to this VM UUID")
	removeCmd.Flags().StringSlice("restore-point", nil, "Remove exactly these restore-point names (repeatable)")
	removeCmd.Flags().String("age", "", "Remove restore points older than this duration (e.g. 7d, 3M)")
	removeCmd.Flags().String("match", "", "Remove restore points whose name matches this regular expression")

	root.AddCommand(listCmd, infoCmd, removeCmd)
	return root
}

func runList(cmd *cobra.Command, args []string) error {
	vmUUID := args[0]
	points, err := cli.Env.RestorePoints.ListRestorePoints(cmd.Context(), vmUUID)
	if err != nil {
		return err
	}

	t := tabby.New()
	t.AddHeader("Name", "Timestamp")
	for _, p := range points {
		t.AddLine(p.Name, p.Timestamp.Format("2006-01-02 15:04:05"))
	}
	t.Print()
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	vmUUID, name := args[0], args[1]
	detail, err := cli.Env.RestorePoints.RestorePointDetail(cmd.Context(), vmUUID, name, cli.Env.Hypervisor())
	if err != nil {
		return err
	}

	fmt.Printf("Restore point %s\n", aurora.Bold(name))
	fmt.Printf("  Timestamp:              %s\n", detail.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Hypervisor snapshot:    %v\n", detail.HasHypervisorSnapshot)

	t := tabby.New()
	t.AddHeader("Image")
	for _, ref := range detail.Images {
		t.AddLine(ref.Image)
	}
	t.Print()
	return nil
}

func runRemove(cmd *cobra.Command, _ []string) error {
	vmUUID, _ := cmd.Flags().GetString("vm-uuid")
	names, _ := cmd.Flags().GetStringSlice("restore-point")
	age, _ := cmd.Flags().GetString("age")
	match, _ := cmd.Flags().GetString("match")

	ctx := cmd.Context()
	env := cli.Env

	if len(names) == 0 {
		ok, err := cli.Confirm("Remove matching restore points?")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return env.RestorePoints.RemoveRestorePoint(ctx, restorepoint.RemoveFilter{
			VMUUID:     vmUUID,
			Age:        age,
			Regex:      match,
			Hypervisor: env.Hypervisor(),
		})
	}

	ok, err := cli.Confirm(fmt.Sprintf("Remove %d restore point(s)?", len(names)))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, name := range names {
		filter := restorepoint.RemoveFilter{VMUUID: vmUUID, Name: name, Hypervisor: env.Hypervisor()}
		if err := env.RestorePoints.RemoveRestorePoint(ctx, filter); err != nil {
			return fmt.Errorf("restore-point: removing %s: %w", name, err)
		}
	}
	return nil
}
