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

// pve-rbd-backup takes snapshot-based backups of VMs whose disks live on a
// Ceph RBD-backed Proxmox cluster, and manages the resulting restore
// points.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pvebackup/pve-rbd-backup/internal/cli"
	"github.com/pvebackup/pve-rbd-backup/internal/cli/backupcmd"
	"github.com/pvebackup/pve-rbd-backup/internal/cli/restorepointcmd"
)

func main() {
	var configPath, logLevel, metricsPath string

	rootCmd := &cobra.Command{
		Use:          "pve-rbd-backup",
		Short:        "Snapshot-based backup and restore-point management for Ceph RBD-backed VMs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "completion" || cmd.Name() == "help" {
				return nil
			}
			if err := cli.ConfigureColor(cmd); err != nil {
				return err
			}
			return cli.Setup(configPath, logLevel, metricsPath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/pve-rbd-backup/config.ini", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&metricsPath, "metrics-textfile", "", "Write a node_exporter textfile-collector metrics snapshot to this path after `backup run`")
	cli.AddColorControlFlag(rootCmd)

	rootCmd.AddCommand(backupcmd.NewCmd())
	rootCmd.AddCommand(restorepointcmd.NewCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
