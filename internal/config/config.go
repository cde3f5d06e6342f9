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

// Package config loads the ini-style configuration described in spec.md §6:
// a "global" section plus one section per managed VM, keyed by VM UUID.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/pvebackup/pve-rbd-backup/internal/logging"
)

// Global holds the [global] section.
type Global struct {
	ProxmoxServers                          []string `ini:"proxmox_servers"`
	ProxmoxSSHUser                          string   `ini:"proxmox_ssh_user"`
	User                                    string   `ini:"user"`
	Password                                string   `ini:"password"`
	VerifySSL                               bool     `ini:"verify_ssl"`
	CephBackupPool                          string   `ini:"ceph_backup_pool"`
	SnapshotNamePrefix                      string   `ini:"snapshot_name_prefix"`
	VMMetadataImageSize                     string   `ini:"vm_metadata_image_size"`
	CephBackupDisableRBDImageFeaturesForMeta []string `ini:"ceph_backup_disable_rbd_image_features_for_metadata"`
	EnableTransportCompressionInitial       bool     `ini:"enable_transport_compression_initial"`
	EnableTransportCompressionIncremental   bool     `ini:"enable_transport_compression_incremental"`
	EnableIntraObjectDeltaTransfer          bool     `ini:"enable_intra_object_delta_transfer"`
	WaitForSnapshotTries                    int      `ini:"wait_for_snapshot_tries"`
	IgnoreStorages                          []string `ini:"ignore_storages"`
	LogLevel                                string   `ini:"log_level"`
}

// PerVM holds a VM-uuid-keyed section.
type PerVM struct {
	Ignore       bool
	IgnoreDisks  []string
}

// Config is the fully parsed configuration file.
type Config struct {
	Global Global
	PerVM  map[string]PerVM
}

const defaultWaitForSnapshotTries = 60

// Load reads and validates the ini configuration at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{PerVM: map[string]PerVM{}}

	globalSection := f.Section("global")
	cfg.Global.ProxmoxServers = splitCSV(globalSection.Key("proxmox_servers").String())
	cfg.Global.ProxmoxSSHUser = globalSection.Key("proxmox_ssh_user").String()
	cfg.Global.User = globalSection.Key("user").String()
	cfg.Global.Password = globalSection.Key("password").String()
	cfg.Global.VerifySSL = globalSection.Key("verify_ssl").MustBool(true)
	cfg.Global.CephBackupPool = globalSection.Key("ceph_backup_pool").String()
	cfg.Global.SnapshotNamePrefix = globalSection.Key("snapshot_name_prefix").String()
	cfg.Global.VMMetadataImageSize = globalSection.Key("vm_metadata_image_size").MustString("100M")
	cfg.Global.CephBackupDisableRBDImageFeaturesForMeta = splitCSV(
		globalSection.Key("ceph_backup_disable_rbd_image_features_for_metadata").String())
	cfg.Global.EnableTransportCompressionInitial = globalSection.Key("enable_transport_compression_initial").MustBool(false)
	cfg.Global.EnableTransportCompressionIncremental = globalSection.Key("enable_transport_compression_incremental").MustBool(false)
	cfg.Global.EnableIntraObjectDeltaTransfer = globalSection.Key("enable_intra_object_delta_transfer").MustBool(true)
	cfg.Global.WaitForSnapshotTries = globalSection.Key("wait_for_snapshot_tries").MustInt(defaultWaitForSnapshotTries)
	cfg.Global.IgnoreStorages = splitCSV(globalSection.Key("ignore_storages").String())
	cfg.Global.LogLevel = globalSection.Key("log_level").MustString("INFO")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for _, section := range f.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "global" {
			continue
		}
		perVM := PerVM{
			Ignore:      section.Key("ignore").MustBool(false),
			IgnoreDisks: splitCSV(section.Key("ignore_disks").String()),
		}
		cfg.PerVM[name] = perVM
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Global.ProxmoxServers) == 0 {
		return fmt.Errorf("config: global.proxmox_servers must list at least one host")
	}
	if c.Global.CephBackupPool == "" {
		return fmt.Errorf("config: global.ceph_backup_pool is required")
	}
	if c.Global.User == "" || c.Global.Password == "" {
		return fmt.Errorf("config: global.user and global.password are required")
	}
	if c.Global.WaitForSnapshotTries <= 0 {
		return fmt.Errorf("config: global.wait_for_snapshot_tries must be a positive integer")
	}
	if _, err := logging.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// IgnoredVMs returns the set of VM-uuid section names whose "ignore" key is
// truthy.
func (c *Config) IgnoredVMs() map[string]bool {
	out := map[string]bool{}
	for uuid, vm := range c.PerVM {
		if vm.Ignore {
			out[uuid] = true
		}
	}
	return out
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSize normalizes a size string with units M|G|T, or raw bytes, into
// the argument "rbd create -s" expects (rbd itself accepts the same unit
// suffixes, so this mostly just validates the shape).
func ParseSize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("size must not be empty")
	}
	unit := s[len(s)-1]
	if unit == 'M' || unit == 'G' || unit == 'T' {
		if _, err := strconv.ParseFloat(s[:len(s)-1], 64); err != nil {
			return "", fmt.Errorf("invalid size %q: %w", s, err)
		}
		return s, nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return "", fmt.Errorf("invalid size %q: %w", s, err)
	}
	return s, nil
}
