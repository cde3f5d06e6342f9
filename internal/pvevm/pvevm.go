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

// Package pvevm resolves a hypervisor VM's pending configuration into a
// typed VM model and its RBD-backed disks (spec.md §4.4). Grounded on the
// original lib/proxmox/__init__.py VM.set_config/update_rbd_disks, kept as
// two explicit passes (ResolveConfig, then ResolveDisks) rather than one
// combined method, matching the original's separation.
package pvevm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/proxmox"
)

// Disk is one RBD-backed VM disk resolved from a pending-config record.
type Disk struct {
	Storage proxmox.Storage
	Image   string
}

// Name renders the disk in "storage_name/image" form, used for the ignore_disks
// filter and log lines.
func (d Disk) Name() string {
	return fmt.Sprintf("%s/%s", d.Storage.Name, d.Image)
}

// VM is the resolved model for one backup target.
type VM struct {
	VMID    int
	Node    string
	Name    string
	UUID    string
	Running bool

	// Config is the serialized pending configuration: a '#'-prefixed
	// description header block followed by every other key except digest
	// (smbios1 included) sorted alphabetically, one "key: value" line
	// each (spec.md §4.4).
	Config string

	Disks []Disk
}

var diskKeyPattern = regexp.MustCompile(`^(scsi|sata|ide|virtio|efidisk)\d+$`)

// ResolveConfig parses a VM's pending-config records into a VM model,
// filling UUID and Config. It does not yet resolve disks — call
// ResolveDisks afterward with the known storages.
func ResolveConfig(vmid int, node, name, status string, entries []proxmox.ConfigEntry) (*VM, error) {
	vm := &VM{
		VMID:    vmid,
		Node:    node,
		Name:    name,
		Running: status == "running",
	}

	sorted := make([]proxmox.ConfigEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var description strings.Builder
	var body strings.Builder
	for _, e := range sorted {
		switch e.Key {
		case "digest":
			continue
		case "smbios1":
			uuid, err := extractSMBIOSUUID(e.Value)
			if err != nil {
				return nil, errs.NewMissingUUID(fmt.Sprintf("%d", vmid))
			}
			vm.UUID = uuid
			body.WriteString(fmt.Sprintf("%s: %s\n", e.Key, e.Value))
		case "description":
			for _, line := range strings.Split(e.Value, "\n") {
				description.WriteString("#" + line + "\n")
			}
		default:
			body.WriteString(fmt.Sprintf("%s: %s\n", e.Key, e.Value))
		}
	}

	if vm.UUID == "" {
		return nil, errs.NewMissingUUID(fmt.Sprintf("%d", vmid))
	}

	vm.Config = description.String() + body.String()
	return vm, nil
}

// extractSMBIOSUUID finds the "uuid=" fragment in a comma-separated
// smbios1 value and returns its canonical (lowercase, hyphenated) form.
func extractSMBIOSUUID(value string) (string, error) {
	for _, part := range strings.Split(value, ",") {
		if strings.HasPrefix(part, "uuid=") {
			raw := strings.TrimPrefix(part, "uuid=")
			parsed, err := uuid.Parse(raw)
			if err != nil {
				return "", fmt.Errorf("smbios1 uuid= fragment %q is not a valid uuid: %w", raw, err)
			}
			return parsed.String(), nil
		}
	}
	return "", fmt.Errorf("no uuid= fragment in smbios1 value %q", value)
}

var diskLinePattern = regexp.MustCompile(`^(\w+)\d*:\s*([^,]+)`)

// ResolveDisks walks vm.Config's lines and resolves every
// (scsi|sata|ide|virtio|efidisk)<N> record against storages, skipping
// unused<N> records (never a backup target) and anything that doesn't
// match a known storage.
func ResolveDisks(vm *VM, storages []proxmox.Storage) {
	var disks []Disk
	for _, line := range strings.Split(vm.Config, "\n") {
		if line == "" {
			continue
		}
		keyPart := strings.SplitN(line, ":", 2)[0]
		if !diskKeyPattern.MatchString(keyPart) {
			continue
		}
		m := diskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		storageAndImage := strings.SplitN(value, ":", 2)
		if len(storageAndImage) != 2 {
			continue
		}
		storageName, image := storageAndImage[0], storageAndImage[1]
		storage, ok := findStorage(storages, storageName)
		if !ok {
			continue
		}
		disks = append(disks, Disk{Storage: storage, Image: image})
	}
	vm.Disks = disks
}

func findStorage(storages []proxmox.Storage, name string) (proxmox.Storage, bool) {
	for _, s := range storages {
		if s.Name == name {
			return s, true
		}
	}
	return proxmox.Storage{}, false
}

// ApplyIgnoreDisks removes every disk named in ignoreDisks (a
// comma-separated "storage_name/image_name" list) from vm.Disks.
func ApplyIgnoreDisks(vm *VM, ignoreDisks string) {
	if ignoreDisks == "" {
		return
	}
	ignored := funk.Map(strings.Split(ignoreDisks, ","), func(s string) string {
		return strings.TrimSpace(s)
	}).([]string)

	vm.Disks = funk.Filter(vm.Disks, func(d Disk) bool {
		return !funk.ContainsString(ignored, d.Name())
	}).([]Disk)
}
