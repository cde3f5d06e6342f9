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

// Package restorepoint manages restore points in the backup pool: the
// per-VM metadata-image snapshot plus the matching per-disk backup-image
// snapshots it anchors (spec.md §4.7). Grounded on the original
// lib/restore_point.py's RestorePoint class, with its filter composition
// (vm_uuid containment, name, age, regex) expressed as a chain of
// github.com/thoas/go-funk filters instead of nested if/continue.
package restorepoint

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/thoas/go-funk"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
)

// metadataImageSuffix mirrors internal/metadata's naming; duplicated as a
// plain constant here rather than imported, to avoid this package
// depending on internal/metadata for a single string.
const metadataImageSuffix = "_vm_metadata"

// HypervisorSnapshots is the optional "backup" collaborator from
// spec.md §4.7: restore-point detail/removal consult the hypervisor's
// VM snapshot only when one is supplied, keeping this package
// independent of internal/proxmox and internal/pvevm.
type HypervisorSnapshots interface {
	HasSnapshot(ctx context.Context, vmUUID, name string) (bool, error)
	RemoveSnapshot(ctx context.Context, vmUUID, name string) error
}

// blockStore is the subset of *rbd.Driver this package calls.
type blockStore interface {
	ListImages(ctx context.Context, pool string) ([]string, error)
	ListSnapshots(ctx context.Context, pool, image string) ([]rbd.Snapshot, error)
	RemoveSnapshot(ctx context.Context, pool, image, name string) error
	RemoveImage(ctx context.Context, pool, image string) error
	ImageMetaList(ctx context.Context, pool, image string) (map[string]string, error)
}

// Manager lists, inspects, and removes restore points in one backup pool.
type Manager struct {
	RBD        blockStore
	BackupPool string
	Log        logr.Logger
}

// Point is one restore point of the metadata image for a single VM.
type Point struct {
	Image     string
	Name      string
	Timestamp time.Time
}

// ListRestorePoints lists every restore point of vmUUID's metadata
// image, ascending by timestamp.
func (m *Manager) ListRestorePoints(ctx context.Context, vmUUID string) ([]Point, error) {
	image := vmUUID + metadataImageSuffix
	snaps, err := m.RBD.ListSnapshots(ctx, m.BackupPool, image)
	if err != nil {
		return nil, fmt.Errorf("restorepoint: listing snapshots of %s: %w", image, err)
	}
	points := make([]Point, 0, len(snaps))
	for _, s := range snaps {
		points = append(points, Point{
			Image:     m.BackupPool + "/" + image,
			Name:      s.Name,
			Timestamp: s.Timestamp,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// ImageRef names one backup-pool image carrying a restore point.
type ImageRef struct {
	Image string
	Name  string
}

// Detail describes everything known about one named restore point
// across every backup-pool image whose name contains vmUUID.
type Detail struct {
	Timestamp             time.Time
	HasHypervisorSnapshot bool
	Images                []ImageRef
}

// RestorePointDetail implements spec.md §4.7 restorePointDetail. hv may
// be nil; HasHypervisorSnapshot is left false in that case.
func (m *Manager) RestorePointDetail(ctx context.Context, vmUUID, name string, hv HypervisorSnapshots) (Detail, error) {
	metaImage := vmUUID + metadataImageSuffix
	metaSnaps, err := m.RBD.ListSnapshots(ctx, m.BackupPool, metaImage)
	if err != nil {
		return Detail{}, fmt.Errorf("restorepoint: listing snapshots of %s: %w", metaImage, err)
	}
	var timestamp time.Time
	found := false
	for _, s := range metaSnaps {
		if s.Name == name {
			timestamp = s.Timestamp
			found = true
			break
		}
	}
	if !found {
		return Detail{}, fmt.Errorf("restorepoint: %s has no restore point named %q", metaImage, name)
	}

	images, err := m.RBD.ListImages(ctx, m.BackupPool)
	if err != nil {
		return Detail{}, fmt.Errorf("restorepoint: listing images in %s: %w", m.BackupPool, err)
	}

	var refs []ImageRef
	for _, image := range images {
		if vmUUID != "" && !strings.Contains(image, vmUUID) {
			continue
		}
		snaps, err := m.RBD.ListSnapshots(ctx, m.BackupPool, image)
		if err != nil {
			return Detail{}, fmt.Errorf("restorepoint: listing snapshots of %s: %w", image, err)
		}
		for _, s := range snaps {
			if s.Name == name {
				refs = append(refs, ImageRef{Image: m.BackupPool + "/" + image, Name: s.Name})
			}
		}
	}

	detail := Detail{Timestamp: timestamp, Images: refs}
	if hv != nil {
		has, err := hv.HasSnapshot(ctx, vmUUID, name)
		if err != nil {
			m.Log.Error(err, "checking hypervisor snapshot presence failed, leaving has_hypervisor_snapshot false", "vmUUID", vmUUID, "name", name)
		} else {
			detail.HasHypervisorSnapshot = has
		}
	}
	return detail, nil
}

// RemoveFilter selects which restore points RemoveRestorePoint removes.
// At least one of VMUUID, Name, Age, or Regex must be set; if VMUUID is
// set, at least one of Name, Age, or Regex must accompany it (spec.md
// §4.7).
type RemoveFilter struct {
	VMUUID string
	Name   string
	Age    string
	Regex  string

	// Hypervisor, when non-nil and VMUUID is set, also removes the
	// matching hypervisor-side VM snapshot, best-effort (errors logged,
	// not returned).
	Hypervisor HypervisorSnapshots
}

func (f RemoveFilter) validate() error {
	if f.VMUUID == "" && f.Name == "" && f.Age == "" && f.Regex == "" {
		return errs.NewArgument("at least one of vm_uuid, name, age, or regex must be set")
	}
	if f.VMUUID != "" && f.Name == "" && f.Age == "" && f.Regex == "" {
		return errs.NewArgument("vm_uuid requires at least one of name, age, or regex")
	}
	return nil
}

// RemoveRestorePoint deletes every snapshot across backup-pool images
// matching f, composing multiple criteria with AND.
func (m *Manager) RemoveRestorePoint(ctx context.Context, f RemoveFilter) error {
	if err := f.validate(); err != nil {
		return err
	}

	var ageCutoff *time.Time
	if f.Age != "" {
		d, err := ParseDuration(f.Age)
		if err != nil {
			return errs.NewArgument("invalid age %q: %v", f.Age, err)
		}
		cutoff := time.Now().Add(-d)
		ageCutoff = &cutoff
	}

	var nameRegex *regexp.Regexp
	if f.Regex != "" {
		re, err := regexp.Compile(f.Regex)
		if err != nil {
			return errs.NewArgument("invalid regex %q: %v", f.Regex, err)
		}
		nameRegex = re
	}

	images, err := m.RBD.ListImages(ctx, m.BackupPool)
	if err != nil {
		return fmt.Errorf("restorepoint: listing images in %s: %w", m.BackupPool, err)
	}

	for _, image := range images {
		if f.VMUUID != "" && !strings.Contains(image, f.VMUUID) {
			continue
		}
		snaps, err := m.RBD.ListSnapshots(ctx, m.BackupPool, image)
		if err != nil {
			return fmt.Errorf("restorepoint: listing snapshots of %s: %w", image, err)
		}

		candidates := snaps
		if f.Name != "" {
			candidates = funk.Filter(candidates, func(s rbd.Snapshot) bool { return s.Name == f.Name }).([]rbd.Snapshot)
		}
		if ageCutoff != nil {
			candidates = funk.Filter(candidates, func(s rbd.Snapshot) bool { return s.Timestamp.Before(*ageCutoff) }).([]rbd.Snapshot)
		}
		if nameRegex != nil {
			candidates = funk.Filter(candidates, func(s rbd.Snapshot) bool { return nameRegex.MatchString(s.Name) }).([]rbd.Snapshot)
		}

		for _, s := range candidates {
			m.Log.Info("removing restore point", "image", m.BackupPool+"/"+image, "name", s.Name)
			if err := m.RBD.RemoveSnapshot(ctx, m.BackupPool, image, s.Name); err != nil {
				return fmt.Errorf("restorepoint: removing %s/%s@%s: %w", m.BackupPool, image, s.Name, err)
			}
			if f.Hypervisor != nil && f.VMUUID != "" {
				if err := f.Hypervisor.RemoveSnapshot(ctx, f.VMUUID, s.Name); err != nil {
					m.Log.Error(err, "best-effort hypervisor snapshot removal failed", "vmUUID", f.VMUUID, "name", s.Name)
				}
			}
		}
	}
	return nil
}

// RemoveBackup deletes every backup-pool image (metadata and data)
// whose name contains vmUUID.
func (m *Manager) RemoveBackup(ctx context.Context, vmUUID string) error {
	if vmUUID == "" {
		return errs.NewArgument("vm_uuid must not be empty")
	}
	images, err := m.RBD.ListImages(ctx, m.BackupPool)
	if err != nil {
		return fmt.Errorf("restorepoint: listing images in %s: %w", m.BackupPool, err)
	}
	for _, image := range images {
		if !strings.Contains(image, vmUUID) {
			continue
		}
		m.Log.Info("removing backup image", "image", m.BackupPool+"/"+image)
		if err := m.RBD.RemoveImage(ctx, m.BackupPool, image); err != nil {
			return fmt.Errorf("restorepoint: removing image %s: %w", image, err)
		}
	}
	return nil
}

// KnownVM is one VM's identity as recorded on its metadata image's
// image-meta tags, independent of whether the hypervisor still knows
// about it (spec.md §6 SUPPLEMENT: the original's Backup.get_vms()).
type KnownVM struct {
	VMID        int
	UUID        string
	Name        string
	Running     bool
	LastUpdated time.Time
}

var metadataImagePattern = regexp.MustCompile(`^([0-9a-fA-F-]{36})` + metadataImageSuffix + `$`)

// ListKnownVMs enumerates every VM with at least one backup, purely from
// the backup pool's metadata images and their image-meta tags — no
// hypervisor collaborator required. Images without any vm.* tags are
// logged and skipped (matching the original's "does not have any
// metadata" warning).
func (m *Manager) ListKnownVMs(ctx context.Context) ([]KnownVM, error) {
	images, err := m.RBD.ListImages(ctx, m.BackupPool)
	if err != nil {
		return nil, fmt.Errorf("restorepoint: listing images in %s: %w", m.BackupPool, err)
	}

	var vms []KnownVM
	for _, image := range images {
		matches := metadataImagePattern.FindStringSubmatch(image)
		if matches == nil {
			continue
		}
		if _, err := uuid.Parse(matches[1]); err != nil {
			continue
		}

		meta, err := m.RBD.ImageMetaList(ctx, m.BackupPool, image)
		if err != nil {
			return nil, fmt.Errorf("restorepoint: reading image-meta of %s: %w", image, err)
		}
		if len(meta) == 0 {
			m.Log.Info("backup image has no metadata, skipping", "image", m.BackupPool+"/"+image)
			continue
		}

		vmid, _ := strconv.Atoi(meta["vm.id"])
		running, _ := strconv.ParseBool(meta["vm.running"])
		lastUpdated, _ := time.Parse(time.RFC3339, meta["last_updated"])
		vms = append(vms, KnownVM{
			VMID:        vmid,
			UUID:        meta["vm.uuid"],
			Name:        meta["vm.name"],
			Running:     running,
			LastUpdated: lastUpdated,
		})
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
	return vms, nil
}

// secondsPerUnit is the fixed duration-suffix table from spec.md §4.7:
// s, m, h, d, M (month), y (year), the last two using an average length
// rather than a calendar-aware one.
var secondsPerUnit = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'M': 2629746,
	'y': 31556952,
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhdMy])$`)

// ParseDuration parses an age string like "7d" or "3M" using the fixed
// seconds-per-unit table spec.md §4.7 mandates, rather than Go's own
// time.ParseDuration (which has no day/month/year units and is
// case-insensitive on "m", the opposite of what this format needs:
// lowercase m is minutes, uppercase M is months).
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("restorepoint: %q is not a valid duration (expected e.g. \"7d\", \"3M\")", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("restorepoint: %q: %w", s, err)
	}
	perUnit := secondsPerUnit[m[2][0]]
	return time.Duration(n*perUnit) * time.Second, nil
}
