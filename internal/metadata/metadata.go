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

// Package metadata manages each VM's metadata image: a small RBD image
// holding that VM's serialized pending configuration, mounted just long
// enough to write one file and then unmounted (spec.md §4.3). Grounded on
// the original lib/backup.py Backup.update_metadata and
// lib/filesystem.py's mount/unmount helpers, with the original's bare
// try/finally replaced by a scoped guard type whose Close is always
// deferred by the caller.
package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/executil"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
)

const mountRoot = "/tmp"

// imageNameSuffix mirrors the original's `{vm.uuid}_vm_metadata` naming.
const imageNameSuffix = "_vm_metadata"

// ImageName returns the metadata image name for a VM uuid.
func ImageName(vmUUID string) string {
	return vmUUID + imageNameSuffix
}

// Manager owns the create/map/mount/write/unmount/unmap lifecycle of one
// VM's metadata image.
type Manager struct {
	RBD *rbd.Driver
	Log logr.Logger

	// BackupPool is the destination RBD pool metadata images live in.
	BackupPool string
	// ImageSize is the size passed to `rbd create` for a new metadata
	// image (config key vm_metadata_image_size).
	ImageSize string
	// DisableFeatures lists RBD image features to turn off right after
	// creation (config key
	// ceph_backup_disable_rbd_image_features_for_metadata); some kernel
	// RBD clients can't map images with newer default features enabled.
	DisableFeatures []string
}

// guard tracks what has been acquired so Close can release it in
// reverse order regardless of where a caller bails out, replacing the
// original's manual try/finally around mount_rbd_metadata_image /
// unmount_rbd_metadata_image.
type guard struct {
	ctx       context.Context
	mgr       *Manager
	image     string
	mounted   bool
	mapped    bool
	mountPath string
}

// Close releases whatever this guard acquired, in reverse order. Safe to
// call multiple times. Errors are logged, not returned: cleanup on the
// way out must not mask the operation's own error, and a caller holding
// onto the first real error already has it.
func (g *guard) Close() {
	if g.mounted {
		if err := unmount(g.ctx, g.mgr.Log, g.mountPath); err != nil {
			g.mgr.Log.Error(err, "unmount metadata image failed", "image", g.image)
		}
		g.mounted = false
	}
	if g.mapped {
		if err := g.mgr.RBD.UnmapImage(g.ctx, g.mgr.BackupPool, g.image); err != nil {
			g.mgr.Log.Error(err, "unmap metadata image failed", "image", g.image)
		}
		g.mapped = false
	}
}

// Write brings up vm's metadata image (creating it if necessary),
// writes its serialized config as "{mountpoint}/{vmid}.conf", tears the
// mount/map down, tags the image with
// vm.id/vm.uuid/vm.name/vm.running/last_updated, and finally snapshots the image as
// snapshotName — the commit point for this VM's backup round (spec.md
// §4.3, §4.6 METADATA state).
func (m *Manager) Write(ctx context.Context, vmID int, vmUUID, vmName string, running bool, config, snapshotName string) error {
	image := ImageName(vmUUID)

	exists, err := m.RBD.ImageExists(ctx, m.BackupPool, image)
	if err != nil {
		return fmt.Errorf("metadata: checking for existing image %s: %w", image, err)
	}

	g := &guard{ctx: ctx, mgr: m, image: image}
	defer g.Close()

	if !exists {
		if err := m.create(ctx, image); err != nil {
			return err
		}
	}

	mountPath, err := m.acquire(ctx, g, image)
	if err != nil {
		return err
	}

	confPath := filepath.Join(mountPath, fmt.Sprintf("%d.conf", vmID))
	if err := os.WriteFile(confPath, []byte(config), 0o644); err != nil { //nolint:gosec // metadata config is not secret
		return fmt.Errorf("metadata: writing %s: %w", confPath, err)
	}

	g.Close() // release the mount/map before tagging and snapshotting

	if err := m.tag(ctx, image, vmID, vmUUID, vmName, running); err != nil {
		return err
	}

	if _, err := m.RBD.CreateSnapshot(ctx, m.BackupPool, image, "", snapshotName); err != nil {
		return fmt.Errorf("metadata: snapshotting %s: %w", image, err)
	}
	return nil
}

func (m *Manager) create(ctx context.Context, image string) error {
	m.Log.Info("metadata image does not exist, creating", "image", image)
	if err := m.RBD.CreateImage(ctx, m.BackupPool, image, m.ImageSize); err != nil {
		return fmt.Errorf("metadata: creating image %s: %w", image, err)
	}
	exists, err := m.RBD.ImageExists(ctx, m.BackupPool, image)
	if err != nil {
		return fmt.Errorf("metadata: verifying image %s after creation: %w", image, err)
	}
	if !exists {
		return fmt.Errorf("metadata: image %s missing immediately after creation, likely a transient cluster error", image)
	}

	if len(m.DisableFeatures) > 0 {
		args := append([]string{"feature", "disable", m.BackupPool + "/" + image}, m.DisableFeatures...)
		if _, err := executil.Run(ctx, m.Log, "rbd", args...); err != nil {
			return fmt.Errorf("metadata: disabling features on %s: %w", image, err)
		}
	}

	path, err := m.RBD.MapImage(ctx, m.BackupPool, image)
	if err != nil {
		return fmt.Errorf("metadata: mapping new image %s: %w", image, err)
	}
	if _, err := executil.Run(ctx, m.Log, "mkfs.ext4", "-L", truncateLabel(image), path); err != nil {
		_ = m.RBD.UnmapImage(ctx, m.BackupPool, image)
		return fmt.Errorf("metadata: formatting %s: %w", image, err)
	}
	if err := m.RBD.UnmapImage(ctx, m.BackupPool, image); err != nil {
		return fmt.Errorf("metadata: unmapping %s after format: %w", image, err)
	}
	return nil
}

// truncateLabel trims an ext4 volume label to the filesystem's 16-byte
// limit, same as the original's `rbd_image_vm_metadata_name[0:16]`.
func truncateLabel(s string) string {
	const maxLabelLen = 16
	if len(s) <= maxLabelLen {
		return s
	}
	return s[:maxLabelLen]
}

func (m *Manager) acquire(ctx context.Context, g *guard, image string) (string, error) {
	path, err := m.RBD.MapImage(ctx, m.BackupPool, image)
	if err != nil {
		return "", fmt.Errorf("metadata: mapping %s: %w", image, err)
	}
	g.mapped = true

	mountPath := filepath.Join(mountRoot, image)
	if err := os.MkdirAll(mountPath, 0o755); err != nil { //nolint:gosec // mount point, not secret data
		return "", fmt.Errorf("metadata: creating mount point %s: %w", mountPath, err)
	}
	if _, err := executil.Run(ctx, m.Log, "mount", path, mountPath); err != nil {
		return "", fmt.Errorf("metadata: mounting %s at %s: %w", image, mountPath, err)
	}
	g.mounted = true
	g.mountPath = mountPath
	return mountPath, nil
}

func unmount(ctx context.Context, log logr.Logger, mountPath string) error {
	_, err := executil.Run(ctx, log, "umount", mountPath)
	return err
}

func (m *Manager) tag(ctx context.Context, image string, vmID int, vmUUID, vmName string, running bool) error {
	tags := map[string]string{
		"vm.id":        strconv.Itoa(vmID),
		"vm.uuid":      vmUUID,
		"vm.name":      vmName,
		"vm.running":   strconv.FormatBool(running),
		"last_updated": time.Now().UTC().Format(time.RFC3339),
	}
	for key, value := range tags {
		if err := m.RBD.ImageMetaSet(ctx, m.BackupPool, image, key, value); err != nil {
			return fmt.Errorf("metadata: tagging %s=%s on %s: %w", key, value, image, err)
		}
	}
	return nil
}
