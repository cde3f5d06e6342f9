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

// Package rbd is the block-store driver (spec.md §4.1): a thin,
// argv-based wrapper around the `rbd` and `ceph` CLIs. It never shells
// out through a shell string — every invocation goes through
// internal/executil with an explicit argv, following the pattern in
// LXD's storage_ceph_utils.go and ceph-csi's e2e rbd helpers.
package rbd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/go-logr/logr"
	"github.com/sethvargo/go-password/password"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/executil"
	"github.com/pvebackup/pve-rbd-backup/internal/sshtransport"
)

// Driver is the block-store driver. It holds no cluster state of its own;
// every operation is parametrized by pool/image explicitly.
type Driver struct {
	Log logr.Logger
}

// New builds a Driver.
func New(log logr.Logger) *Driver {
	return &Driver{Log: log}
}

// runner abstracts "run this argv, either locally or over ssh" so
// ListSnapshotsByPrefix can share its JSON-parsing logic between the
// local and remote cases.
type runner interface {
	Run(ctx context.Context, log logr.Logger, argv ...string) (executil.Result, error)
}

type localRunner struct{}

func (localRunner) Run(ctx context.Context, log logr.Logger, argv ...string) (executil.Result, error) {
	return executil.Run(ctx, log, argv...)
}

// ListImages lists every image in pool.
func (d *Driver) ListImages(ctx context.Context, pool string) ([]string, error) {
	res, err := executil.Run(ctx, d.Log, "rbd", "ls", "--format", "json", "--pool", pool)
	if err != nil {
		return nil, fmt.Errorf("rbd: list images in %s: %w", pool, err)
	}
	var images []string
	if err := json.Unmarshal([]byte(res.Stdout), &images); err != nil {
		return nil, fmt.Errorf("rbd: parsing image list for %s: %w", pool, err)
	}
	return images, nil
}

// ImageExists reports whether name exists in pool.
func (d *Driver) ImageExists(ctx context.Context, pool, name string) (bool, error) {
	images, err := d.ListImages(ctx, pool)
	if err != nil {
		return false, err
	}
	for _, img := range images {
		if img == name {
			return true, nil
		}
	}
	return false, nil
}

// ImageSize reports the provisioned size in bytes of pool/image, read
// from its source cluster by transport when non-nil. Used for the
// import-side progress meter's ETA estimate on a full export (spec.md
// §4.6 STREAM: "Fetch the source image size via its info endpoint").
func (d *Driver) ImageSize(ctx context.Context, pool, image string, transport *sshtransport.Transport) (int64, error) {
	var r runner = localRunner{}
	if transport != nil {
		r = transport
	}
	spec := pool + "/" + image
	res, err := r.Run(ctx, d.Log, "rbd", "info", "--format", "json", spec)
	if err != nil {
		return 0, fmt.Errorf("rbd: info %s: %w", spec, err)
	}
	var info struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return 0, fmt.Errorf("rbd: parsing info for %s: %w", spec, err)
	}
	return info.Size, nil
}

// CreateImage creates a new image of the given size. size carries a unit
// suffix M|G|T or is raw bytes, same as `rbd create -s`.
func (d *Driver) CreateImage(ctx context.Context, pool, name, size string) error {
	_, err := executil.Run(ctx, d.Log, "rbd", "create", "--pool", pool, "--size", size, name)
	if err != nil {
		return fmt.Errorf("rbd: create image %s/%s: %w", pool, name, err)
	}
	return nil
}

// RemoveImage deletes an image and all of its snapshots.
func (d *Driver) RemoveImage(ctx context.Context, pool, name string) error {
	_, err := executil.Run(ctx, d.Log, "rbd", "rm", "--pool", pool, name)
	if err != nil {
		return fmt.Errorf("rbd: remove image %s/%s: %w", pool, name, err)
	}
	return nil
}

type mappedDevice struct {
	Pool   string `json:"pool"`
	Image  string `json:"image"`
	Device string `json:"device"`
}

// MapImage maps an image into a kernel block device and returns its
// device path. Per spec.md §4.1, after mapping the driver MUST look up
// the device in the mapped-device table; a miss is MapLookupFailed even
// though the map command itself reported success.
func (d *Driver) MapImage(ctx context.Context, pool, name string) (string, error) {
	_, err := executil.Run(ctx, d.Log, "rbd", "map", "--pool", pool, name)
	if err != nil && executil.ExitCode(err) != 22 { // EINVAL: already mapped
		return "", fmt.Errorf("rbd: map %s/%s: %w", pool, name, err)
	}

	res, err := executil.Run(ctx, d.Log, "rbd", "showmapped", "--format", "json")
	if err != nil {
		return "", fmt.Errorf("rbd: showmapped after mapping %s/%s: %w", pool, name, err)
	}

	devices, err := parseShowmapped(res.Stdout)
	if err != nil {
		return "", fmt.Errorf("rbd: parsing showmapped output: %w", err)
	}
	for _, dev := range devices {
		if dev.Pool == pool && dev.Image == name {
			return dev.Device, nil
		}
	}
	return "", errs.NewMapLookupFailed(pool, name)
}

// parseShowmapped handles both the map-keyed object shape
// (`{"0": {...}, "1": {...}}`) and the newer array shape
// (`[{...}, {...}]`) that different `rbd` releases emit for
// `showmapped --format json`.
func parseShowmapped(raw string) ([]mappedDevice, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []mappedDevice
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var byKey map[string]mappedDevice
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return nil, err
	}
	out := make([]mappedDevice, 0, len(byKey))
	for _, dev := range byKey {
		out = append(out, dev)
	}
	return out, nil
}

// UnmapImage releases a previously mapped image. Already-unmapped is not
// an error (EINVAL, mirroring the mapping idempotency in LXD's
// cephRBDVolumeUnmap).
func (d *Driver) UnmapImage(ctx context.Context, pool, name string) error {
	spec := pool + "/" + name
	_, err := executil.Run(ctx, d.Log, "rbd", "unmap", spec)
	if err != nil && executil.ExitCode(err) != 22 {
		return fmt.Errorf("rbd: unmap %s: %w", spec, err)
	}
	return nil
}

// isMissingImage reports whether err looks like `rbd` reporting ENOENT
// for a nonexistent image (exit code 2), so listSnapshots* can tolerate
// the image not existing yet (spec.md §4.1 policy: "MUST tolerate a
// non-existent image").
func isMissingImage(err error) bool {
	return executil.ExitCode(err) == 2
}

// ListSnapshots lists every snapshot of image, tolerating a non-existent
// image by returning an empty list (avoids a bootstrap race at first
// backup, per spec.md §4.1 policy).
func (d *Driver) ListSnapshots(ctx context.Context, pool, image string) ([]Snapshot, error) {
	return d.listSnapshots(ctx, localRunner{}, pool, image)
}

// ListSnapshotsByPrefix lists snapshots of image whose name begins with
// prefix. If transport is non-nil the query runs on the source cluster
// over ssh instead of locally.
func (d *Driver) ListSnapshotsByPrefix(
	ctx context.Context,
	pool, image, prefix string,
	transport *sshtransport.Transport,
) ([]Snapshot, error) {
	var r runner = localRunner{}
	if transport != nil {
		r = transport
	}
	snaps, err := d.listSnapshots(ctx, r, pool, image)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if strings.HasPrefix(s.Name, prefix) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *Driver) listSnapshots(ctx context.Context, r runner, pool, image string) ([]Snapshot, error) {
	spec := pool + "/" + image
	res, err := r.Run(ctx, d.Log, "rbd", "snap", "ls", "--format", "json", spec)
	if err != nil {
		if isMissingImage(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbd: list snapshots of %s: %w", spec, err)
	}
	var raw []rawSnapshot
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return nil, fmt.Errorf("rbd: parsing snapshot list for %s: %w", spec, err)
	}
	out := make([]Snapshot, 0, len(raw))
	for _, rs := range raw {
		ts, err := parseRBDTimestamp(rs.Timestamp)
		if err != nil {
			d.Log.V(1).Info("unparseable snapshot timestamp", "image", spec, "snapshot", rs.Name, "raw", rs.Timestamp)
		}
		out = append(out, Snapshot{
			ID:        rs.ID,
			Name:      rs.Name,
			Size:      rs.Size,
			Protected: rs.Protected == "true",
			Timestamp: ts,
		})
	}
	return out, nil
}

const snapshotSuffixLength = 16

// snapshotSuffixGenerator draws from a hex-only alphabet so
// CreateSnapshot's generated names match spec.md's "{prefix}{16 hex}"
// contract exactly. Suffixes are generated with zero digits and zero
// symbols, so every character comes from LowerLetters, which therefore
// holds all sixteen hex digits.
var snapshotSuffixGenerator = mustHexGenerator()

func mustHexGenerator() password.PasswordGenerator {
	gen, err := password.NewGenerator(&password.GeneratorInput{
		LowerLetters: "0123456789abcdef",
		UpperLetters: "",
		Digits:       "0123456789",
		Symbols:      "",
	})
	if err != nil {
		panic(fmt.Sprintf("rbd: building snapshot-suffix generator: %v", err))
	}
	return gen
}

// NewSnapshotName draws "{prefix}" followed by 16 random hex characters
// (spec.md §8: "the random suffix is 16 hex characters from the active
// prefix"). Exported so the backup engine can settle on a single name
// `S` up front and reuse it across the metadata image, the hypervisor
// snapshot, and every disk's backup image, rather than letting each
// collaborator mint its own.
func NewSnapshotName(prefix string) (string, error) {
	suffix, err := snapshotSuffixGenerator.Generate(snapshotSuffixLength, 0, 0, true, true)
	if err != nil {
		return "", fmt.Errorf("rbd: generating snapshot suffix: %w", err)
	}
	return prefix + suffix, nil
}

// CreateSnapshot creates a snapshot named explicitName, or if empty,
// "{prefix}" followed by 16 random hex characters.
func (d *Driver) CreateSnapshot(ctx context.Context, pool, image, prefix, explicitName string) (string, error) {
	name := explicitName
	if name == "" {
		generated, err := NewSnapshotName(prefix)
		if err != nil {
			return "", err
		}
		name = generated
	}
	spec := fmt.Sprintf("%s/%s@%s", pool, image, name)
	_, err := executil.Run(ctx, d.Log, "rbd", "snap", "create", spec)
	if err != nil {
		return "", fmt.Errorf("rbd: create snapshot %s: %w", spec, err)
	}
	return name, nil
}

// RemoveSnapshot deletes a snapshot by name.
func (d *Driver) RemoveSnapshot(ctx context.Context, pool, image, name string) error {
	spec := fmt.Sprintf("%s/%s@%s", pool, image, name)
	_, err := executil.Run(ctx, d.Log, "rbd", "snap", "rm", spec)
	if err != nil {
		return fmt.Errorf("rbd: remove snapshot %s: %w", spec, err)
	}
	return nil
}

// ImageMetaGet reads a single image-meta key.
func (d *Driver) ImageMetaGet(ctx context.Context, pool, image, key string) (string, error) {
	spec := pool + "/" + image
	res, err := executil.Run(ctx, d.Log, "rbd", "image-meta", "get", spec, key)
	if err != nil {
		return "", fmt.Errorf("rbd: get image-meta %s on %s: %w", key, spec, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ImageMetaSet writes a single image-meta key.
func (d *Driver) ImageMetaSet(ctx context.Context, pool, image, key, value string) error {
	spec := pool + "/" + image
	_, err := executil.Run(ctx, d.Log, "rbd", "image-meta", "set", spec, key, value)
	if err != nil {
		return fmt.Errorf("rbd: set image-meta %s on %s: %w", key, spec, err)
	}
	return nil
}

// ImageMetaRemove deletes a single image-meta key.
func (d *Driver) ImageMetaRemove(ctx context.Context, pool, image, key string) error {
	spec := pool + "/" + image
	_, err := executil.Run(ctx, d.Log, "rbd", "image-meta", "remove", spec, key)
	if err != nil {
		return fmt.Errorf("rbd: remove image-meta %s on %s: %w", key, spec, err)
	}
	return nil
}

// ImageMetaList returns every image-meta key/value pair on image. An
// image with no tags returns an empty, non-nil map rather than
// propagating whatever malformed text `rbd` prints for that case (spec.md
// §4.1 policy).
func (d *Driver) ImageMetaList(ctx context.Context, pool, image string) (map[string]string, error) {
	spec := pool + "/" + image
	res, err := executil.Run(ctx, d.Log, "rbd", "image-meta", "list", "--format", "json", spec)
	if err != nil {
		return map[string]string{}, fmt.Errorf("rbd: list image-meta on %s: %w", spec, err)
	}
	out := map[string]string{}
	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		// Older `rbd` releases print "There is X metadata for this image"
		// style text instead of honoring --format for an empty set; treat
		// anything unparseable as "no tags" rather than surfacing it as a
		// malformed-output error.
		d.Log.V(1).Info("non-JSON image-meta list output, treating as empty", "image", spec, "raw", trimmed)
		return map[string]string{}, nil
	}
	return out, nil
}

// clusterHealthPollInterval is the fixed 10-second cadence spec.md §5
// mandates for cluster health convergence polling.
const clusterHealthPollInterval = 10 * time.Second

// SetScrubbing toggles cluster-wide scrubbing via the noscrub/nodeep-scrub
// OSD flags. Used by restore paths before exporting, to avoid the export
// racing a scrub; not on the core backup path (spec.md §4.1).
func (d *Driver) SetScrubbing(ctx context.Context, enabled bool) error {
	verb := "set"
	if enabled {
		verb = "unset"
	}
	for _, flag := range []string{"noscrub", "nodeep-scrub"} {
		if _, err := executil.Run(ctx, d.Log, "ceph", "osd", verb, flag); err != nil {
			return fmt.Errorf("rbd: %s %s: %w", verb, flag, err)
		}
	}
	return nil
}

type cephHealthStatus struct {
	Status string `json:"status"`
}

// WaitForHealthy blocks until the cluster reports HEALTH_OK, polling at
// a 10 s cadence up to maxTries attempts.
func (d *Driver) WaitForHealthy(ctx context.Context, maxTries uint) error {
	return retry.Do(
		func() error {
			res, err := executil.Run(ctx, d.Log, "ceph", "health", "--format", "json")
			if err != nil {
				return fmt.Errorf("rbd: ceph health: %w", err)
			}
			var status cephHealthStatus
			if err := json.Unmarshal([]byte(res.Stdout), &status); err != nil {
				return fmt.Errorf("rbd: parsing ceph health output: %w", err)
			}
			if status.Status != "HEALTH_OK" {
				return fmt.Errorf("cluster not healthy yet: %s", status.Status)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxTries),
		retry.Delay(clusterHealthPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

type cephStatusSummary struct {
	PGMap struct {
		ScrubbingPGs int `json:"num_pgs_scrubbing"`
	} `json:"pgmap"`
}

// WaitForScrubComplete blocks until no PGs report as scrubbing, polling
// at a 10 s cadence up to maxTries attempts.
func (d *Driver) WaitForScrubComplete(ctx context.Context, maxTries uint) error {
	return retry.Do(
		func() error {
			res, err := executil.Run(ctx, d.Log, "ceph", "status", "--format", "json")
			if err != nil {
				return fmt.Errorf("rbd: ceph status: %w", err)
			}
			var summary cephStatusSummary
			if err := json.Unmarshal([]byte(res.Stdout), &summary); err != nil {
				return fmt.Errorf("rbd: parsing ceph status output: %w", err)
			}
			if summary.PGMap.ScrubbingPGs > 0 {
				return fmt.Errorf("%d PGs still scrubbing", summary.PGMap.ScrubbingPGs)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxTries),
		retry.Delay(clusterHealthPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
