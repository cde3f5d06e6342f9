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

package backupengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvebackup/pve-rbd-backup/internal/appctx"
	"github.com/pvebackup/pve-rbd-backup/internal/config"
	"github.com/pvebackup/pve-rbd-backup/internal/logging"
	"github.com/pvebackup/pve-rbd-backup/internal/metrics"
	"github.com/pvebackup/pve-rbd-backup/internal/proxmox"
	"github.com/pvebackup/pve-rbd-backup/internal/rbd"
	"github.com/pvebackup/pve-rbd-backup/internal/sshtransport"
)

const testUUID = "11111111-1111-1111-1111-111111111111"

func noDiskPendingConfig() []proxmox.ConfigEntry {
	return []proxmox.ConfigEntry{
		{Key: "smbios1", Value: "uuid=" + testUUID},
		{Key: "name", Value: "test-vm"},
	}
}

type fakeHypervisor struct {
	storages  []proxmox.Storage
	pending   []proxmox.ConfigEntry
	snapshots []proxmox.SnapshotInfo

	featureAvailable bool

	createCalls []string
	removeCalls []string
	createErr   error
	removeErr   error
}

func (f *fakeHypervisor) ListStorages(context.Context, string) ([]proxmox.Storage, error) {
	return f.storages, nil
}

func (f *fakeHypervisor) PendingConfig(context.Context, string, int) ([]proxmox.ConfigEntry, error) {
	return f.pending, nil
}

func (f *fakeHypervisor) ListSnapshots(context.Context, string, int) ([]proxmox.SnapshotInfo, error) {
	return f.snapshots, nil
}

func (f *fakeHypervisor) FeatureAvailable(context.Context, string, int, string) (bool, error) {
	return f.featureAvailable, nil
}

func (f *fakeHypervisor) CreateSnapshot(_ context.Context, _ string, _ int, name, _ string) error {
	f.createCalls = append(f.createCalls, name)
	return f.createErr
}

func (f *fakeHypervisor) RemoveSnapshot(_ context.Context, _ string, _ int, name string) error {
	f.removeCalls = append(f.removeCalls, name)
	return f.removeErr
}

type fakeBlockStore struct {
	imageSize        int64
	listByPrefix     []rbd.Snapshot
	createdSnapshots []string
}

func (f *fakeBlockStore) ImageSize(context.Context, string, string, *sshtransport.Transport) (int64, error) {
	return f.imageSize, nil
}

func (f *fakeBlockStore) CreateSnapshot(_ context.Context, _, _, _, explicitName string) (string, error) {
	f.createdSnapshots = append(f.createdSnapshots, explicitName)
	return explicitName, nil
}

func (f *fakeBlockStore) ListSnapshotsByPrefix(context.Context, string, string, string, *sshtransport.Transport) ([]rbd.Snapshot, error) {
	return f.listByPrefix, nil
}

type fakeMetadata struct {
	writeErr   error
	writeCalls int
}

func (f *fakeMetadata) Write(context.Context, int, string, string, bool, string, string) error {
	f.writeCalls++
	return f.writeErr
}

func newTestEngine(hv *fakeHypervisor, bs *fakeBlockStore, md *fakeMetadata) *Engine {
	return &Engine{
		AppCtx: &appctx.Context{
			Config:         &config.Config{PerVM: map[string]config.PerVM{}},
			BackupPool:     "backup",
			SnapshotPrefix: "pvebkp-",
		},
		Proxmox:         hv,
		RBD:             bs,
		Metadata:        md,
		SourceTransport: sshtransport.New("root", "pve1.example.com"),
		Log:             logging.Discard(),
	}
}

var _ = Describe("Engine.Run", func() {
	It("completes a no-disk INITIAL backup and creates the hypervisor snapshot", func() {
		hv := &fakeHypervisor{pending: noDiskPendingConfig(), featureAvailable: true}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{}
		e := newTestEngine(hv, bs, md)

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm", Status: "stopped"}}, RunOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(md.writeCalls).To(Equal(1))
		Expect(hv.createCalls).To(HaveLen(1))
		Expect(hv.removeCalls).To(BeEmpty())
	})

	It("records a run's metrics when a recorder is wired in", func() {
		hv := &fakeHypervisor{pending: noDiskPendingConfig(), featureAvailable: true}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{}
		e := newTestEngine(hv, bs, md)
		e.Metrics = metrics.New()

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm", Status: "stopped"}}, RunOptions{})
		Expect(err).NotTo(HaveOccurred())

		path := filepath.Join(GinkgoT().TempDir(), "run.prom")
		Expect(e.Metrics.WriteTextfile(path)).To(Succeed())
		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("pve_rbd_backup_vms_succeeded_total 1"))
	})

	It("records a failure when metadata write fails", func() {
		hv := &fakeHypervisor{pending: noDiskPendingConfig(), featureAvailable: true}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{writeErr: errors.New("boom")}
		e := newTestEngine(hv, bs, md)
		e.Metrics = metrics.New()

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm", Status: "stopped"}}, RunOptions{})
		Expect(err).To(HaveOccurred())

		path := filepath.Join(GinkgoT().TempDir(), "run.prom")
		Expect(e.Metrics.WriteTextfile(path)).To(Succeed())
		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("pve_rbd_backup_vms_failed_total 1"))
	})

	It("prunes the anchor after an INCREMENTAL backup whose anchor matched the prefix", func() {
		hv := &fakeHypervisor{
			pending:          noDiskPendingConfig(),
			featureAvailable: true,
			snapshots: []proxmox.SnapshotInfo{
				{Name: "pvebkp-aaaaaaaaaaaaaaaa", Timestamp: time.Unix(100, 0)},
			},
		}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{}
		e := newTestEngine(hv, bs, md)

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm"}}, RunOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(hv.removeCalls).To(Equal([]string{"pvebkp-aaaaaaaaaaaaaaaa"}))
	})

	It("does not prune when the anchor came from outside the active prefix", func() {
		hv := &fakeHypervisor{
			pending:          noDiskPendingConfig(),
			featureAvailable: true,
			snapshots: []proxmox.SnapshotInfo{
				{Name: "manual-snap", Timestamp: time.Unix(100, 0)},
			},
		}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{}
		e := newTestEngine(hv, bs, md)

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm"}}, RunOptions{AllowUsingAnyExistingSnapshot: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(hv.removeCalls).To(BeEmpty())
	})

	It("skips the VM without failing the run when the snapshot feature is unavailable", func() {
		hv := &fakeHypervisor{pending: noDiskPendingConfig(), featureAvailable: false}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{}
		e := newTestEngine(hv, bs, md)

		err := e.Run(context.Background(), []Target{{Node: "pve1", VMID: 100, Name: "test-vm"}}, RunOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(hv.createCalls).To(BeEmpty())
	})

	It("continues past a failed VM and re-raises its error", func() {
		hv := &fakeHypervisor{pending: noDiskPendingConfig(), featureAvailable: true}
		bs := &fakeBlockStore{}
		md := &fakeMetadata{writeErr: fmt.Errorf("boom")}
		e := newTestEngine(hv, bs, md)

		err := e.Run(context.Background(), []Target{
			{Node: "pve1", VMID: 100, Name: "first"},
			{Node: "pve1", VMID: 101, Name: "second"},
		}, RunOptions{})
		Expect(err).To(HaveOccurred())
		Expect(md.writeCalls).To(Equal(2))
		Expect(hv.createCalls).To(BeEmpty())
	})
})

var _ = Describe("selectAnchor", func() {
	It("selects INITIAL when there are no candidates", func() {
		e := newTestEngine(&fakeHypervisor{}, &fakeBlockStore{}, &fakeMetadata{})
		count, anchor, matches, err := e.selectAnchor(context.Background(), logging.Discard(), "pve1", 100, "pvebkp-", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(0))
		Expect(anchor).To(BeEmpty())
		Expect(matches).To(BeFalse())
	})

	It("restricts to matching-prefix candidates when AllowUsingAnyExistingSnapshot is false", func() {
		hv := &fakeHypervisor{snapshots: []proxmox.SnapshotInfo{
			{Name: "manual-snap", Timestamp: time.Unix(200, 0)},
			{Name: "pvebkp-aaaa", Timestamp: time.Unix(100, 0)},
		}}
		e := newTestEngine(hv, &fakeBlockStore{}, &fakeMetadata{})
		count, anchor, matches, err := e.selectAnchor(context.Background(), logging.Discard(), "pve1", 100, "pvebkp-", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		Expect(anchor).To(Equal("pvebkp-aaaa"))
		Expect(matches).To(BeTrue())
	})

	It("picks the most recent entry and flags ambiguity when more than one candidate matches", func() {
		hv := &fakeHypervisor{snapshots: []proxmox.SnapshotInfo{
			{Name: "pvebkp-older", Timestamp: time.Unix(100, 0)},
			{Name: "pvebkp-newer", Timestamp: time.Unix(200, 0)},
		}}
		e := newTestEngine(hv, &fakeBlockStore{}, &fakeMetadata{})
		count, anchor, matches, err := e.selectAnchor(context.Background(), logging.Discard(), "pve1", 100, "pvebkp-", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
		Expect(anchor).To(Equal("pvebkp-newer"))
		Expect(matches).To(BeTrue())
	})

	It("widens to every snapshot when AllowUsingAnyExistingSnapshot is true", func() {
		hv := &fakeHypervisor{snapshots: []proxmox.SnapshotInfo{
			{Name: "manual-snap", Timestamp: time.Unix(200, 0)},
		}}
		e := newTestEngine(hv, &fakeBlockStore{}, &fakeMetadata{})
		count, anchor, matches, err := e.selectAnchor(context.Background(), logging.Discard(), "pve1", 100, "pvebkp-", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		Expect(anchor).To(Equal("manual-snap"))
		Expect(matches).To(BeFalse())
	})
})

var _ = Describe("filterStorages", func() {
	It("removes storages named in the ignore list", func() {
		storages := []proxmox.Storage{{Name: "local-lvm"}, {Name: "ceph-rbd"}}
		out := filterStorages(storages, []string{"local-lvm"})
		Expect(out).To(HaveLen(1))
		Expect(out[0].Name).To(Equal("ceph-rbd"))
	})

	It("returns the input unchanged when the ignore list is empty", func() {
		storages := []proxmox.Storage{{Name: "local-lvm"}}
		Expect(filterStorages(storages, nil)).To(Equal(storages))
	})
})
