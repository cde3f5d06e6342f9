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

package rbd

import (
	"context"
	"os/exec"
	"strconv"

	"github.com/go-logr/logr"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvebackup/pve-rbd-backup/internal/executil"
)

// exitError runs a trivial shell command that exits with code, producing
// a genuine *exec.ExitError the way executil.Run itself would return one,
// so isMissingImage's exit-code classification is exercised for real.
func exitError(code int) error {
	cmd := exec.Command("sh", "-c", "exit "+strconv.Itoa(code))
	return cmd.Run()
}

// fakeRunner returns canned output for every call, regardless of argv,
// letting the snapshot-listing tests exercise listSnapshots without
// invoking a real `rbd` binary.
type fakeRunner struct {
	stdout string
	err    error
}

func (f fakeRunner) Run(_ context.Context, _ logr.Logger, _ ...string) (executil.Result, error) {
	return executil.Result{Stdout: f.stdout}, f.err
}

var _ = Describe("parseShowmapped", func() {
	It("parses the array shape", func() {
		devices, err := parseShowmapped(`[{"pool":"rbd","image":"vm-100-disk-0","device":"/dev/rbd0"}]`)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(HaveLen(1))
		Expect(devices[0].Device).To(Equal("/dev/rbd0"))
	})

	It("parses the legacy map-keyed shape", func() {
		devices, err := parseShowmapped(`{"0":{"pool":"rbd","image":"vm-100-disk-0","device":"/dev/rbd0"}}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(HaveLen(1))
		Expect(devices[0].Pool).To(Equal("rbd"))
	})

	It("treats empty output as no devices", func() {
		devices, err := parseShowmapped("")
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(BeEmpty())
	})
})

var _ = Describe("parseRBDTimestamp", func() {
	It("parses ceph's fixed timestamp format", func() {
		ts, err := parseRBDTimestamp("Mon Jan  2 15:04:05 2006")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.Year()).To(Equal(2006))
	})

	It("treats an empty string as the zero time without erroring", func() {
		ts, err := parseRBDTimestamp("")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.IsZero()).To(BeTrue())
	})
})

var _ = Describe("Driver.listSnapshots", func() {
	d := New(logr.Discard())

	It("parses every entry of the JSON snapshot listing", func() {
		raw := `[
			{"id":1,"name":"bkp_aaaaaaaaaaaaaaaa","size":1024,"protected":"false","timestamp":"Mon Jan  2 15:04:05 2006"},
			{"id":2,"name":"other_bbbbbbbbbbbbbbbb","size":1024,"protected":"false","timestamp":"Mon Jan  2 15:04:05 2006"}
		]`
		snaps, err := d.listSnapshots(context.Background(), fakeRunner{stdout: raw}, "rbd", "vm-100-disk-0")
		Expect(err).NotTo(HaveOccurred())
		Expect(snaps).To(HaveLen(2))

		filtered := make([]Snapshot, 0)
		for _, s := range snaps {
			if s.Name == "bkp_aaaaaaaaaaaaaaaa" {
				filtered = append(filtered, s)
			}
		}
		Expect(filtered).To(HaveLen(1))
	})

	It("tolerates a non-existent image by returning an empty slice", func() {
		snaps, err := d.listSnapshots(context.Background(), fakeRunner{err: exitError(2)}, "rbd", "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(snaps).To(BeEmpty())
	})
})

var _ = Describe("snapshotSuffixGenerator", func() {
	It("generates 16 lowercase hex characters", func() {
		suffix, err := snapshotSuffixGenerator.Generate(snapshotSuffixLength, 0, 0, true, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(suffix).To(HaveLen(16))
		Expect(suffix).To(MatchRegexp(`^[0-9a-f]{16}$`))
	})
})
