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

package pipeline

import (
	"context"
	"errors"
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
	"github.com/pvebackup/pve-rbd-backup/internal/logging"
)

var _ = Describe("Run", func() {
	It("streams data through every stage and succeeds when all exit zero", func() {
		ctx := context.Background()
		stages := []Stage{
			{Name: "source", Cmd: exec.CommandContext(ctx, "printf", "hello")},
			{Name: "sink", Cmd: exec.CommandContext(ctx, "cat")},
		}
		err := Run(ctx, logging.Discard(), stages)
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails fast and reports the failing stage when one exits non-zero", func() {
		ctx := context.Background()
		stages := []Stage{
			{Name: "source", Cmd: exec.CommandContext(ctx, "printf", "hello")},
			{Name: "broken", Cmd: exec.CommandContext(ctx, "sh", "-c", "cat >/dev/null; exit 7")},
		}
		err := Run(ctx, logging.Discard(), stages)
		Expect(err).To(HaveOccurred())
		var tf *errs.TransportFailure
		Expect(err).To(BeAssignableToTypeOf(tf))
		Expect(errors.As(err, &tf)).To(BeTrue())
		Expect(tf.Stage).To(Equal("broken"))
	})

	It("rejects a pipeline with fewer than two stages", func() {
		err := Run(context.Background(), logging.Discard(), []Stage{{Name: "only", Cmd: exec.Command("true")}})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("exportCommand", func() {
	It("builds a full export for an initial backup", func() {
		spec := TransferSpec{SourcePool: "rbd", SourceImage: "vm-100-disk-0", SourceSnapshot: "pvebkp-abc123"}
		Expect(exportCommand(spec)).To(Equal([]string{"rbd", "export", "--no-progress", "rbd/vm-100-disk-0@pvebkp-abc123", "-"}))
	})

	It("builds an export-diff for an incremental backup", func() {
		spec := TransferSpec{SourcePool: "rbd", SourceImage: "vm-100-disk-0", SourceSnapshot: "pvebkp-def456", FromSnapshot: "pvebkp-abc123"}
		Expect(exportCommand(spec)).To(Equal([]string{"rbd", "export-diff", "--no-progress", "--from-snap", "pvebkp-abc123", "rbd/vm-100-disk-0@pvebkp-def456", "-"}))
	})

	It("adds --whole-object when requested", func() {
		spec := TransferSpec{SourcePool: "rbd", SourceImage: "vm-100-disk-0", SourceSnapshot: "pvebkp-def456", FromSnapshot: "pvebkp-abc123", WholeObject: true}
		Expect(exportCommand(spec)).To(ContainElement("--whole-object"))
	})
})

var _ = Describe("importCommand", func() {
	It("uses import for a full transfer", func() {
		spec := TransferSpec{DestPool: "backup", DestImage: "uuid-rbd-vm-100-disk-0"}
		Expect(importCommand(spec)).To(Equal([]string{"import", "--no-progress", "-", "backup/uuid-rbd-vm-100-disk-0"}))
	})

	It("uses import-diff for an incremental transfer", func() {
		spec := TransferSpec{DestPool: "backup", DestImage: "uuid-rbd-vm-100-disk-0", FromSnapshot: "pvebkp-abc123"}
		Expect(importCommand(spec)).To(Equal([]string{"import-diff", "--no-progress", "-", "backup/uuid-rbd-vm-100-disk-0"}))
	})
})
