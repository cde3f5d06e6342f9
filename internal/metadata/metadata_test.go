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

package metadata

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ImageName", func() {
	It("appends the _vm_metadata suffix", func() {
		Expect(ImageName("11111111-2222-3333-4444-555555555555")).
			To(Equal("11111111-2222-3333-4444-555555555555_vm_metadata"))
	})
})

var _ = Describe("truncateLabel", func() {
	It("passes short names through unchanged", func() {
		Expect(truncateLabel("short")).To(Equal("short"))
	})

	It("truncates to ext4's 16-byte label limit", func() {
		uuid := "11111111-2222-3333-4444-555555555555_vm_metadata"
		label := truncateLabel(uuid)
		Expect(label).To(HaveLen(16))
		Expect(label).To(Equal(uuid[:16]))
	})
})

var _ = Describe("guard", func() {
	It("is a no-op to Close when nothing was acquired", func() {
		g := &guard{}
		Expect(func() { g.Close() }).NotTo(Panic())
	})
})
