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

package cli

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("confirm", func() {
	It("skips the prompt and proceeds when stdin isn't a terminal", func() {
		ok, err := confirm("Remove everything?", strings.NewReader(""), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("accepts y", func() {
		ok, err := confirm("Remove everything?", strings.NewReader("y\n"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("accepts yes, case-insensitively", func() {
		ok, err := confirm("Remove everything?", strings.NewReader("YES\n"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("rejects anything else", func() {
		ok, err := confirm("Remove everything?", strings.NewReader("n\n"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("rejects an empty line", func() {
		ok, err := confirm("Remove everything?", strings.NewReader("\n"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
