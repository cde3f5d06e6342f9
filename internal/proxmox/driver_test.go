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

package proxmox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvebackup/pve-rbd-backup/internal/proxmox"
)

// fakeServer builds a minimal Proxmox-API-shaped httptest server. handlers
// maps "METHOD path" to a function producing the JSON "data" payload.
// requestCount lets tests assert on retry/re-auth behavior.
type fakeServer struct {
	srv           *httptest.Server
	authCalls     int
	unauthorizeAt int // if > 0, the Nth non-auth call (1-indexed) returns 401 instead
	calls         int
}

func newFakeServer(handlers map[string]func(r *http.Request) any) *fakeServer {
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		fs.authCalls++
		resp := map[string]any{
			"data": map[string]any{
				"ticket":              "PVE:ticket",
				"CSRFPreventionToken": "csrf-token",
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	for pattern, fn := range handlers {
		parts := strings.SplitN(pattern, " ", 2)
		method, path := parts[0], parts[1]
		mux.HandleFunc("/api2/json"+path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			fs.calls++
			if fs.unauthorizeAt == fs.calls {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": fn(r)})
		})
	}
	fs.srv = httptest.NewTLSServer(mux)
	return fs
}

func (fs *fakeServer) host() string {
	u, _ := url.Parse(fs.srv.URL)
	return u.Host
}

var _ = Describe("Driver", func() {
	It("lists nodes via the session-authenticated client", func() {
		fs := newFakeServer(map[string]func(r *http.Request) any{
			"GET /nodes": func(r *http.Request) any {
				return []map[string]string{{"node": "pve1"}, {"node": "pve2"}}
			},
		})
		defer fs.srv.Close()

		client := proxmox.NewClient(fs.host(), "root@pam", "secret", false, logr.Discard())
		driver := proxmox.NewDriver(client, 3)

		nodes, err := driver.ListNodes(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(ConsistOf(proxmox.Node{ID: "pve1"}, proxmox.Node{ID: "pve2"}))
		Expect(fs.authCalls).To(Equal(1))
	})

	It("filters the synthetic current pseudo-snapshot out of ListSnapshots", func() {
		fs := newFakeServer(map[string]func(r *http.Request) any{
			"GET /nodes/pve1/qemu/100/snapshot": func(r *http.Request) any {
				return []map[string]any{
					{"name": "current", "snaptime": 0},
					{"name": "pvebkp-abc123", "description": "x", "parent": "", "snaptime": 1700000000},
				}
			},
		})
		defer fs.srv.Close()

		client := proxmox.NewClient(fs.host(), "root@pam", "secret", false, logr.Discard())
		driver := proxmox.NewDriver(client, 3)

		snaps, err := driver.ListSnapshots(context.Background(), "pve1", 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(snaps).To(HaveLen(1))
		Expect(snaps[0].Name).To(Equal("pvebkp-abc123"))
	})

	It("sorts pending config entries by key", func() {
		fs := newFakeServer(map[string]func(r *http.Request) any{
			"GET /nodes/pve1/qemu/100/pending": func(r *http.Request) any {
				return []map[string]any{
					{"key": "scsi0", "value": "local:100/vm-100-disk-0.raw"},
					{"key": "description", "value": "hello"},
					{"key": "cores", "value": 4},
				}
			},
		})
		defer fs.srv.Close()

		client := proxmox.NewClient(fs.host(), "root@pam", "secret", false, logr.Discard())
		driver := proxmox.NewDriver(client, 3)

		entries, err := driver.PendingConfig(context.Background(), "pve1", 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(3))
		Expect(entries[0].Key).To(Equal("cores"))
		Expect(entries[1].Key).To(Equal("description"))
		Expect(entries[2].Key).To(Equal("scsi0"))
	})

	It("re-authenticates and retries exactly once on a 401", func() {
		fs := newFakeServer(map[string]func(r *http.Request) any{
			"GET /nodes": func(r *http.Request) any {
				return []map[string]string{{"node": "pve1"}}
			},
		})
		fs.unauthorizeAt = 1
		defer fs.srv.Close()

		client := proxmox.NewClient(fs.host(), "root@pam", "secret", false, logr.Discard())
		driver := proxmox.NewDriver(client, 3)

		nodes, err := driver.ListNodes(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(ConsistOf(proxmox.Node{ID: "pve1"}))
		Expect(fs.authCalls).To(Equal(2))
	})

	It("reports hasFeature as a bool", func() {
		fs := newFakeServer(map[string]func(r *http.Request) any{
			"GET /nodes/pve1/qemu/100/feature": func(r *http.Request) any {
				return map[string]int{"hasFeature": 1}
			},
		})
		defer fs.srv.Close()

		client := proxmox.NewClient(fs.host(), "root@pam", "secret", false, logr.Discard())
		driver := proxmox.NewDriver(client, 3)

		ok, err := driver.FeatureAvailable(context.Background(), "pve1", 100, "snapshot")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})
})
