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

// Package proxmox is the hypervisor driver (spec.md §4.2): a concrete REST
// Client for the Proxmox VE API and a Driver on top of it, scoped to
// exactly the operations the backup engine needs rather than full VM
// lifecycle management.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/errs"
)

// Client is a session-authenticated Proxmox VE API client for one server.
// Session renewal on expiry is transparent to callers: Request retries the
// original call exactly once after re-authenticating (spec.md §4.2).
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	log        logr.Logger

	mu        sync.Mutex
	ticket    string
	csrfToken string
}

// NewClient builds a Client targeting https://server:8006, or
// https://server unchanged when server already names a port ("host:port").
// verifySSL controls whether the server's TLS certificate is validated,
// matching the "verify_ssl" config option (spec.md §6) — Proxmox installs
// commonly run on a self-signed certificate.
func NewClient(server, user, password string, verifySSL bool, log logr.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL}, // #nosec G402 -- opt-in via verify_ssl, matches a common Proxmox self-signed deployment
	}
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, "8006")
	}
	return &Client{
		baseURL:    "https://" + addr + "/api2/json",
		user:       user,
		password:   password,
		httpClient: &http.Client{Transport: transport},
		log:        log,
	}
}

type ticketResponse struct {
	Data struct {
		Ticket              string `json:"ticket"`
		CSRFPreventionToken string `json:"CSRFPreventionToken"`
	} `json:"data"`
}

// authenticate obtains a fresh session ticket and CSRF token.
func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{"username": {c.user}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("proxmox: building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxmox: authenticating: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("proxmox: reading auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxmox: authentication failed with status %d: %s", resp.StatusCode, body)
	}

	var tr ticketResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("proxmox: parsing auth response: %w", err)
	}

	c.mu.Lock()
	c.ticket = tr.Data.Ticket
	c.csrfToken = tr.Data.CSRFPreventionToken
	c.mu.Unlock()
	return nil
}

// Request issues one API call and unmarshals its "data" field into out (if
// non-nil). On a 401 (session expired) it re-authenticates and retries the
// original request exactly once; a second 401 surfaces as SessionExpired.
func (c *Client) Request(ctx context.Context, method, path string, form url.Values, out any) error {
	c.mu.Lock()
	hasSession := c.ticket != ""
	c.mu.Unlock()
	if !hasSession {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	status, body, err := c.doOnce(ctx, method, path, form)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := c.authenticate(ctx); err != nil {
			return errs.NewSessionExpired(err)
		}
		status, body, err = c.doOnce(ctx, method, path, form)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return errs.NewSessionExpired(fmt.Errorf("session still rejected after re-authentication"))
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("proxmox: %s %s: status %d: %s", method, path, status, body)
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("proxmox: parsing response envelope for %s: %w", path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("proxmox: parsing response data for %s: %w", path, err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values) (int, []byte, error) {
	var bodyReader io.Reader
	url := c.baseURL + path
	if method == http.MethodGet && form != nil {
		url += "?" + form.Encode()
	} else if form != nil {
		bodyReader = bytes.NewReader([]byte(form.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("proxmox: building request for %s: %w", path, err)
	}
	if form != nil && method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.mu.Lock()
	req.Header.Set("Cookie", "PVEAuthCookie="+c.ticket)
	if method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", c.csrfToken)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("proxmox: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("proxmox: reading response body for %s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}
