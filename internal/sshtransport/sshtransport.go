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

// Package sshtransport wraps invocation of a remote command through ssh,
// used by internal/rbd when a block-store query must run against the
// source cluster rather than the local one (spec.md §4.1
// listSnapshotsByPrefix's "remote" parameter).
package sshtransport

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/kballard/go-shellquote"

	"github.com/pvebackup/pve-rbd-backup/internal/executil"
)

// Transport runs commands on a single remote host over ssh.
type Transport struct {
	User string
	Host string
}

// New builds a Transport for user@host.
func New(user, host string) *Transport {
	return &Transport{User: user, Host: host}
}

// Run executes argv on the remote host and returns its captured output.
// The argv slice is quoted into a single shell-safe string because ssh
// itself only accepts the remote command as one argument. Shell quoting
// is unavoidable here and in internal/pipeline's Build (the remote
// export command); both use kballard/go-shellquote, not manual string
// concatenation.
func (t *Transport) Run(ctx context.Context, log logr.Logger, argv ...string) (executil.Result, error) {
	remote := shellquote.Join(argv...)
	dest := t.User + "@" + t.Host
	return executil.Run(ctx, log, "ssh", "-T", "-o", "Compression=no", "-x", dest, remote)
}
