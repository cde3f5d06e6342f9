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

// Package appctx defines the shared, stateless-service context threaded
// through the backup and restore-point services, replacing the original
// tool's mutual self-passing between Backup and RestorePoint (spec.md §9
// DESIGN NOTES: "model both as stateless services that take a shared typed
// context by reference; avoid back-pointers").
package appctx

import (
	"github.com/go-logr/logr"

	"github.com/pvebackup/pve-rbd-backup/internal/config"
)

// Context bundles the configuration and logger every service needs. It is
// passed by reference; services never hold a pointer back to each other.
type Context struct {
	Config *config.Config
	Log    logr.Logger

	// BackupPool is config.Global.CephBackupPool, hoisted here because
	// nearly every component reads it.
	BackupPool string

	// SnapshotPrefix is the active prefix for this invocation: either
	// config.Global.SnapshotNamePrefix or a CLI --snapshot_name_prefix
	// override.
	SnapshotPrefix string
}

// New builds a Context from a loaded configuration and logger.
func New(cfg *config.Config, log logr.Logger) *Context {
	return &Context{
		Config:         cfg,
		Log:            log,
		BackupPool:     cfg.Global.CephBackupPool,
		SnapshotPrefix: cfg.Global.SnapshotNamePrefix,
	}
}

// WithSnapshotPrefix returns a shallow copy of the context with the
// snapshot-name prefix overridden. `backup run --snapshot_name_prefix`
// does not call it; that override reaches the engine through
// backupengine.RunOptions.SnapshotNamePrefix.
func (c *Context) WithSnapshotPrefix(prefix string) *Context {
	if prefix == "" {
		return c
	}
	clone := *c
	clone.SnapshotPrefix = prefix
	return &clone
}
