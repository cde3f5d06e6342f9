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

// Package logging builds the single logr.Logger instance threaded through
// the rest of the program via the context object in internal/appctx.
//
// Replaces the original tool's global mutable log level and print()-based
// helper with one logger constructed at startup from the configured level.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the subset of log levels recognized by the "log_level" config key.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel parses the "DEBUG|INFO|WARN|ERROR" config value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("unrecognized log_level %q", s)
	}
}

// zapLevel maps our ambient Level onto zap's, keeping in mind logr's
// inverted V-level convention (higher V = more verbose = lower severity).
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New constructs the process-wide logger. Called once at startup; the
// resulting logr.Logger is threaded down explicitly through appctx.Context
// rather than retrieved from a package-level singleton.
func New(level Level) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	zl, err := cfg.Build()
	if err != nil {
		// Should only happen on a broken encoder config; fall back to a
		// minimal logger rather than crash the whole process over logging.
		zl = zap.NewExample()
	}
	return zapr.NewLogger(zl)
}

// Discard returns a no-op logger, used by tests that don't care about
// log output.
func Discard() logr.Logger {
	return logr.Discard()
}
