// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nvproxy is the root package of the naive forward proxy: a local
// listener that accepts SOCKS5, HTTP CONNECT/absolute-URI, or transparent
// redir connections and forwards them through an upstream HTTPS/HTTP2 proxy
// while applying a length-obfuscating padding scheme to the first frames of
// at most one direction per connection.
package nvproxy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Exit codes, used by cmd/nvproxy to translate a startup or runtime
// failure into a process exit status.
const (
	ExitCodeSuccess = iota
	ExitCodeFailedStartup
	ExitCodeForceStop
	ExitCodeFailedQuit
)

// ImportPath is the module's import path, used for version discovery.
const ImportPath = "github.com/nvproxy/nvproxy"

// CustomVersion overrides the reported version string; set with
// -ldflags '-X github.com/nvproxy/nvproxy.CustomVersion=v1.2.3'.
var CustomVersion string

// Version returns the short and full version strings for this build,
// taken from embedded module version info, else from the VCS revision.
// When CustomVersion is set, it becomes the short string and is
// prefixed to the full string.
func Version() (simple, full string) {
	var module *debug.Module
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if CustomVersion != "" {
			return CustomVersion, CustomVersion
		}
		return "unknown", "unknown"
	}
	for _, dep := range bi.Deps {
		if dep.Path == ImportPath {
			module = dep
			break
		}
	}
	if module != nil {
		simple, full = module.Version, module.Version
	}
	if full == "" {
		for _, setting := range bi.Settings {
			if setting.Key == "vcs.revision" {
				full = setting.Value
				simple = setting.Value
				if _, err := hex.DecodeString(simple); err == nil && len(simple) >= 8 {
					simple = simple[:8]
				}
			}
		}
	}
	if full == "" {
		full = "unknown"
	}
	if simple == "" {
		simple = "unknown"
	}
	if CustomVersion != "" {
		full = CustomVersion + " " + full
		simple = CustomVersion
	}
	return simple, full
}

// InstanceID returns a UUID stored under the OS data directory (or
// NVPROXY_DATA_DIR), generating and persisting one on first use, so the
// same id is returned across restarts. It has no protocol meaning.
func InstanceID() (uuid.UUID, error) {
	dir, err := dataDir()
	if err != nil {
		return uuid.UUID{}, err
	}
	idPath := filepath.Join(dir, "instance.uuid")
	b, err := os.ReadFile(idPath)
	if errors.Is(err, fs.ErrNotExist) {
		id, err := uuid.NewRandom()
		if err != nil {
			return id, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return id, err
		}
		return id, os.WriteFile(idPath, []byte(id.String()), 0o600)
	} else if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.ParseBytes(b)
}

func dataDir() (string, error) {
	if d := os.Getenv("NVPROXY_DATA_DIR"); d != "" {
		return d, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, "nvproxy"), nil
}

// Duration is a time.Duration that decodes from JSON as either a Go
// duration string ("30s") or an integer number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		dur, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

var exiting = new(int32) // accessed atomically

// Exiting reports whether the process has begun a graceful shutdown.
func Exiting() bool { return atomic.LoadInt32(exiting) == 1 }

// MarkExiting flags the process as shutting down; idempotent, returns
// true the first time it is called.
func MarkExiting() bool {
	return atomic.CompareAndSwapInt32(exiting, 0, 1)
}
