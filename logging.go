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

package nvproxy

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLogger atomic.Pointer[zap.Logger]
	loggerInitMu  sync.Mutex
)

func init() {
	l, _ := NewLogger(os.Getenv("NVPROXY_LOG_FORMAT"), os.Getenv("NVPROXY_LOG_LEVEL"))
	defaultLogger.Store(l)
}

// Log returns the default logger used throughout the module. Components
// should call Log().Named("component") to get a sub-logger so log lines
// can be filtered per component (listener, socks5, httpproxy, tunnel,
// padding).
func Log() *zap.Logger {
	return defaultLogger.Load()
}

// SetLogger replaces the default logger, e.g. after the CLI parses
// -log-format/-log-level flags.
func SetLogger(l *zap.Logger) {
	loggerInitMu.Lock()
	defer loggerInitMu.Unlock()
	defaultLogger.Store(l)
}

// NewLogger builds a logger with the given encoding ("console" or
// anything else for JSON) and level name, the same way the package
// default is constructed from the NVPROXY_LOG_FORMAT/NVPROXY_LOG_LEVEL
// environment variables.
func NewLogger(format, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(orDefault(level, "info"))); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "console":
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(consoleCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
