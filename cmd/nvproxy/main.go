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

// Command nvproxy runs the naive-style forward proxy: it accepts
// SOCKS5, HTTP CONNECT/absolute-URI, or Linux-redir client
// connections and forwards them through a fixed upstream HTTPS/HTTP2
// proxy, with optional length-obfuscating padding on the first frames
// of whichever direction needs it.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/nvproxy/nvproxy"
)

func main() {
	applyEarlyLogFlags()
	logger := nvproxy.Log()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	if err := rootCommand().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(nvproxy.ExitCodeFailedStartup)
	}
}

// exitError carries a specific process exit code out of a cobra
// RunE, the way the reference CLI's own command dispatch does.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exiting with status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func rootCommand() *cobra.Command {
	_, full := nvproxy.Version()
	root := &cobra.Command{
		Use:          "nvproxy",
		Short:        "A length-obfuscating forward proxy client",
		Version:      full,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.AddCommand(runCommand())
	root.AddCommand(versionCommand())
	return root
}

// applyEarlyLogFlags scans os.Args for -log-format/-log-level before
// the cobra command tree is built, so that log lines emitted during
// command construction and config loading already honor them. Unknown
// flags and positional args are ignored here; cobra still validates
// the full flag set per-subcommand afterward.
func applyEarlyLogFlags() {
	fs := pflag.NewFlagSet("nvproxy-early", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	format := fs.String("log-format", "", "log encoding: json (default) or console")
	level := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return
	}
	if *format == "" && *level == "" {
		return
	}
	if l, err := nvproxy.NewLogger(*format, *level); err == nil {
		nvproxy.SetLogger(l)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			simple, _ := nvproxy.Version()
			fmt.Fprintln(cmd.OutOrStdout(), simple)
			return nil
		},
	}
}
