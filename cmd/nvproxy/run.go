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

package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvproxy/nvproxy"
	"github.com/nvproxy/nvproxy/config"
	"github.com/nvproxy/nvproxy/internal/listener"
)

func runCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the JSON configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runProxy(ctx context.Context, configPath string) error {
	logger := nvproxy.Log()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: nvproxy.ExitCodeFailedStartup, err: fmt.Errorf("loading config: %w", err)}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := nvproxy.NewContext(sigCtx, logger)
	defer cancel()

	mgr, err := listener.NewManager(cfg, nil, nvproxy.OriginalDestination, logger)
	if err != nil {
		return &exitError{code: nvproxy.ExitCodeFailedStartup, err: err}
	}
	runCtx.OnCancel(func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("closing listeners", zap.Error(err))
		}
	})

	listenFn := func(addr string) (net.Listener, error) {
		return nvproxy.ListenTCP(runCtx, addr, 15*time.Second)
	}
	if err := mgr.Bind(listenFn); err != nil {
		return &exitError{code: nvproxy.ExitCodeFailedStartup, err: err}
	}

	logger.Info("nvproxy starting", zap.Int("listeners", len(cfg.Listen)), zap.String("upstream", cfg.Upstream.String()))

	err = mgr.Serve(runCtx)
	if err != nil && runCtx.Err() == nil {
		return &exitError{code: nvproxy.ExitCodeFailedStartup, err: err}
	}
	return nil
}
