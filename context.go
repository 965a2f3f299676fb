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
	"context"

	"go.uber.org/zap"
)

// contextState is the part of a Context that must survive the struct
// being copied by value: every copy of a Context derived from the same
// NewContext call shares one contextState, so registering a cleanup
// func through any copy is visible to the cancel func closed over the
// original.
type contextState struct {
	logger       *zap.Logger
	cleanupFuncs []func()
	exitFuncs    []func(context.Context)
}

// Context carries the lifetime of one running listener set. Cancelling it
// (via the cancel func returned by NewContext) disconnects every
// connection that was derived from it — this is how graceful shutdown
// of the listener cancels all active connections, per the concurrency
// model.
type Context struct {
	context.Context
	state *contextState
}

// NewContext derives a cancellable Context from ctx. The returned
// cancel func must be called to release resources and run any
// registered cleanup functions.
func NewContext(ctx context.Context, logger *zap.Logger) (Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	state := &contextState{logger: logger}
	newCtx := Context{Context: c, state: state}
	wrappedCancel := func() {
		cancel()
		for _, f := range state.cleanupFuncs {
			f()
		}
	}
	return newCtx, wrappedCancel
}

// OnCancel registers f to run when this context is cancelled.
func (ctx Context) OnCancel(f func()) {
	ctx.state.cleanupFuncs = append(ctx.state.cleanupFuncs, f)
}

// OnExit registers f to run when RunExitFuncs is called on this
// context. Cancelling the context does not run it.
func (ctx Context) OnExit(f func(context.Context)) {
	ctx.state.exitFuncs = append(ctx.state.exitFuncs, f)
}

// RunExitFuncs invokes every exit func registered with OnExit.
func (ctx Context) RunExitFuncs() {
	for _, f := range ctx.state.exitFuncs {
		f(ctx.Context)
	}
}

// Logger returns the named logger for this context, or the package
// default if none was supplied.
func (ctx Context) Logger(name string) *zap.Logger {
	l := ctx.state.logger
	if l == nil {
		l = Log()
	}
	if name == "" {
		return l
	}
	return l.Named(name)
}
