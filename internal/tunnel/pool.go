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

package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// pool holds up to concurrency distinct HTTP/2 sessions to one
// upstream endpoint. Connections are striped across sessions by
// id mod concurrency, so that a process serving many accepted
// connections still reuses and keeps warm a bounded number of
// upstream "network anonymization keys" rather than opening one
// session per accepted connection.
type pool struct {
	endpoint    Endpoint
	concurrency int

	mu       sync.Mutex
	sessions []*http2.ClientConn
}

func newPool(endpoint Endpoint, concurrency int) *pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &pool{endpoint: endpoint, concurrency: concurrency, sessions: make([]*http2.ClientConn, concurrency)}
}

// session returns the live session for id's stripe, dialing it first
// if necessary. Concurrent callers racing for the same not-yet-dialed
// stripe are collapsed onto a single dial via group.
func (p *pool) session(ctx context.Context, id uint32, group *singleflight.Group) (*http2.ClientConn, error) {
	idx := int(id) % p.concurrency

	p.mu.Lock()
	cc := p.sessions[idx]
	alive := cc != nil && cc.CanTakeNewRequest()
	p.mu.Unlock()
	if alive {
		return cc, nil
	}

	key := strconv.Itoa(idx)
	v, err, _ := group.Do(key, func() (any, error) {
		p.mu.Lock()
		cc := p.sessions[idx]
		if cc != nil && cc.CanTakeNewRequest() {
			p.mu.Unlock()
			return cc, nil
		}
		p.mu.Unlock()

		newCC, dialErr := dialTLSSession(ctx, p.endpoint)
		if dialErr != nil {
			return nil, dialErr
		}
		p.mu.Lock()
		p.sessions[idx] = newCC
		p.mu.Unlock()
		return newCC, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: dialing session %d: %w", idx, err)
	}
	return v.(*http2.ClientConn), nil
}
