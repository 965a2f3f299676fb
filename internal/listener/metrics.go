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

package listener

import (
	"github.com/nvproxy/nvproxy"
	"github.com/nvproxy/nvproxy/internal/proxyconn"
)

// promMetrics adapts the module-wide ProxyMetrics vectors to
// proxyconn.Metrics for one named listener, attaching that listener's
// name as the "listener" label on every observation.
type promMetrics struct {
	listenerName string
}

var _ proxyconn.Metrics = promMetrics{}

func (m promMetrics) HandshakeFailed() {
	nvproxy.ProxyMetrics.HandshakeFailures.WithLabelValues(m.listenerName, "handshake").Inc()
}

func (m promMetrics) BytesForwarded(direction string, n int64) {
	nvproxy.ProxyMetrics.BytesForwarded.WithLabelValues(m.listenerName, direction).Add(float64(n))
}

func (m promMetrics) PaddingOutcome(direction string) {
	nvproxy.ProxyMetrics.PaddingOutcomes.WithLabelValues(m.listenerName, direction).Inc()
}
