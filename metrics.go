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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// define and register the metrics used across the listener and
// connection orchestrator.
func init() {
	initProxyMetrics()
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// ProxyMetrics is the collection of metrics tracked for the proxy data
// plane. The package's init populates and registers it.
var ProxyMetrics = struct {
	ConnectionsOpen    *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec
	HandshakeFailures  *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	PaddingOutcomes    *prometheus.CounterVec
}{}

func initProxyMetrics() {
	const ns = "nvproxy"
	sub := "conn"
	ProxyMetrics.ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "open",
		Help:      "Number of currently open accepted connections, by listener.",
	}, []string{"listener"})
	ProxyMetrics.ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "total",
		Help:      "Total accepted connections, by listener and client protocol.",
	}, []string{"listener", "protocol"})
	ProxyMetrics.HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "handshake_failures_total",
		Help:      "Connections that failed during client handshake or upstream open, by reason.",
	}, []string{"listener", "reason"})
	ProxyMetrics.BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "bytes_forwarded_total",
		Help:      "Bytes forwarded, by listener and direction.",
	}, []string{"listener", "direction"})
	ProxyMetrics.PaddingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "padding_outcomes_total",
		Help:      "Connections by decided padding direction.",
	}, []string{"listener", "direction"})
}
