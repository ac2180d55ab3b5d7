// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appvisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "appvisor"

// metrics are kept on a private registry so that several managers (as in
// tests) do not collide on the global one.
type metrics struct {
	reg      *prometheus.Registry
	spawns   *prometheus.CounterVec
	exits    *prometheus.CounterVec
	restarts *prometheus.CounterVec
	sockets  *prometheus.CounterVec
	messages *prometheus.CounterVec
	live     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spawns_total",
			Help:      "Processes started, by role and result.",
		}, []string{"role", "result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exits_total",
			Help:      "Processes reaped, by role and how they ended.",
		}, []string{"role", "how"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restarts_total",
			Help:      "Processes restarted after exiting.",
		}, []string{"role"}),
		sockets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "listen_sockets_total",
			Help:      "Listening socket requests, by result code.",
		}, []string{"code"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Port messages received by the main process, by type.",
		}, []string{"type"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "processes",
			Help:      "Live processes in the registry, including main.",
		}),
	}
	m.reg.MustRegister(m.spawns, m.exits, m.restarts, m.sockets,
		m.messages, m.live)
	return m
}
