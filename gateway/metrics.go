// metrics.go - optional prometheus instrumentation for the gateway client.
// Copyright (C) 2018  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters a client's gateway connection can register
// once and share. A nil *Metrics is always safe: every method below is a
// no-op guard on a nil receiver.
type Metrics struct {
	PacketsSent        prometheus.Counter
	Reconnects         prometheus.Counter
	BandwidthRemaining prometheus.Gauge
}

// NewMetrics builds and registers the gateway client's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_packets_sent_total",
			Help: "Mix packets forwarded to the gateway.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Times the gateway connection was re-established after a failure.",
		}),
		BandwidthRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_bandwidth_remaining_bytes",
			Help: "Bandwidth balance last reported by the gateway.",
		}),
	}
	reg.MustRegister(m.PacketsSent, m.Reconnects, m.BandwidthRemaining)
	return m
}

func (m *Metrics) incPacketsSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}

func (m *Metrics) incReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) setBandwidthRemaining(v float64) {
	if m == nil {
		return
	}
	m.BandwidthRemaining.Set(v)
}
