// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package binlogreplication

import (
	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the apply engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	GroupsCommitted prometheus.Counter
	Retries         prometheus.Counter
	Errors          *prometheus.CounterVec
	Position        prometheus.Gauge
	Halted          prometheus.Gauge
}

// NewMetrics registers the apply metrics in a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binlogreplay",
			Name:      "events_applied_total",
			Help:      "Binlog events applied, by event type",
		}, []string{"type"}),
		EventsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binlogreplay",
			Name:      "events_skipped_total",
			Help:      "Binlog events skipped, by reason",
		}, []string{"reason"}),
		GroupsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "binlogreplay",
			Name:      "groups_committed_total",
			Help:      "Transaction groups committed",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "binlogreplay",
			Name:      "group_retries_total",
			Help:      "Transaction groups rolled back and replayed after a temporary error",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binlogreplay",
			Name:      "errors_total",
			Help:      "Apply errors, by class",
		}, []string{"class"}),
		Position: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "binlogreplay",
			Name:      "position",
			Help:      "Log offset of the last committed group",
		}),
		Halted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "binlogreplay",
			Name:      "halted",
			Help:      "1 while replay is halted on an error",
		}),
	}
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) eventApplied(t binlog.EventType) {
	if m != nil {
		m.EventsApplied.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) eventSkipped(reason string) {
	if m != nil {
		m.EventsSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) groupCommitted(pos uint64) {
	if m != nil {
		m.GroupsCommitted.Inc()
		m.Position.Set(float64(pos))
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) errorClassified(c replerror.Class) {
	if m != nil {
		m.Errors.WithLabelValues(c.String()).Inc()
	}
}

func (m *Metrics) setHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}
