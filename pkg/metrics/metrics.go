/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics is the head process's Prometheus metrics, grounded on
// the teacher's pkg/controller/machine.MetricsCollection: a struct of
// ready-constructed collectors plus a MustRegister method, rather than
// package-level globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollection is every metric the control loop and its Updaters
// report.
type MetricsCollection struct {
	TickDuration        prometheus.Histogram
	NodesLaunched        prometheus.Counter
	NodesTerminated       prometheus.Counter
	UpdaterSuccesses      prometheus.Counter
	UpdaterFailures       prometheus.Counter
	UnschedulableDemands  prometheus.Gauge
}

// NewMetricsCollection constructs a MetricsCollection with the namespace
// "cloudtik" applied to every collector.
func NewMetricsCollection() *MetricsCollection {
	return &MetricsCollection{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cloudtik",
			Subsystem: "controller",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one ClusterController tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		NodesLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudtik",
			Subsystem: "controller",
			Name:      "nodes_launched_total",
			Help:      "Total number of nodes launched via the provider.",
		}),
		NodesTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudtik",
			Subsystem: "controller",
			Name:      "nodes_terminated_total",
			Help:      "Total number of nodes terminated via the provider.",
		}),
		UpdaterSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudtik",
			Subsystem: "updater",
			Name:      "success_total",
			Help:      "Total number of Updater runs that reached up-to-date.",
		}),
		UpdaterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudtik",
			Subsystem: "updater",
			Name:      "failure_total",
			Help:      "Total number of Updater runs that ended in update-failed.",
		}),
		UnschedulableDemands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudtik",
			Subsystem: "scheduler",
			Name:      "unschedulable_demands",
			Help:      "Number of pending resource demands no node type can host, as of the last tick.",
		}),
	}
}

// MustRegister registers every collector with registerer, panicking on a
// duplicate registration (mirrors the teacher's MetricsCollection.MustRegister).
func (mc *MetricsCollection) MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		mc.TickDuration,
		mc.NodesLaunched,
		mc.NodesTerminated,
		mc.UpdaterSuccesses,
		mc.UpdaterFailures,
		mc.UnschedulableDemands,
	)
}
