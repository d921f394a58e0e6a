// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the pool's operational counters. A nil *Metrics disables
// collection; every method is nil-receiver safe so the engine stays free of
// metric plumbing conditionals.
type Metrics struct {
	chunksCompleted prometheus.Counter
	recordsEmitted  prometheus.Counter
	itemFailures    prometheus.Counter
	workerCrashes   prometheus.Counter
	workersSpawned  prometheus.Counter
	activeWorkers   prometheus.Gauge
}

// NewMetrics registers the pool metrics on reg. A nil registerer uses the
// default prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		chunksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "chunks_completed_total",
			Help:      "Chunks accounted for, including chunks lost to worker crashes.",
		}),
		recordsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "records_emitted_total",
			Help:      "Transaction records streamed back to the orchestrator.",
		}),
		itemFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "item_failures_total",
			Help:      "Work items whose task logic raised an error or panicked.",
		}),
		workerCrashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "worker_crashes_total",
			Help:      "Worker processes that exited abnormally while holding a chunk.",
		}),
		workersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "workers_spawned_total",
			Help:      "Worker processes started, including crash replacements.",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "benchgrid",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Worker processes currently alive.",
		}),
	}
}

func (m *Metrics) chunkCompleted() {
	if m != nil {
		m.chunksCompleted.Inc()
	}
}

func (m *Metrics) recordEmitted() {
	if m != nil {
		m.recordsEmitted.Inc()
	}
}

func (m *Metrics) itemFailed() {
	if m != nil {
		m.itemFailures.Inc()
	}
}

func (m *Metrics) workerCrashed() {
	if m != nil {
		m.workerCrashes.Inc()
	}
}

func (m *Metrics) workerSpawned() {
	if m != nil {
		m.workersSpawned.Inc()
		m.activeWorkers.Inc()
	}
}

func (m *Metrics) workerStopped() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}
