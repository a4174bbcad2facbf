// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package obs wires the pipeline's Prometheus counters: packets seen,
// bytes debited, zero-balance crossings, and enforcer reconciliation
// outcomes.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the pipeline's components increment.
type Metrics struct {
	PacketsParsed     *prometheus.CounterVec
	BytesDebited      prometheus.Counter
	ZeroCrossings     prometheus.Counter
	ReconcileRuns     prometheus.Counter
	ReconcileFailures prometheus.Counter
	KernelEffectErrs  *prometheus.CounterVec
}

// NewMetrics registers and returns the pipeline's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "packets_parsed_total",
			Help:      "Packets the parser has processed, labeled by outcome.",
		}, []string{"outcome"}),
		BytesDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "bytes_debited_total",
			Help:      "Total bytes debited from subscriber balances.",
		}),
		ZeroCrossings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "zero_balance_crossings_total",
			Help:      "Number of times a subscriber balance crossed from positive to zero.",
		}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "enforcer_reconcile_runs_total",
			Help:      "Number of periodic reconciliation sweeps run, including failed ones.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "enforcer_reconcile_failures_total",
			Help:      "Number of periodic reconciliation sweeps that hit an error.",
		}),
		KernelEffectErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmeter",
			Name:      "kernel_effect_errors_total",
			Help:      "Kernel effect failures, labeled by effect kind.",
		}, []string{"effect"}),
	}

	reg.MustRegister(m.PacketsParsed, m.BytesDebited, m.ZeroCrossings,
		m.ReconcileRuns, m.ReconcileFailures, m.KernelEffectErrs)

	return m
}
