// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics records what verification runs did, for export to the
// node exporter's textfile collector.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/backupverifier/core/backup"
)

const metricsNamespace = "backupverifier"

// Collector is a prometheus.Collector of run, attempt and verifier state
// metrics. It observes the controller, the log validator and the verifier.
type Collector struct {
	attempts    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	success     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attempts_total",
				Help:      "The number of verification attempts by outcome.",
			}, []string{"subsystem", "outcome", "reason"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "verifier_transitions_total",
				Help:      "The number of recovery verifier state transitions.",
			}, []string{"from", "to"},
		),
		success: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "success",
				Help:      "Whether the last run of a subsystem succeeded.",
			}, []string{"subsystem"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "When the last successful run of a subsystem finished.",
			}, []string{"subsystem"},
		),
		duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "duration_seconds",
				Help:      "How long the last run of a subsystem took.",
			}, []string{"subsystem"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.attempts.Describe(ch)
	c.transitions.Describe(ch)
	c.success.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.attempts.Collect(ch)
	c.transitions.Collect(ch)
	c.success.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.duration.Collect(ch)
}

// AttemptFinished records a closed attempt.
func (c *Collector) AttemptFinished(subsystem backup.Subsystem, a backup.Attempt) {
	outcome := "failed"
	if a.Verified {
		outcome = "verified"
	}
	c.attempts.WithLabelValues(string(subsystem), outcome, a.Reason).Inc()
}

// StateChanged records a verifier state transition.
func (c *Collector) StateChanged(from, to backup.State) {
	if from == "" {
		from = "none"
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RunFinished records the outcome of a subsystem's run.
func (c *Collector) RunFinished(o backup.Outcome) {
	subsystem := string(o.Subsystem)
	c.duration.WithLabelValues(subsystem).Set(o.Duration.Seconds())
	if !o.Success {
		c.success.WithLabelValues(subsystem).Set(0)
		return
	}
	c.success.WithLabelValues(subsystem).Set(1)
	finished := o.StartTime.Add(o.Duration)
	c.lastSuccess.WithLabelValues(subsystem).Set(float64(finished.UnixNano()) / 1e9)
}

// WriteTextfile writes the collected metrics to path in the text
// exposition format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(c); err != nil {
		return errors.Annotate(err, "registering metrics")
	}
	return errors.Annotatef(prometheus.WriteToTextfile(path, registry), "writing metrics to %s", path)
}
