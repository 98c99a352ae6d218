// Package metrics exports attachment resolution and cache eviction
// metrics to Prometheus.
package metrics

import (
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/nhle/mailattach/internal/attachment"
	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/model"
)

// Observer records resolver and evictor activity.
type Observer struct {
	resolveDuration *promclient.HistogramVec
	resolves        *promclient.CounterVec
	attemptFailures *promclient.CounterVec
	evicted         promclient.Counter
	evictedBytes    promclient.Counter
	sweepFailures   promclient.Counter
}

// NewObserver registers the metrics on reg. A nil reg selects the default
// registerer; collectors already registered under the same name are
// reused.
func NewObserver(namespace string, reg promclient.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "mailattach"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	o := &Observer{
		resolveDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Latency of attachment resolutions by winning source.",
			Buckets:   promclient.DefBuckets,
		}, []string{"source"}),
		resolves: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Attachment resolutions by winning source and outcome kind.",
		}, []string{"source", "kind"}),
		attemptFailures: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Failed steps of the fallback chain by source and error kind.",
		}, []string{"source", "kind"}),
		evicted: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_total",
			Help:      "Cache entries removed by sweeps.",
		}),
		evictedBytes: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes freed by sweeps.",
		}),
		sweepFailures: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweep_failures_total",
			Help:      "Cache entries a sweep could not stat or remove.",
		}),
	}

	var err error
	if o.resolveDuration, err = register(reg, o.resolveDuration); err != nil {
		return nil, err
	}
	if o.resolves, err = register(reg, o.resolves); err != nil {
		return nil, err
	}
	if o.attemptFailures, err = register(reg, o.attemptFailures); err != nil {
		return nil, err
	}
	if o.evicted, err = register(reg, o.evicted); err != nil {
		return nil, err
	}
	if o.evictedBytes, err = register(reg, o.evictedBytes); err != nil {
		return nil, err
	}
	if o.sweepFailures, err = register(reg, o.sweepFailures); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, returning the existing collector of the same
// type when one is already registered.
func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// ObserveResolve records one finished resolution. Failed resolutions are
// labeled with source "none".
func (o *Observer) ObserveResolve(source model.SourceKind, err error, elapsed time.Duration) {
	if o == nil {
		return
	}
	label := string(source)
	if label == "" {
		label = "none"
	}
	kind := "ok"
	if err != nil {
		kind = string(model.KindOf(err))
	}
	o.resolveDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	o.resolves.WithLabelValues(label, kind).Inc()
}

// ObserveAttempt records a failed step of the fallback chain.
func (o *Observer) ObserveAttempt(source model.SourceKind, err error) {
	if o == nil {
		return
	}
	o.attemptFailures.WithLabelValues(string(source), string(model.KindOf(err))).Inc()
}

// RecordSweep records the outcome of a cache sweep.
func (o *Observer) RecordSweep(report cache.SweepReport) {
	if o == nil {
		return
	}
	o.evicted.Add(float64(report.Removed))
	o.evictedBytes.Add(float64(report.Freed))
	o.sweepFailures.Add(float64(report.Failed))
}

var (
	_ attachment.Observer = (*Observer)(nil)
	_ cache.SweepObserver = (*Observer)(nil)
)
