package metrics

import (
	"errors"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/model"
)

func TestObserverRecordsResolves(t *testing.T) {
	reg := promclient.NewRegistry()
	o, err := NewObserver("test", reg)
	require.NoError(t, err)

	o.ObserveResolve(model.SourceCache, nil, 5*time.Millisecond)
	o.ObserveResolve(model.SourceCache, nil, 5*time.Millisecond)
	o.ObserveResolve("", &model.UnresolvableError{}, time.Second)
	o.ObserveAttempt(model.SourceRemoteAPI, model.Errorf(model.KindNotFound, "fetch", "gone"))

	assert.Equal(t, 2.0, testutil.ToFloat64(o.resolves.WithLabelValues("cache", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.resolves.WithLabelValues("none", "unresolvable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.attemptFailures.WithLabelValues("remote_api", "not_found")))
	assert.Equal(t, 2, testutil.CollectAndCount(o.resolveDuration))
}

func TestObserverRecordsSweeps(t *testing.T) {
	o, err := NewObserver("test", promclient.NewRegistry())
	require.NoError(t, err)

	o.RecordSweep(cache.SweepReport{Removed: 3, Freed: 300, Failed: 1})
	o.RecordSweep(cache.SweepReport{Removed: 1, Freed: 50})

	assert.Equal(t, 4.0, testutil.ToFloat64(o.evicted))
	assert.Equal(t, 350.0, testutil.ToFloat64(o.evictedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.sweepFailures))
}

func TestObserverReusesRegisteredCollectors(t *testing.T) {
	reg := promclient.NewRegistry()
	first, err := NewObserver("test", reg)
	require.NoError(t, err)
	second, err := NewObserver("test", reg)
	require.NoError(t, err)

	first.ObserveAttempt(model.SourceDirectURL, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(second.attemptFailures.WithLabelValues("direct_url", "unknown")))
}

func TestNilObserverIsSafe(t *testing.T) {
	var o *Observer
	o.ObserveResolve(model.SourceCache, nil, time.Second)
	o.ObserveAttempt(model.SourceCache, nil)
	o.RecordSweep(cache.SweepReport{})
}
