// Package testutil reads back the current value of quarry's metric vectors.
package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func read(tb testing.TB, metric prometheus.Metric, err error) *dto.Metric {
	tb.Helper()
	require.NoError(tb, err)

	var m dto.Metric
	require.NoError(tb, metric.Write(&m))
	return &m
}

// CounterValue returns the current value for a CounterVec label set.
func CounterValue(tb testing.TB, vec *prometheus.CounterVec, labels ...string) float64 {
	tb.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	return read(tb, counter, err).GetCounter().GetValue()
}

// GaugeValue returns the current value for a GaugeVec label set.
func GaugeValue(tb testing.TB, vec *prometheus.GaugeVec, labels ...string) float64 {
	tb.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	return read(tb, gauge, err).GetGauge().GetValue()
}

// SampleCount returns how many observations a HistogramVec label set holds.
func SampleCount(tb testing.TB, vec *prometheus.HistogramVec, labels ...string) uint64 {
	tb.Helper()
	observer, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(tb, err)
	return read(tb, observer.(prometheus.Metric), nil).GetHistogram().GetSampleCount()
}
