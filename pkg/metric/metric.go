// Copyright 2026 The DisaggOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are statically defined at package init and registered in a single
// Prometheus registry, which can be rendered as text or served over HTTP.
package metric

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every metric created by this package.
var Registry = prometheus.NewRegistry()

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

func fieldNames(fields []Field) ([]string, error) {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if !nameRE.MatchString(f.name) {
			return nil, fmt.Errorf("invalid field name %q", f.name)
		}
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("field %q has no allowed values", f.name)
		}
		if slices.Contains(names, f.name) {
			return nil, fmt.Errorf("duplicate field %q", f.name)
		}
		names = append(names, f.name)
	}
	return names, nil
}

// checkFields panics if fieldValues does not match fields.
func checkFields(name string, fields []Field, fieldValues []string) {
	if len(fieldValues) != len(fields) {
		panic(fmt.Sprintf("metric %q: got %d field values, want %d", name, len(fieldValues), len(fields)))
	}
	for i, v := range fieldValues {
		if !slices.Contains(fields[i].allowedValues, v) {
			panic(fmt.Sprintf("metric %q: value %q not allowed for field %q", name, v, fields[i].name))
		}
	}
}

func register(name string, c prometheus.Collector) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid metric name %q", name)
	}
	if err := Registry.Register(c); err != nil {
		return fmt.Errorf("unable to register metric %q: %w", name, err)
	}
	return nil
}

// Uint64Metric encapsulates a cumulative uint64 that represents some kind of
// metric to be monitored.
type Uint64Metric struct {
	name   string
	fields []Field
	vec    *prometheus.CounterVec
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	labels, err := fieldNames(fields)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", name, err)
	}
	m := &Uint64Metric{
		name:   name,
		fields: fields,
		vec:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: description}, labels),
	}
	if err := register(name, m.vec); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	checkFields(m.name, m.fields, fieldValues)
	var out dto.Metric
	if err := m.vec.WithLabelValues(fieldValues...).Write(&out); err != nil {
		panic(fmt.Sprintf("metric %q: %v", m.name, err))
	}
	return uint64(out.GetCounter().GetValue())
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	checkFields(m.name, m.fields, fieldValues)
	m.vec.WithLabelValues(fieldValues...).Add(float64(v))
}

// MustRegisterGauge registers a gauge whose value is computed by value at
// collection time. It panics on error.
func MustRegisterGauge(name, description string, value func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: description}, value)
	if err := register(name, g); err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
}

// TimerMetric records operation latencies in a histogram.
type TimerMetric struct {
	name   string
	fields []Field
	vec    *prometheus.HistogramVec
}

// NewTimerMetric creates and registers a latency histogram. buckets are upper
// bounds in seconds; nil selects exponential buckets from 1µs to ~1s.
func NewTimerMetric(name, description string, buckets []float64, fields ...Field) (*TimerMetric, error) {
	labels, err := fieldNames(fields)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", name, err)
	}
	if buckets == nil {
		buckets = prometheus.ExponentialBuckets(1e-6, 4, 11)
	}
	t := &TimerMetric{
		name:   name,
		fields: fields,
		vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    description,
			Buckets: buckets,
		}, labels),
	}
	if err := register(name, t.vec); err != nil {
		return nil, err
	}
	return t, nil
}

// MustCreateNewTimerMetric calls NewTimerMetric and panics if it returns an
// error.
func MustCreateNewTimerMetric(name, description string, buckets []float64, fields ...Field) *TimerMetric {
	t, err := NewTimerMetric(name, description, buckets, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return t
}

// TimedOperation is used by TimerMetric to keep track of the time elapsed
// between an operation starting and stopping.
type TimedOperation struct {
	metric *TimerMetric
	start  time.Time
}

// Start starts a timer measurement.
func (t *TimerMetric) Start() TimedOperation {
	return TimedOperation{metric: t, start: time.Now()}
}

// Finish marks an operation as finished and records its duration under the
// given field values.
func (o TimedOperation) Finish(fieldValues ...string) {
	checkFields(o.metric.name, o.metric.fields, fieldValues)
	o.metric.vec.WithLabelValues(fieldValues...).Observe(time.Since(o.start).Seconds())
}

// Count returns the number of observations recorded under the given fields.
func (t *TimerMetric) Count(fieldValues ...string) uint64 {
	checkFields(t.name, t.fields, fieldValues)
	var out dto.Metric
	if err := t.vec.WithLabelValues(fieldValues...).(prometheus.Metric).Write(&out); err != nil {
		panic(fmt.Sprintf("metric %q: %v", t.name, err))
	}
	return out.GetHistogram().GetSampleCount()
}

// WriteText renders every registered metric in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
