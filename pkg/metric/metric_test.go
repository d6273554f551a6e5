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

package metric

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUint64Metric(t *testing.T) {
	m, err := NewUint64Metric("test_counter_total", "Counter", NewField("status", []string{"ok", "again"}))
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	m.Increment("ok")
	m.IncrementBy(3, "again")
	m.Increment("again")
	if got := m.Value("ok"); got != 1 {
		t.Errorf("Value(ok) got %d want 1", got)
	}
	if got := m.Value("again"); got != 4 {
		t.Errorf("Value(again) got %d want 4", got)
	}
}

func TestRegistrationErrors(t *testing.T) {
	if _, err := NewUint64Metric("test_dup_total", "first"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	for _, test := range []struct {
		name   string
		metric string
		fields []Field
	}{
		{name: "duplicate", metric: "test_dup_total"},
		{name: "bad name", metric: "/pcache/unmap"},
		{name: "empty field", metric: "test_empty_field_total", fields: []Field{NewField("kind", nil)}},
		{name: "repeated field", metric: "test_repeated_total", fields: []Field{NewField("a", []string{"x"}), NewField("a", []string{"y"})}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewUint64Metric(test.metric, "desc", test.fields...); err == nil {
				t.Errorf("NewUint64Metric(%q) got nil error", test.metric)
			}
		})
	}
}

func TestDisallowedFieldValuePanics(t *testing.T) {
	m := MustCreateNewUint64Metric("test_panics_total", "desc", NewField("kind", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with disallowed value did not panic")
		}
	}()
	m.Increment("b")
}

func TestTimerMetric(t *testing.T) {
	tm := MustCreateNewTimerMetric("test_latency_seconds", "latency", nil, NewField("result", []string{"ok"}))
	op := tm.Start()
	op.Finish("ok")
	tm.Start().Finish("ok")
	if got := tm.Count("ok"); got != 2 {
		t.Errorf("Count got %d want 2", got)
	}
}

func TestWriteTextAndHandler(t *testing.T) {
	MustCreateNewUint64Metric("test_text_total", "rendered").Increment()
	MustRegisterGauge("test_gauge", "gauge", func() float64 { return 7 })

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	for _, want := range []string{"test_text_total 1", "test_gauge 7", "# HELP test_text_total rendered"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("WriteText output missing %q:\n%s", want, buf.String())
		}
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "test_gauge 7") {
		t.Errorf("Handler body missing gauge:\n%s", body)
	}
}
