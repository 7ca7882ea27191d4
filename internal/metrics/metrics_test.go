package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findFamily は収集結果から指定名のメトリクスファミリーを返す。
func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAttempt_IncrementsCounterWithLabels は試行カウンタがラベル別に増加することを検証する。
func TestRecordAttempt_IncrementsCounterWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAttempt("interactive", "succeeded", "")
	c.RecordAttempt("interactive", "succeeded", "")
	c.RecordAttempt("interactive", "failed", "BACKEND_EXCHANGE_FAILED")

	mf := findFamily(t, reg, "signgate_sign_in_attempts_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		val := m.GetCounter().GetValue()
		switch labels["status"] {
		case "succeeded":
			if val != 2 {
				t.Errorf("succeeded = %v, want 2", val)
			}
		case "failed":
			if val != 1 {
				t.Errorf("failed = %v, want 1", val)
			}
			if labels["error_kind"] != "BACKEND_EXCHANGE_FAILED" {
				t.Errorf("error_kind = %q, want BACKEND_EXCHANGE_FAILED", labels["error_kind"])
			}
		default:
			t.Errorf("unexpected status label: %s", labels["status"])
		}
	}
}

// TestRecordBusyRejection_IncrementsCounter はビジー拒否カウンタが増加することを検証する。
func TestRecordBusyRejection_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBusyRejection()
	c.RecordBusyRejection()
	c.RecordBusyRejection()

	mf := findFamily(t, reg, "signgate_sign_in_busy_rejections_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 3 {
		t.Errorf("busy_rejections_total = %v, want 3", val)
	}
}

// TestRecordSignOut_SeparatesPartialFailures はサインアウト結果がラベルで区別されることを検証する。
func TestRecordSignOut_SeparatesPartialFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignOut(false)
	c.RecordSignOut(true)

	mf := findFamily(t, reg, "signgate_sign_outs_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
}

// TestSetSessionActive_TogglesGauge はセッションゲージが0/1で切り替わることを検証する。
func TestSetSessionActive_TogglesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetSessionActive(true)
	if val := findFamily(t, reg, "signgate_session_active").GetMetric()[0].GetGauge().GetValue(); val != 1 {
		t.Errorf("session_active = %v, want 1", val)
	}

	c.SetSessionActive(false)
	if val := findFamily(t, reg, "signgate_session_active").GetMetric()[0].GetGauge().GetValue(); val != 0 {
		t.Errorf("session_active = %v, want 0", val)
	}
}

// TestRecordAttemptDuration_ObservesHistogram は所要時間がヒストグラムに記録されることを検証する。
func TestRecordAttemptDuration_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAttemptDuration("silent", 250*time.Millisecond)

	mf := findFamily(t, reg, "signgate_sign_in_duration_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() != 0.25 {
		t.Errorf("sample sum = %v, want 0.25", h.GetSampleSum())
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)

	mf := findFamily(t, reg, "signgate_http_status_total")
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "429":
			if val != 1 {
				t.Errorf("http_status_total{status_code=429} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestNop_DoesNotPanic はNop実装が安全に呼び出せることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	m := Nop()
	m.RecordAttempt("interactive", "failed", "TIMEOUT")
	m.RecordAttemptDuration("interactive", time.Second)
	m.RecordBusyRejection()
	m.RecordSignOut(true)
	m.SetSessionActive(true)
	m.RecordHTTPStatus(500)
}
