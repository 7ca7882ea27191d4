// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthMetrics はサインイン状態機械から利用するメトリクス収集のインターフェース。
type AuthMetrics interface {
	RecordAttempt(mode, status, errorKind string)
	RecordAttemptDuration(mode string, duration time.Duration)
	RecordBusyRejection()
	RecordSignOut(failed bool)
	SetSessionActive(active bool)
}

// HTTPMetrics はHTTPミドルウェアから利用するメトリクス収集のインターフェース。
type HTTPMetrics interface {
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	busyRejections  prometheus.Counter
	signOuts        *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_sign_in_attempts_total",
			Help: "完了したサインイン試行の合計数",
		}, []string{"mode", "status", "error_kind"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signgate_sign_in_duration_seconds",
			Help:    "サインイン試行の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signgate_sign_in_busy_rejections_total",
			Help: "試行中のため拒否されたサインイン要求の合計数",
		}),
		signOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_sign_outs_total",
			Help: "サインアウトの合計数（外部無効化の失敗有無別）",
		}, []string{"result"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signgate_session_active",
			Help: "サインイン済みセッションが存在する場合は1",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.attempts,
		c.attemptDuration,
		c.busyRejections,
		c.signOuts,
		c.sessionActive,
		c.httpStatus,
	)

	return c
}

// RecordAttempt は完了したサインイン試行を記録する。
func (c *Collector) RecordAttempt(mode, status, errorKind string) {
	c.attempts.WithLabelValues(mode, status, errorKind).Inc()
}

// RecordAttemptDuration はサインイン試行の所要時間を記録する。
func (c *Collector) RecordAttemptDuration(mode string, duration time.Duration) {
	c.attemptDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordBusyRejection はビジーによる拒否を記録する。
func (c *Collector) RecordBusyRejection() {
	c.busyRejections.Inc()
}

// RecordSignOut はサインアウトを記録する。
func (c *Collector) RecordSignOut(failed bool) {
	result := "ok"
	if failed {
		result = "partial"
	}
	c.signOuts.WithLabelValues(result).Inc()
}

// SetSessionActive はセッション有無のゲージを更新する。
func (c *Collector) SetSessionActive(active bool) {
	if active {
		c.sessionActive.Set(1)
		return
	}
	c.sessionActive.Set(0)
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type nop struct{}

func (nop) RecordAttempt(string, string, string)        {}
func (nop) RecordAttemptDuration(string, time.Duration) {}
func (nop) RecordBusyRejection()                        {}
func (nop) RecordSignOut(bool)                          {}
func (nop) SetSessionActive(bool)                       {}
func (nop) RecordHTTPStatus(int)                        {}

// Nop は何も記録しない実装を返す。
func Nop() interface {
	AuthMetrics
	HTTPMetrics
} {
	return nop{}
}

// compile-time interface checks
var (
	_ AuthMetrics = (*Collector)(nil)
	_ HTTPMetrics = (*Collector)(nil)
)
