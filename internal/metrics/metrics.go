// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 予約結果のラベル値
const (
	OutcomeConfirmed       = "confirmed"
	OutcomeDuplicate       = "duplicate"
	OutcomeSlotUnavailable = "slot_unavailable"
	OutcomeInvalid         = "invalid"
	OutcomeUpstream        = "upstream_unavailable"
	OutcomePartial         = "partial_commit"
	OutcomeReplayed        = "replayed"
	OutcomeError           = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・カレンダーアダプター・ワーカーから利用する。
type MetricsCollector interface {
	RecordBooking(outcome string)
	RecordAvailabilityQuery(kind string)
	RecordUpstreamCall(op string, duration time.Duration, err error)
	RecordPartialCommit(succeededSide string)
	RecordHTTPStatus(statusCode int)
	RecordReconciled(linked, unresolved int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookings        *prometheus.CounterVec
	availability    *prometheus.CounterVec
	upstreamFail    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	partialCommits  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_bookings_total",
			Help: "結果別の予約リクエスト数",
		}, []string{"outcome"}),
		availability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_availability_queries_total",
			Help: "空き状況クエリ数",
		}, []string{"kind"}),
		upstreamFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_upstream_failures_total",
			Help: "外部カレンダー呼び出しの失敗数",
		}, []string{"op"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slotbook_upstream_latency_seconds",
			Help:    "外部カレンダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		partialCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_partial_commits_total",
			Help: "二重書き込みの片側のみが成功した件数",
		}, []string{"succeeded"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotbook_reconciled_bookings_total",
			Help: "照合ジョブで処理した未紐付け予約数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.bookings,
		c.availability,
		c.upstreamFail,
		c.upstreamLatency,
		c.partialCommits,
		c.httpStatus,
		c.reconciled,
	)

	return c
}

// RecordBooking は予約リクエストの結果を記録する。
func (c *Collector) RecordBooking(outcome string) {
	c.bookings.WithLabelValues(outcome).Inc()
}

// RecordAvailabilityQuery は空き状況クエリを記録する。kindは "busy" または "slots"。
func (c *Collector) RecordAvailabilityQuery(kind string) {
	c.availability.WithLabelValues(kind).Inc()
}

// RecordUpstreamCall は外部カレンダー呼び出しのレイテンシと失敗を記録する。
func (c *Collector) RecordUpstreamCall(op string, duration time.Duration, err error) {
	c.upstreamLatency.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		c.upstreamFail.WithLabelValues(op).Inc()
	}
}

// RecordPartialCommit は部分コミットを記録する。succeededSideは "event" または "record"。
func (c *Collector) RecordPartialCommit(succeededSide string) {
	c.partialCommits.WithLabelValues(succeededSide).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordReconciled は照合ジョブの結果を記録する。
func (c *Collector) RecordReconciled(linked, unresolved int) {
	c.reconciled.WithLabelValues("linked").Add(float64(linked))
	c.reconciled.WithLabelValues("unresolved").Add(float64(unresolved))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop は何も記録しないMetricsCollector。メトリクス未設定時とテストで使用する。
type Noop struct{}

func (Noop) RecordBooking(string)                            {}
func (Noop) RecordAvailabilityQuery(string)                  {}
func (Noop) RecordUpstreamCall(string, time.Duration, error) {}
func (Noop) RecordPartialCommit(string)                      {}
func (Noop) RecordHTTPStatus(int)                            {}
func (Noop) RecordReconciled(int, int)                       {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)
