// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// メッセージ取り込み元のラベル値。
const (
	SourceCatchUp = "catch_up"
	SourceStream  = "stream"
)

// 照合結果のラベル値。
const (
	ResultInserted   = "inserted"
	ResultDuplicate  = "duplicate"
	ResultTombstoned = "tombstoned"
)

// Collector はPrometheusメトリクスを収集する実装。
// transport.MetricsRecorder と message.Recorder を満たす。
type Collector struct {
	received      *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	fetchFail     *prometheus.CounterVec
	streamsActive prometheus.Gauge
	streamEnds    *prometheus.CounterVec
	notifications prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushbox_messages_received_total",
			Help: "取り込み元別の受信メッセージ数",
		}, []string{"source"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushbox_messages_reconciled_total",
			Help: "照合結果別のメッセージ数",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pushbox_fetch_latency_seconds",
			Help:    "メッセージ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushbox_fetch_failures_total",
			Help: "エラー分類別のメッセージ取得失敗数",
		}, []string{"kind"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushbox_streams_active",
			Help: "接続中のストリーム数",
		}),
		streamEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushbox_stream_ends_total",
			Help: "終了理由別のストリーム終了数",
		}, []string{"reason"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushbox_notifications_total",
			Help: "スケジュールした通知の合計数",
		}),
	}

	reg.MustRegister(
		c.received,
		c.reconciled,
		c.fetchLatency,
		c.fetchFail,
		c.streamsActive,
		c.streamEnds,
		c.notifications,
	)

	return c
}

// ObserveFetchLatency はメッセージ取得のレイテンシを記録する。
func (c *Collector) ObserveFetchLatency(d time.Duration) {
	c.fetchLatency.Observe(d.Seconds())
}

// IncFetchFailure は取得失敗をエラー分類別に記録する。
func (c *Collector) IncFetchFailure(kind string) {
	c.fetchFail.WithLabelValues(kind).Inc()
}

// StreamStarted は接続中のストリーム数を1増やす。
func (c *Collector) StreamStarted() {
	c.streamsActive.Inc()
}

// StreamEnded は接続中のストリーム数を1減らし、終了理由を記録する。
func (c *Collector) StreamEnded(reason string) {
	c.streamsActive.Dec()
	c.streamEnds.WithLabelValues(reason).Inc()
}

// MessageReceived は取り込み元別に受信を記録する。
func (c *Collector) MessageReceived(source string) {
	c.received.WithLabelValues(source).Inc()
}

// MessageReconciled は照合結果を記録する。
func (c *Collector) MessageReconciled(result string) {
	c.reconciled.WithLabelValues(result).Inc()
}

// NotificationScheduled は通知のスケジュールを記録する。
func (c *Collector) NotificationScheduled() {
	c.notifications.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
