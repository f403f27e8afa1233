// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector は配信パイプラインのPrometheusメトリクスを収集する。
type Collector struct {
	publishTotal     *prometheus.CounterVec
	platformOutcome  *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	tickPostsScanned prometheus.Counter
	persistFailures  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postdeck_publish_total",
			Help: "配信試行の合計数（結果ステータス・契機別）",
		}, []string{"status", "trigger"}),
		platformOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postdeck_platform_outcome_total",
			Help: "プラットフォーム別の配信結果の合計数",
		}, []string{"platform", "result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postdeck_dispatch_latency_seconds",
			Help:    "1投稿の全プラットフォーム配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tickPostsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_tick_posts_scanned_total",
			Help: "スケジューラが処理対象として取得した投稿の合計数",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postdeck_persist_failures_total",
			Help: "配信後の結果永続化失敗の合計数",
		}),
	}

	reg.MustRegister(
		c.publishTotal,
		c.platformOutcome,
		c.dispatchLatency,
		c.tickPostsScanned,
		c.persistFailures,
	)

	return c
}

// RecordPublish は配信試行1回分の結果ステータスを記録する。
func (c *Collector) RecordPublish(status, trigger string) {
	c.publishTotal.WithLabelValues(status, trigger).Inc()
}

// RecordPlatformOutcome はプラットフォーム別の配信結果を記録する。
// resultは "success" または "failure"。
func (c *Collector) RecordPlatformOutcome(platform string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.platformOutcome.WithLabelValues(platform, result).Inc()
}

// RecordDispatchLatency は1投稿の配信レイテンシを記録する。
func (c *Collector) RecordDispatchLatency(duration time.Duration) {
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordPostsScanned はティックで取得した投稿数を記録する。
func (c *Collector) RecordPostsScanned(count int) {
	c.tickPostsScanned.Add(float64(count))
}

// RecordPersistFailure は結果永続化の失敗を記録する。
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
