// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハーベストワーカー、死活監視、セキュリティプロキシから利用する。
type MetricsCollector interface {
	RecordHarvestSuccess(serviceType string)
	RecordHarvestFailure(serviceType string, reason string)
	RecordHarvestRetry()
	RecordHTTPStatus(statusCode int)
	RecordHarvestDuration(duration time.Duration)
	RecordLayersHarvested(count int)
	RecordMetadataRecords(count int)
	RecordMonitoringCheck(available bool, duration time.Duration)
	RecordProxyRequest(operation string, allowed bool, statusCode int, duration time.Duration)
	RecordBreakerStateChange(state string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	harvestSuccess    *prometheus.CounterVec
	harvestFail       *prometheus.CounterVec
	harvestRetry      prometheus.Counter
	httpStatus        *prometheus.CounterVec
	harvestDuration   prometheus.Histogram
	layersHarvested   prometheus.Counter
	metadataRecords   prometheus.Counter
	monitoringChecks  *prometheus.CounterVec
	monitoringLatency prometheus.Histogram
	proxyRequests     *prometheus.CounterVec
	proxyLatency      prometheus.Histogram
	breakerChanges    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		harvestSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_harvest_success_total",
			Help: "ハーベスト成功の合計数",
		}, []string{"service_type"}),
		harvestFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_harvest_fail_total",
			Help: "ハーベスト失敗（恒久的）の合計数",
		}, []string{"service_type", "reason"}),
		harvestRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrmap_harvest_retry_total",
			Help: "リトライ予約されたハーベストの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_upstream_http_status_total",
			Help: "取得先サービスのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		harvestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrmap_harvest_duration_seconds",
			Help:    "ハーベストジョブ1件の所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		layersHarvested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrmap_layers_harvested_total",
			Help: "保存されたレイヤとフィーチャタイプの合計数",
		}),
		metadataRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mrmap_metadata_records_total",
			Help: "保存されたメタデータレコードの合計数",
		}),
		monitoringChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_monitoring_checks_total",
			Help: "死活監視の実行数（結果別）",
		}, []string{"available"}),
		monitoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrmap_monitoring_latency_seconds",
			Help:    "死活監視のGetCapabilities応答時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_proxy_requests_total",
			Help: "セキュリティプロキシのリクエスト数",
		}, []string{"operation", "allowed", "status_code"}),
		proxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mrmap_proxy_latency_seconds",
			Help:    "セキュリティプロキシの応答時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrmap_proxy_breaker_transitions_total",
			Help: "サーキットブレーカーの状態遷移数（遷移先別）",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.harvestSuccess,
		c.harvestFail,
		c.harvestRetry,
		c.httpStatus,
		c.harvestDuration,
		c.layersHarvested,
		c.metadataRecords,
		c.monitoringChecks,
		c.monitoringLatency,
		c.proxyRequests,
		c.proxyLatency,
		c.breakerChanges,
	)

	return c
}

// RecordHarvestSuccess はハーベスト成功を記録する。
func (c *Collector) RecordHarvestSuccess(serviceType string) {
	c.harvestSuccess.WithLabelValues(serviceType).Inc()
}

// RecordHarvestFailure は恒久的なハーベスト失敗を記録する。
func (c *Collector) RecordHarvestFailure(serviceType string, reason string) {
	c.harvestFail.WithLabelValues(serviceType, reason).Inc()
}

// RecordHarvestRetry はリトライ予約を記録する。
func (c *Collector) RecordHarvestRetry() {
	c.harvestRetry.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordHarvestDuration はハーベストの所要時間を記録する。
func (c *Collector) RecordHarvestDuration(duration time.Duration) {
	c.harvestDuration.Observe(duration.Seconds())
}

// RecordLayersHarvested は保存したレイヤ数を記録する。
func (c *Collector) RecordLayersHarvested(count int) {
	c.layersHarvested.Add(float64(count))
}

// RecordMetadataRecords は保存したメタデータレコード数を記録する。
func (c *Collector) RecordMetadataRecords(count int) {
	c.metadataRecords.Add(float64(count))
}

// RecordMonitoringCheck は死活監視の結果を記録する。
func (c *Collector) RecordMonitoringCheck(available bool, duration time.Duration) {
	c.monitoringChecks.WithLabelValues(strconv.FormatBool(available)).Inc()
	c.monitoringLatency.Observe(duration.Seconds())
}

// RecordProxyRequest はプロキシ経由のリクエストを記録する。
func (c *Collector) RecordProxyRequest(operation string, allowed bool, statusCode int, duration time.Duration) {
	c.proxyRequests.WithLabelValues(operation, strconv.FormatBool(allowed), strconv.Itoa(statusCode)).Inc()
	c.proxyLatency.Observe(duration.Seconds())
}

// RecordBreakerStateChange はサーキットブレーカーの状態遷移を記録する。
func (c *Collector) RecordBreakerStateChange(state string) {
	c.breakerChanges.WithLabelValues(state).Inc()
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
