// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信結果のラベル値
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomePanic     = "panic"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 上流クライアント、ハブ、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordUpstreamRequest(service string, statusCode int, duration time.Duration)
	RecordPageSizeCapped(resource string)
	SetSubscribers(count int)
	RecordPublish()
	RecordDelivery(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	pageSizeCapped   *prometheus.CounterVec
	subscribers      prometheus.Gauge
	publishes        prometheus.Counter
	deliveries       *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "上流サービスへのリクエスト数（ステータスコード別、到達不能は0）",
		}, []string{"service", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "上流サービスへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		pageSizeCapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_page_size_capped_total",
			Help: "ページサイズが上限で切り詰められたクエリ数",
		}, []string{"resource"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_hub_subscribers",
			Help: "ハブに登録中の購読者数",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_hub_publish_total",
			Help: "ハブへのパブリッシュ回数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_hub_deliveries_total",
			Help: "購読者への配信結果別の件数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.pageSizeCapped,
		c.subscribers,
		c.publishes,
		c.deliveries,
		c.httpStatus,
	)

	return c
}

// RecordUpstreamRequest は上流リクエストの結果とレイテンシを記録する。
func (c *Collector) RecordUpstreamRequest(service string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(service, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordPageSizeCapped はページサイズの切り詰めを記録する。
func (c *Collector) RecordPageSizeCapped(resource string) {
	c.pageSizeCapped.WithLabelValues(resource).Inc()
}

// SetSubscribers は現在の購読者数を設定する。
func (c *Collector) SetSubscribers(count int) {
	c.subscribers.Set(float64(count))
}

// RecordPublish はパブリッシュを記録する。
func (c *Collector) RecordPublish() {
	c.publishes.Inc()
}

// RecordDelivery は1購読者への配信結果を記録する。
func (c *Collector) RecordDelivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordUpstreamRequest(string, int, time.Duration) {}
func (Nop) RecordPageSizeCapped(string)                      {}
func (Nop) SetSubscribers(int)                               {}
func (Nop) RecordPublish()                                   {}
func (Nop) RecordDelivery(string)                            {}
func (Nop) RecordHTTPStatus(int)                             {}

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
