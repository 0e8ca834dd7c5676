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
// 認証情報ストア、検索コーディネーター、候補エンジン、APIクライアントから利用する。
type MetricsCollector interface {
	RecordCredentialRefresh(success bool)
	RecordSearch(success bool)
	RecordSearchLatency(duration time.Duration)
	RecordSuggestIssued()
	RecordSuggestDiscarded()
	RecordSuggestFailure()
	RecordUpstreamStatus(api string, statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	credentialRefresh *prometheus.CounterVec
	searches          *prometheus.CounterVec
	searchLatency     prometheus.Histogram
	suggestIssued     prometheus.Counter
	suggestDiscarded  prometheus.Counter
	suggestFail       prometheus.Counter
	upstreamStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petsearch_credential_refresh_total",
			Help: "認証情報の更新回数（結果別）",
		}, []string{"result"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petsearch_search_total",
			Help: "検索APIの呼び出し回数（結果別）",
		}, []string{"result"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "petsearch_search_latency_seconds",
			Help:    "検索APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		suggestIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petsearch_suggest_issued_total",
			Help: "発行したロケーション候補取得の合計数",
		}),
		suggestDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petsearch_suggest_discarded_total",
			Help: "新しいリクエストに追い越されて破棄された候補結果の合計数",
		}),
		suggestFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petsearch_suggest_fail_total",
			Help: "ロケーション候補取得失敗の合計数",
		}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petsearch_upstream_status_total",
			Help: "外部API別・HTTPステータスコード別のレスポンス数",
		}, []string{"api", "status_code"}),
	}

	reg.MustRegister(
		c.credentialRefresh,
		c.searches,
		c.searchLatency,
		c.suggestIssued,
		c.suggestDiscarded,
		c.suggestFail,
		c.upstreamStatus,
	)

	return c
}

// RecordCredentialRefresh は認証情報の更新結果を記録する。
func (c *Collector) RecordCredentialRefresh(success bool) {
	c.credentialRefresh.WithLabelValues(resultLabel(success)).Inc()
}

// RecordSearch は検索の結果を記録する。
func (c *Collector) RecordSearch(success bool) {
	c.searches.WithLabelValues(resultLabel(success)).Inc()
}

// RecordSearchLatency は検索のレイテンシを記録する。
func (c *Collector) RecordSearchLatency(duration time.Duration) {
	c.searchLatency.Observe(duration.Seconds())
}

// RecordSuggestIssued は候補取得の発行を記録する。
func (c *Collector) RecordSuggestIssued() {
	c.suggestIssued.Inc()
}

// RecordSuggestDiscarded は古い候補結果の破棄を記録する。
func (c *Collector) RecordSuggestDiscarded() {
	c.suggestDiscarded.Inc()
}

// RecordSuggestFailure は候補取得の失敗を記録する。
func (c *Collector) RecordSuggestFailure() {
	c.suggestFail.Inc()
}

// RecordUpstreamStatus は外部APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(api string, statusCode int) {
	c.upstreamStatus.WithLabelValues(api, strconv.Itoa(statusCode)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// nopCollector は何も記録しないMetricsCollector。
type nopCollector struct{}

// NewNopCollector は何も記録しないMetricsCollectorを返す。
// テストやメトリクス無効時に使用する。
func NewNopCollector() MetricsCollector {
	return nopCollector{}
}

func (nopCollector) RecordCredentialRefresh(bool) {}
func (nopCollector) RecordSearch(bool) {}
func (nopCollector) RecordSearchLatency(time.Duration) {}
func (nopCollector) RecordSuggestIssued() {}
func (nopCollector) RecordSuggestDiscarded() {}
func (nopCollector) RecordSuggestFailure() {}
func (nopCollector) RecordUpstreamStatus(string, int) {}

// RegisterRateLimitClients は流入レート制限で管理中のクライアント数をゲージとして登録する。
// limiterごとに呼び出す。
func RegisterRateLimitClients(reg prometheus.Registerer, limiter string, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "petsearch_ratelimit_clients",
		Help:        "レート制限で追跡中の接続元数",
		ConstLabels: prometheus.Labels{"limiter": limiter},
	}, func() float64 {
		return float64(count())
	}))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
