// Package metrics はマーケットプレイスのPrometheusメトリクス
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "millow"

var (
	// HTTPRequestsTotal はメソッド・ルート・ステータス別のリクエスト数
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration はメソッド・ルート別のレイテンシ
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChainReadsTotal はコントラクト読み取り回数
	ChainReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_reads_total",
			Help:      "Total contract read calls by method and result.",
		},
		[]string{"method", "result"},
	)

	// TxSubmissionsTotal は署名済みトランザクションの送信回数
	TxSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submissions_total",
			Help:      "Total transaction submissions by method and result.",
		},
		[]string{"method", "result"},
	)

	// ConfirmationDuration は送信からレシート取得までの時間
	ConfirmationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tx_confirmation_seconds",
		Help:      "Time spent waiting for a transaction receipt in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
	})

	// ActionStepsTotal はアクションのステップ実行回数
	ActionStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_steps_total",
			Help:      "Total escrow action steps by action, step, and result.",
		},
		[]string{"action", "step", "result"},
	)

	// ActionsInFlight は実行中のアクション数
	ActionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "actions_in_flight",
		Help:      "Number of escrow actions currently running.",
	})

	// ResolveDuration はエスクロー状態の読み取り1回分の時間
	ResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_resolve_seconds",
		Help:      "Duration of a full escrow status resolve in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ResolvesTotal はエスクロー状態の読み取り回数
	ResolvesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_resolves_total",
			Help:      "Total escrow status resolves by result.",
		},
		[]string{"result"},
	)

	// CatalogLoadsTotal はカタログ読み込み回数
	CatalogLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_loads_total",
			Help:      "Total listing catalog loads by result.",
		},
		[]string{"result"},
	)

	// MetadataFetchesTotal はメタデータ取得回数
	MetadataFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_fetches_total",
			Help:      "Total listing metadata fetches by result.",
		},
		[]string{"result"},
	)

	// CatalogSize は直近に読み込んだカタログの物件数
	CatalogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_listings",
		Help:      "Number of listings in the last loaded catalog.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChainReadsTotal,
		TxSubmissionsTotal,
		ConfirmationDuration,
		ActionStepsTotal,
		ActionsInFlight,
		ResolveDuration,
		ResolvesTotal,
		CatalogLoadsTotal,
		MetadataFetchesTotal,
		CatalogSize,
	)
}

// Handler は /metrics 用のハンドラー
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware はリクエスト数とレイテンシを記録する。
// ラベルにはパスではなく mux のルートテンプレートを使う
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
