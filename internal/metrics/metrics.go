// Package metrics 暴露桥接服务的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhooksTotal 按处理结果统计 webhook：placed/flattened/already_flat/flatten_disabled/rejected/failed。
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhooks_total",
			Help: "Webhooks handled, by outcome",
		},
		[]string{"outcome"},
	)

	// OrdersTotal 统计成功提交到券商的市价单。
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_orders_total",
			Help: "Market orders accepted by the broker, by action",
		},
		[]string{"action"},
	)

	// TokenRefreshesTotal 统计访问令牌刷新：ok/error。
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_token_refreshes_total",
			Help: "Access token refreshes against the auth endpoint, by result",
		},
		[]string{"result"},
	)

	// BrokerRequestsTotal 按路径与状态码统计券商 HTTP 调用，code=0 表示未拿到响应。
	BrokerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_broker_requests_total",
			Help: "HTTP calls issued to the broker, by path and status code",
		},
		[]string{"path", "code"},
	)

	BrokerRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_broker_request_seconds",
			Help:    "Latency of HTTP calls issued to the broker",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(WebhooksTotal, OrdersTotal, TokenRefreshesTotal)
	prometheus.MustRegister(BrokerRequestsTotal, BrokerRequestSeconds)
}

// ObserveBrokerCall 记录一次券商调用。
func ObserveBrokerCall(path string, status int, latency time.Duration) {
	BrokerRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	BrokerRequestSeconds.WithLabelValues(path).Observe(latency.Seconds())
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
