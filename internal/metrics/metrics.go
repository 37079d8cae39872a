package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_ws_messages_total", Help: "WS上行消息数"},
		[]string{"action"},
	)
	MessageSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dm_send_latency_ms", Help: "消息发送耗时（入库+写缓存）", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	// op: get/append/refill/invalidate；result: hit/miss/ok/error
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_cache_requests_total", Help: "最近消息缓存访问次数"},
		[]string{"op", "result"},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dm_dispatch_total", Help: "实时投递结果"},
		[]string{"outcome"},
	)
	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dm_online_users", Help: "本实例在线连接数"},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(MessageSendLatency)
	prometheus.MustRegister(CacheRequests)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(OnlineUsers)
}
