package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gearbot/msglog/internal/domain/messagelog"
)

const namespace = "msglog"

// Metrics 消息日志的 Prometheus 指标
//
// Metrics implements messagelog.Recorder. All collectors are registered on the
// registry passed to NewMetrics so tests can use a private one.
type Metrics struct {
	registry *prometheus.Registry

	messagesAdmitted   prometheus.Counter
	messagesDuplicate  prometheus.Counter
	messagesFlushed    prometheus.Counter
	messagesExcluded   prometheus.Counter
	flushesTotal       *prometheus.CounterVec
	flushDuration      prometheus.Histogram
	flushAttempts      prometheus.Histogram
	bufferPending      prometheus.Gauge
	lastFlushTimestamp prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var _ messagelog.Recorder = (*Metrics)(nil)

// NewMetrics 创建并注册指标. reg 为 nil 时使用新的私有注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		messagesAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_admitted_total",
			Help:      "Messages admitted into the write buffer",
		}),
		messagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Message events suppressed by the buffer's dedup window",
		}),
		messagesFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_flushed_total",
			Help:      "Messages written to the store",
		}),
		messagesExcluded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_excluded_total",
			Help:      "Messages dropped from a batch because the store already had them",
		}),
		flushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush executions by outcome",
		}, []string{"outcome"}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of non-empty flushes",
			Buckets:   prometheus.DefBuckets,
		}),
		flushAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_attempts",
			Help:      "Store calls needed per non-empty flush",
			Buckets:   []float64{1, 2, 3, 5, 10, 25},
		}),
		bufferPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pending",
			Help:      "Records waiting for the next flush",
		}),
		lastFlushTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_flush_timestamp_seconds",
			Help:      "Unix time of the last successful flush",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveInsert 记录一次写入缓冲的结果
func (m *Metrics) ObserveInsert(admitted bool) {
	if admitted {
		m.messagesAdmitted.Inc()
		return
	}
	m.messagesDuplicate.Inc()
}

// ObserveFlush 记录一次刷盘
func (m *Metrics) ObserveFlush(res messagelog.FlushResult) {
	switch {
	case res.Err != nil:
		m.flushesTotal.WithLabelValues("failed").Inc()
	case res.Captured == 0:
		m.flushesTotal.WithLabelValues("empty").Inc()
		m.lastFlushTimestamp.Set(float64(res.FinishedAt.Unix()))
		return
	default:
		m.flushesTotal.WithLabelValues("ok").Inc()
		m.messagesFlushed.Add(float64(res.Inserted))
		m.lastFlushTimestamp.Set(float64(res.FinishedAt.Unix()))
	}
	m.messagesExcluded.Add(float64(len(res.Excluded)))
	m.flushDuration.Observe(res.Duration.Seconds())
	m.flushAttempts.Observe(float64(res.Attempts))
}

// SetBuffered 更新缓冲区待写数量
func (m *Metrics) SetBuffered(pending int) {
	m.bufferPending.Set(float64(pending))
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route string, status int, latency time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
