package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 模型调用延迟（毫秒）
	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_call_latency_ms",
			Help:    "Schedule extraction model call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"model", "status"},
	)

	// 外部 API 调用延迟（秒）：gmail / imap / calendar / oauth
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_call_duration_seconds",
			Help:    "Mailbox, calendar and OAuth provider call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider", "operation", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Messages handled by the ingestion pipeline, by outcome",
		},
		// outcome: stored, duplicate, spam, extraction_failed, fetch_failed, store_failed, attempts_exhausted
		[]string{"outcome"},
	)

	CalendarEventsStaged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_events_staged_count",
			Help: "Staged calendar events written by the ingestion pipeline",
		},
	)

	CalendarConfirmCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_confirm_count",
			Help: "Calendar confirm attempts, by result",
		},
		[]string{"result"}, // success, upstream_failed, not_found, forbidden
	)

	TokenRefreshCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_count",
			Help: "OAuth access token refreshes, by result",
		},
		[]string{"result"}, // success, failed, skipped
	)

	OutboxDispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_count",
			Help: "Outbox events handed to the broker, by result",
		},
		[]string{"event_type", "result"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Queries slower than the tracer threshold",
		},
		[]string{"statement"},
	)
)

// RecordModelCallLatency 记录模型调用延迟
func RecordModelCallLatency(model, status string, duration time.Duration) {
	ModelCallLatency.WithLabelValues(model, status).Observe(float64(duration.Milliseconds()))
}

// RecordExternalCall 记录外部 API 调用
func RecordExternalCall(provider, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ExternalCallDuration.WithLabelValues(provider, operation, status).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(outcome string) {
	EmailProcessedCount.WithLabelValues(outcome).Inc()
}

func AddCalendarEventsStaged(n int) {
	CalendarEventsStaged.Add(float64(n))
}

func IncrementCalendarConfirm(result string) {
	CalendarConfirmCount.WithLabelValues(result).Inc()
}

func IncrementTokenRefresh(result string) {
	TokenRefreshCount.WithLabelValues(result).Inc()
}

func IncrementOutboxDispatch(eventType, result string) {
	OutboxDispatchCount.WithLabelValues(eventType, result).Inc()
}

// IncrementSlowQuery 记录慢查询；statement 只取第一个关键字，避免标签基数过高
func IncrementSlowQuery(sql string, _ time.Duration) {
	SlowQueryCount.WithLabelValues(statementKind(sql)).Inc()
}

func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}
