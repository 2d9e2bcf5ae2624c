package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法在 nil 接收者上是空操作，未启用指标的组件可以直接传 nil。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入库指标
	MessagesFetched    *prometheus.CounterVec
	MessagesDuplicates *prometheus.CounterVec
	MessagesStored     *prometheus.CounterVec

	// 分类与批处理指标
	ClassificationDuration *prometheus.HistogramVec
	PipelineItems          *prometheus.CounterVec
	TicketsCreated         *prometheus.CounterVec

	// 搜索索引指标
	IndexFailures *prometheus.CounterVec
	IndexReplays  *prometheus.CounterVec
	ReplayBacklog prometheus.Gauge

	// 系统指标
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	WebsocketClients    prometheus.Gauge
	PanicsTotal         prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics 创建监控指标并注册到默认注册表
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry 创建监控指标并注册到指定注册表（测试使用独立注册表）
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abusedesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_messages_fetched_total",
				Help: "Total number of messages fetched from sources",
			},
			[]string{"source"},
		),

		MessagesDuplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_messages_duplicates_total",
				Help: "Total number of fetched messages skipped as duplicates",
			},
			[]string{"source"},
		),

		MessagesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_messages_stored_total",
				Help: "Total number of messages stored",
			},
			[]string{"source"},
		),

		ClassificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abusedesk_classification_duration_seconds",
				Help:    "Threat classification duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"outcome"},
		),

		PipelineItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_pipeline_items_total",
				Help: "Total number of batch items by final state",
			},
			[]string{"state"},
		),

		TicketsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_tickets_created_total",
				Help: "Total number of tickets created",
			},
			[]string{"ticket_type", "origin"},
		),

		IndexFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_index_failures_total",
				Help: "Total number of failed search index writes",
			},
			[]string{"index", "operation"},
		),

		IndexReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abusedesk_index_replays_total",
				Help: "Total number of replayed search index writes by outcome",
			},
			[]string{"outcome"},
		),

		ReplayBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abusedesk_index_replay_backlog",
				Help: "Number of search index writes waiting for replay",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abusedesk_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		DatabaseConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abusedesk_database_connections",
				Help: "Number of acquired database connections",
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abusedesk_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "abusedesk_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordIngest 记录一次入库的结果
func (m *Metrics) RecordIngest(source string, fetched, duplicates, stored int) {
	if m == nil {
		return
	}
	m.MessagesFetched.WithLabelValues(source).Add(float64(fetched))
	m.MessagesDuplicates.WithLabelValues(source).Add(float64(duplicates))
	m.MessagesStored.WithLabelValues(source).Add(float64(stored))
}

// RecordClassification 记录一次分类调用
func (m *Metrics) RecordClassification(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ClassificationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPipelineItem 记录批处理条目的最终状态
func (m *Metrics) RecordPipelineItem(state string) {
	if m == nil {
		return
	}
	m.PipelineItems.WithLabelValues(state).Inc()
}

// RecordTicketCreated 记录工单创建，origin 为 "pipeline" 或 "api"
func (m *Metrics) RecordTicketCreated(ticketType, origin string) {
	if m == nil {
		return
	}
	m.TicketsCreated.WithLabelValues(ticketType, origin).Inc()
}

// RecordIndexFailure 记录索引写入失败
func (m *Metrics) RecordIndexFailure(index, operation string) {
	if m == nil {
		return
	}
	m.IndexFailures.WithLabelValues(index, operation).Inc()
}

// RecordIndexReplay 记录重放结果："succeeded"、"requeued" 或 "dropped"
func (m *Metrics) RecordIndexReplay(outcome string) {
	if m == nil {
		return
	}
	m.IndexReplays.WithLabelValues(outcome).Inc()
}

// UpdateReplayBacklog 更新重放积压量
func (m *Metrics) UpdateReplayBacklog(count int64) {
	if m == nil {
		return
	}
	m.ReplayBacklog.Set(float64(count))
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateDatabaseConnections 更新数据库连接数
func (m *Metrics) UpdateDatabaseConnections(count int) {
	if m == nil {
		return
	}
	m.DatabaseConnections.Set(float64(count))
}

// UpdateWebsocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
