package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 网格指标
	gridsCreated prometheus.Counter
	gridsDeleted prometheus.Counter
	activeGrids  prometheus.Gauge
	gridPrice    *prometheus.GaugeVec
	gridIndex    *prometheus.GaugeVec

	// 更新指标
	priceUpdates    prometheus.Counter
	tradesRecorded  *prometheus.CounterVec
	updateConflicts prometheus.Counter
	updateFailures  prometheus.Counter
	updateLatency   prometheus.Histogram

	// 行情指标
	ticksReceived prometheus.Counter
	feedErrors    prometheus.Counter
	wsConnections prometheus.Counter
	wsDisconnects prometheus.Counter

	// HTTP 指标
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "grid",
		Subsystem: "tracker",
	}
}

// New 创建新的Monitor实例，指标注册在私有 registry 上
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	return &Monitor{
		registry: reg,

		gridsCreated: counter("grids_created_total", "创建网格总数"),
		gridsDeleted: counter("grids_deleted_total", "删除网格总数"),
		activeGrids: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "active_grids", Help: "当前启用的网格数",
		}),
		gridPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "grid_current_price", Help: "网格最新价格",
		}, []string{"grid_id"}),
		gridIndex: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "grid_current_index", Help: "网格当前档位(-1=低于下限)",
		}, []string{"grid_id"}),

		priceUpdates: counter("price_updates_total", "价格更新成功次数"),
		tradesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "trades_recorded_total", Help: "记录成交笔数",
		}, []string{"side"}),
		updateConflicts: counter("update_conflicts_total", "条件更新版本冲突次数"),
		updateFailures:  counter("update_failures_total", "重试耗尽后放弃的更新次数"),
		updateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "update_latency_seconds", Help: "读-改-写更新耗时（秒）",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		ticksReceived: counter("ticks_received_total", "收到的行情数"),
		feedErrors:    counter("feed_errors_total", "行情源错误次数"),
		wsConnections: counter("ws_connections_total", "WebSocket连接次数"),
		wsDisconnects: counter("ws_disconnects_total", "WebSocket断开次数"),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "http_requests_total", Help: "HTTP请求总数",
		}, []string{"method", "route", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "http_latency_seconds", Help: "HTTP请求延迟（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// 网格相关方法
func (m *Monitor) RecordGridCreated() {
	m.gridsCreated.Inc()
}

func (m *Monitor) RecordGridDeleted(gridID string) {
	m.gridsDeleted.Inc()
	m.gridPrice.DeleteLabelValues(gridID)
	m.gridIndex.DeleteLabelValues(gridID)
}

func (m *Monitor) SetActiveGrids(n int) {
	m.activeGrids.Set(float64(n))
}

// UpdateGridPosition 记录价格与档位；index 为 nil 表示低于最低档
func (m *Monitor) UpdateGridPosition(gridID string, price float64, index *int) {
	m.gridPrice.WithLabelValues(gridID).Set(price)
	if index == nil {
		m.gridIndex.WithLabelValues(gridID).Set(-1)
		return
	}
	m.gridIndex.WithLabelValues(gridID).Set(float64(*index))
}

// 更新相关方法
func (m *Monitor) RecordPriceUpdate() {
	m.priceUpdates.Inc()
}

func (m *Monitor) RecordTrade(side string) {
	m.tradesRecorded.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordConflict() {
	m.updateConflicts.Inc()
}

func (m *Monitor) RecordUpdateFailure() {
	m.updateFailures.Inc()
}

func (m *Monitor) RecordUpdateLatency(seconds float64) {
	m.updateLatency.Observe(seconds)
}

// 行情相关方法
func (m *Monitor) RecordTick() {
	m.ticksReceived.Inc()
}

func (m *Monitor) RecordFeedError() {
	m.feedErrors.Inc()
}

func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

// HTTP 相关方法
func (m *Monitor) RecordHTTPRequest(method, route, status string, seconds float64) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(route).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
