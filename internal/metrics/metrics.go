// Package metrics 会话引擎的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixel_inspector"

// 丢弃原因
const (
	ReasonTabUnresolved = "tab_unresolved"
	ReasonQueueFull     = "queue_full"
	ReasonInvalid       = "invalid"
	ReasonStorage       = "storage"
)

// Metrics 指标集合，nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	factsHandled      *prometheus.CounterVec
	factsDropped      *prometheus.CounterVec
	storeUpdates      *prometheus.CounterVec
	broadcastsDropped prometheus.Counter
	subscribers       prometheus.Gauge
	poolRunning       prometheus.Gauge
	targets           prometheus.Gauge
}

// New 在独立的注册表上创建指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		factsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facts",
			Name:      "handled_total",
			Help:      "Messages applied to a session, by message type",
		}, []string{"type"}),
		factsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facts",
			Name:      "dropped_total",
			Help:      "Messages dropped before reaching the store, by type and reason",
		}, []string{"type", "reason"}),
		storeUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Session store operations, by operation and result",
		}, []string{"op", "result"}),
		broadcastsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Session updates dropped because a subscriber buffer was full",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Currently attached session observers",
		}),
		poolRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "running",
			Help:      "Fact tasks currently executing",
		}),
		targets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "targets",
			Help:      "Browser page targets currently attached",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FactHandled 记录一条已处理的消息
func (m *Metrics) FactHandled(msgType string) {
	if m == nil {
		return
	}
	m.factsHandled.WithLabelValues(msgType).Inc()
}

// FactDropped 记录一条被丢弃的消息
func (m *Metrics) FactDropped(msgType, reason string) {
	if m == nil {
		return
	}
	m.factsDropped.WithLabelValues(msgType, reason).Inc()
}

// StoreOp 记录一次存储操作结果
func (m *Metrics) StoreOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeUpdates.WithLabelValues(op, result).Inc()
}

// BroadcastDropped 记录一次被丢弃的广播
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastsDropped.Inc()
}

// SetSubscribers 设置当前订阅者数量
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SetPoolRunning 设置工作池运行中的任务数
func (m *Metrics) SetPoolRunning(n int) {
	if m == nil {
		return
	}
	m.poolRunning.Set(float64(n))
}

// SetTargets 设置已附加的浏览器目标数量
func (m *Metrics) SetTargets(n int) {
	if m == nil {
		return
	}
	m.targets.Set(float64(n))
}
