package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 流量方向标签
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// PerformanceMonitor 性能监控器。原子计数器用于退出时的摘要，
// 同时把同样的事件写入私有 Prometheus 注册表
type PerformanceMonitor struct {
	// 计数器
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	rejected          atomic.Int64
	framesIn          atomic.Int64
	framesOut         atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	logins            atomic.Int64
	protocolErrors    atomic.Int64

	startTime time.Time

	registry *prometheus.Registry
	metrics  *metrics
}

// NewPerformanceMonitor 创建性能监控器
func NewPerformanceMonitor() *PerformanceMonitor {
	reg := prometheus.NewRegistry()
	return &PerformanceMonitor{
		startTime: time.Now(),
		registry:  reg,
		metrics:   newMetrics(reg, "mc"),
	}
}

// Registry Prometheus 注册表
func (pm *PerformanceMonitor) Registry() *prometheus.Registry { return pm.registry }

// RecordConnection 记录新连接
func (pm *PerformanceMonitor) RecordConnection() {
	pm.totalConnections.Add(1)
	pm.activeConnections.Add(1)
	pm.metrics.connectionsTotal.Inc()
	pm.metrics.activeConnections.Inc()
}

// RecordConnectionClose 记录连接关闭
func (pm *PerformanceMonitor) RecordConnectionClose() {
	pm.activeConnections.Add(-1)
	pm.metrics.activeConnections.Dec()
}

// RecordRejected 记录准入拒绝（限流、黑名单、连接数上限）
func (pm *PerformanceMonitor) RecordRejected(reason string) {
	pm.rejected.Add(1)
	pm.metrics.rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordBytes 记录线路字节数
func (pm *PerformanceMonitor) RecordBytes(direction string, n int) {
	if direction == DirectionIn {
		pm.bytesIn.Add(int64(n))
	} else {
		pm.bytesOut.Add(int64(n))
	}
	pm.metrics.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordFrame 记录一个完整帧
func (pm *PerformanceMonitor) RecordFrame(direction string) {
	if direction == DirectionIn {
		pm.framesIn.Add(1)
	} else {
		pm.framesOut.Add(1)
	}
	pm.metrics.framesTotal.WithLabelValues(direction).Inc()
}

// RecordProtocolError 记录导致连接关闭的协议错误
func (pm *PerformanceMonitor) RecordProtocolError(kind string) {
	pm.protocolErrors.Add(1)
	pm.metrics.protocolErrors.WithLabelValues(kind).Inc()
}

// RecordUnknownMessage 记录被跳过的未知消息
func (pm *PerformanceMonitor) RecordUnknownMessage(state string) {
	pm.metrics.unknownMessages.WithLabelValues(state).Inc()
}

// RecordTransition 记录状态转移
func (pm *PerformanceMonitor) RecordTransition(from, to string) {
	pm.metrics.transitions.WithLabelValues(from, to).Inc()
}

// RecordLogin 记录登录结果
func (pm *PerformanceMonitor) RecordLogin(result string, elapsed time.Duration) {
	if result == "success" {
		pm.logins.Add(1)
	}
	pm.metrics.loginsTotal.WithLabelValues(result).Inc()
	pm.metrics.loginDuration.Observe(elapsed.Seconds())
}

// ActiveConnections 当前活跃连接数
func (pm *PerformanceMonitor) ActiveConnections() int64 {
	return pm.activeConnections.Load()
}

// GetStats 获取性能统计
func (pm *PerformanceMonitor) GetStats() map[string]any {
	uptime := time.Since(pm.startTime)

	// 内存统计
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		// 连接统计
		"total_connections":  pm.totalConnections.Load(),
		"active_connections": pm.activeConnections.Load(),
		"rejected":           pm.rejected.Load(),
		"frames_in":          pm.framesIn.Load(),
		"frames_out":         pm.framesOut.Load(),
		"bytes_in":           pm.bytesIn.Load(),
		"bytes_out":          pm.bytesOut.Load(),
		"logins":             pm.logins.Load(),
		"protocol_errors":    pm.protocolErrors.Load(),

		// 系统统计
		"uptime_seconds":  uptime.Seconds(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_alloc_mb": float64(m.Alloc) / 1024 / 1024,
		"gc_count":        m.NumGC,
	}
}

// GetConnectionRate 获取连接速率
func (pm *PerformanceMonitor) GetConnectionRate() float64 {
	uptime := time.Since(pm.startTime).Seconds()
	if uptime == 0 {
		return 0
	}
	return float64(pm.totalConnections.Load()) / uptime
}

// GetThroughput 获取吞吐量（字节/秒）
func (pm *PerformanceMonitor) GetThroughput() float64 {
	uptime := time.Since(pm.startTime).Seconds()
	if uptime == 0 {
		return 0
	}
	return float64(pm.bytesIn.Load()+pm.bytesOut.Load()) / uptime
}
