package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mc-conn-engine/internal/config"
)

// RateLimiter 新连接准入限流：全局令牌桶 + 每 IP 令牌桶
type RateLimiter struct {
	ipLimit         int
	cleanupInterval time.Duration
	logger          zerolog.Logger
	globalLimiter   *rate.Limiter
	ipLimiters      sync.Map // map[string]*IPLimiterInfo

	// 统计信息
	allowed   atomic.Int64
	rejected  atomic.Int64
	startTime time.Time
}

// IPLimiterInfo IP 限流器信息
type IPLimiterInfo struct {
	Limiter      *rate.Limiter
	RequestCount atomic.Int64
	FirstRequest time.Time
	lastRequest  atomic.Int64 // Unix 纳秒
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg config.RateLimitConfig, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		ipLimit:         cfg.IPLimit,
		cleanupInterval: cfg.CleanupInterval,
		logger:          logger.With().Str("component", "rate_limiter").Logger(),
		globalLimiter:   rate.NewLimiter(rate.Limit(cfg.GlobalLimit), cfg.GlobalLimit),
		startTime:       time.Now(),
	}
}

// Allow 检查是否允许该 IP 建立新连接
func (rl *RateLimiter) Allow(ip string) bool {
	// 检查全局限流
	if !rl.globalLimiter.Allow() {
		rl.rejected.Add(1)
		rl.logger.Debug().
			Str("ip", ip).
			Msg("全局限流触发")
		return false
	}

	// 检查 IP 限流
	info := rl.getOrCreateIPLimiter(ip)
	info.RequestCount.Add(1)
	info.lastRequest.Store(time.Now().UnixNano())
	if !info.Limiter.Allow() {
		rl.rejected.Add(1)
		rl.logger.Debug().
			Str("ip", ip).
			Msg("IP 限流触发")
		return false
	}

	rl.allowed.Add(1)
	return true
}

// getOrCreateIPLimiter 获取或创建 IP 限流器
func (rl *RateLimiter) getOrCreateIPLimiter(ip string) *IPLimiterInfo {
	if value, ok := rl.ipLimiters.Load(ip); ok {
		return value.(*IPLimiterInfo)
	}

	info := &IPLimiterInfo{
		Limiter:      rate.NewLimiter(rate.Limit(rl.ipLimit), rl.ipLimit),
		FirstRequest: time.Now(),
	}
	// 尝试存储，如果已存在则使用已存在的
	if actual, loaded := rl.ipLimiters.LoadOrStore(ip, info); loaded {
		return actual.(*IPLimiterInfo)
	}
	return info
}

// CleanupExpiredLimiters 清理超过清理间隔没有请求的 IP 限流器
func (rl *RateLimiter) CleanupExpiredLimiters(now time.Time) int {
	removed := 0
	rl.ipLimiters.Range(func(key, value any) bool {
		info := value.(*IPLimiterInfo)
		if now.Sub(time.Unix(0, info.lastRequest.Load())) > rl.cleanupInterval {
			rl.ipLimiters.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		rl.logger.Debug().
			Int("count", removed).
			Msg("清理过期的 IP 限流器")
	}
	return removed
}

// StartCleanupRoutine 启动清理协程，ctx 取消时退出
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.CleanupExpiredLimiters(now)
			}
		}
	}()
}

// GetStats 获取统计信息
func (rl *RateLimiter) GetStats() map[string]any {
	activeIPs := 0
	rl.ipLimiters.Range(func(key, value any) bool {
		activeIPs++
		return true
	})

	return map[string]any{
		"allowed":         rl.allowed.Load(),
		"rejected":        rl.rejected.Load(),
		"active_ip_count": activeIPs,
		"uptime":          time.Since(rl.startTime),
	}
}

// GetIPFrequency 获取IP访问频率（次/秒）
func (rl *RateLimiter) GetIPFrequency(ip string) float64 {
	value, ok := rl.ipLimiters.Load(ip)
	if !ok {
		return 0
	}
	info := value.(*IPLimiterInfo)
	duration := time.Since(info.FirstRequest)
	if duration.Seconds() == 0 {
		return 0
	}
	return float64(info.RequestCount.Load()) / duration.Seconds()
}
