package logger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimitedLogger 按消息键限流的日志器，同一个键在间隔内只输出一次
// Info/Warn，其余降级为 Debug，并在下次输出时带上被压制的次数
type RateLimitedLogger struct {
	logger   zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*limitEntry
}

type limitEntry struct {
	last    time.Time
	skipped int64
}

// maxTrackedKeys 超过后整体清空，防止对端用大量不同的键撑大内存
const maxTrackedKeys = 1024

// NewRateLimitedLogger 创建限流日志器
func NewRateLimitedLogger(logger zerolog.Logger, interval time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		logger:   logger,
		interval: interval,
		entries:  make(map[string]*limitEntry),
	}
}

// Info 限流的 Info 日志
func (rl *RateLimitedLogger) Info(key string) *zerolog.Event {
	return rl.event(key, zerolog.InfoLevel)
}

// Warn 限流的 Warn 日志
func (rl *RateLimitedLogger) Warn(key string) *zerolog.Event {
	return rl.event(key, zerolog.WarnLevel)
}

// Error 错误日志不限流
func (rl *RateLimitedLogger) Error(string) *zerolog.Event {
	return rl.logger.Error()
}

func (rl *RateLimitedLogger) event(key string, level zerolog.Level) *zerolog.Event {
	skipped, ok := rl.shouldLog(key, time.Now())
	if !ok {
		return rl.logger.Debug() // 降级为 debug 级别
	}
	e := rl.logger.WithLevel(level)
	if skipped > 0 {
		e = e.Int64("skipped_count", skipped)
	}
	return e
}

// shouldLog 返回是否输出以及此前被压制的次数
func (rl *RateLimitedLogger) shouldLog(key string, now time.Time) (int64, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= maxTrackedKeys {
			clear(rl.entries)
		}
		rl.entries[key] = &limitEntry{last: now}
		return 0, true
	}
	if now.Sub(e.last) > rl.interval {
		skipped := e.skipped
		e.last = now
		e.skipped = 0
		return skipped, true
	}
	e.skipped++
	return 0, false
}
