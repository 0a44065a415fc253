package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tnze/go-mc/bot"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"mc-conn-engine/internal/config"
)

// PingFunc 查询远程服务器状态，返回原始 JSON
type PingFunc func(addr string, timeout time.Duration) ([]byte, error)

func goMCPing(addr string, timeout time.Duration) ([]byte, error) {
	resp, _, err := bot.PingAndListTimeout(addr, timeout)
	return resp, err
}

// UpstreamSyncer 定期同步上游服务器状态并缓存，上游不可用时回退为本地状态
type UpstreamSyncer struct {
	cfg      config.UpstreamConfig
	messages config.MessagesConfig
	fallback Provider
	ping     PingFunc
	logger   zerolog.Logger

	mu                  sync.RWMutex
	cachedResponse      []byte
	upstreamUnavailable bool
	running             bool
}

// NewUpstreamSyncer 创建上游同步器。fallback 在首次同步成功前提供响应
func NewUpstreamSyncer(cfg *config.Config, fallback Provider, logger zerolog.Logger) *UpstreamSyncer {
	return &UpstreamSyncer{
		cfg:      cfg.Upstream,
		messages: cfg.Messages,
		fallback: fallback,
		ping:     goMCPing,
		logger:   logger.With().Str("component", "upstream_syncer").Logger(),
	}
}

// Start 立即同步一次，然后在后台按间隔同步直到 ctx 结束
func (us *UpstreamSyncer) Start(ctx context.Context) error {
	if !us.cfg.Enabled {
		us.logger.Info().Msg("上游同步已禁用")
		return nil
	}

	us.mu.Lock()
	if us.running {
		us.mu.Unlock()
		return fmt.Errorf("同步器已在运行")
	}
	us.running = true
	us.mu.Unlock()

	us.logger.Info().
		Str("address", us.cfg.Address).
		Dur("interval", us.cfg.SyncInterval).
		Msg("启动上游状态同步")

	us.syncOnce(ctx)
	go us.syncLoop(ctx)
	return nil
}

// Response 返回缓存的上游响应，尚无缓存时使用回退提供者
func (us *UpstreamSyncer) Response(clientVersion int32) []byte {
	us.mu.RLock()
	cached := us.cachedResponse
	us.mu.RUnlock()
	if cached == nil {
		return us.fallback.Response(clientVersion)
	}
	return cached
}

func (us *UpstreamSyncer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(us.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			us.syncOnce(ctx)
		}
	}
}

// syncOnce 执行一次同步，失败时按配置重试
func (us *UpstreamSyncer) syncOnce(ctx context.Context) {
	start := time.Now()
	addr := us.cfg.Address

	var lastErr error
	for attempt := 0; attempt <= us.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(us.cfg.RetryInterval):
			}
		}

		resp, err := us.ping(addr, us.cfg.Timeout)
		if err != nil {
			lastErr = err
			us.logger.Debug().Err(err).Int("attempt", attempt).Msg("同步失败")
			continue
		}

		us.updateState(resp)
		us.logger.Debug().
			Str("upstream", addr).
			Dur("response_time", time.Since(start)).
			Msg("上游同步成功")
		return
	}

	us.logger.Warn().
		Err(lastErr).
		Str("addr", addr).
		Int("retry_count", us.cfg.RetryCount).
		Msg("同步失败，所有重试都已用尽")
	us.updateStateOffline()
}

// updateState 缓存上游响应，按配置覆盖版本块
func (us *UpstreamSyncer) updateState(resp []byte) {
	if us.cfg.OverrideVersion {
		if modified, err := us.overrideVersionInfo(resp); err == nil {
			resp = modified
		} else {
			us.logger.Warn().Err(err).Msg("版本信息覆盖失败，使用原始响应")
		}
	}

	us.mu.Lock()
	us.cachedResponse = resp
	us.upstreamUnavailable = false
	us.mu.Unlock()
}

// updateStateOffline 上游不可用时把缓存的在线人数置 0，已标记不可用则跳过
func (us *UpstreamSyncer) updateStateOffline() {
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.upstreamUnavailable {
		return
	}
	us.upstreamUnavailable = true
	if us.cachedResponse == nil {
		return
	}

	modified, err := rewriteJSON(us.cachedResponse, func(info map[string]any) {
		if players, ok := info["players"].(map[string]any); ok {
			players["online"] = 0
		}
	})
	if err != nil {
		us.logger.Error().Err(err).Msg("解析缓存响应失败")
		return
	}
	us.cachedResponse = modified
	us.logger.Info().Msg("上游不可用，已将缓存响应的在线人数设为 0")
}

func (us *UpstreamSyncer) overrideVersionInfo(resp []byte) ([]byte, error) {
	return rewriteJSON(resp, func(info map[string]any) {
		version, ok := info["version"].(map[string]any)
		if !ok {
			version = map[string]any{}
			info["version"] = version
		}
		version["name"] = us.messages.VersionName
		version["protocol"] = us.messages.ProtocolVersion
	})
}

func rewriteJSON(data []byte, edit func(map[string]any)) ([]byte, error) {
	var info map[string]any
	if err := sonic.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	edit(info)
	return sonic.Marshal(info)
}

// GetStats 获取统计信息
func (us *UpstreamSyncer) GetStats() map[string]any {
	us.mu.RLock()
	defer us.mu.RUnlock()

	return map[string]any{
		"running":              us.running,
		"enabled":              us.cfg.Enabled,
		"upstream_address":     us.cfg.Address,
		"upstream_available":   !us.upstreamUnavailable,
		"cached_response_size": len(us.cachedResponse),
	}
}
