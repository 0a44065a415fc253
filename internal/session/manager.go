package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/limiter"
	"mc-conn-engine/internal/logger"
	"mc-conn-engine/internal/monitor"
	"mc-conn-engine/internal/network"
	"mc-conn-engine/internal/pool"
	"mc-conn-engine/internal/protocol"
	"mc-conn-engine/internal/status"
)

var (
	errBlocked     = errors.New("ip blocked")
	errRateLimited = errors.New("rate limited")
)

// Deps 会话管理器的协作者，nil 字段按配置创建默认实现
type Deps struct {
	Registries    *protocol.Registries
	Keys          *auth.KeyPair
	Authenticator auth.Authenticator
	Status        status.Provider
	Handler       Handler
	Limiter       *limiter.RateLimiter
	Security      *logger.SecurityLogger
	Audit         *logger.AuditLogger
	Monitor       *monitor.PerformanceMonitor
}

// Manager 持有所有连接共享的只读资源，为每个新连接创建会话
type Manager struct {
	cfg      *config.Config
	messages config.MessagesConfig
	logger   zerolog.Logger

	registries    *protocol.Registries
	keys          *auth.KeyPair
	authenticator auth.Authenticator
	status        status.Provider
	handler       Handler

	limiter    *limiter.RateLimiter
	security   *logger.SecurityLogger
	audit      *logger.AuditLogger
	perf       *monitor.PerformanceMonitor
	unknownLog *logger.RateLimitedLogger
	frames     *pool.FramePool

	skipUnknown bool
	whitelist   ipSet
	blacklist   ipSet

	sessions sync.Map // map[string]*Session
	count    atomic.Int64
	online   atomic.Int64
}

// NewManager 创建会话管理器
func NewManager(cfg *config.Config, log zerolog.Logger, deps Deps) (*Manager, error) {
	m := &Manager{
		cfg:           cfg,
		messages:      cfg.Messages,
		logger:        log.With().Str("component", "session").Logger(),
		registries:    deps.Registries,
		keys:          deps.Keys,
		authenticator: deps.Authenticator,
		status:        deps.Status,
		handler:       deps.Handler,
		limiter:       deps.Limiter,
		security:      deps.Security,
		audit:         deps.Audit,
		perf:          deps.Monitor,
		frames:        pool.NewFramePool(512, 64*1024),
		skipUnknown:   cfg.Protocol.UnknownMessages != config.UnknownDisconnect,
	}
	m.unknownLog = logger.NewRateLimitedLogger(m.logger, 10*time.Second)

	var err error
	if m.registries == nil {
		m.registries, err = protocol.NewRegistries(cfg.Protocol.Versions, cfg.Protocol.DefaultVersion)
		if err != nil {
			return nil, fmt.Errorf("构建消息注册表失败: %w", err)
		}
	}
	if m.keys == nil && cfg.Protocol.EncryptionEnabled() {
		if m.keys, err = auth.GenerateKeyPair(cfg.Auth.KeyBits); err != nil {
			return nil, fmt.Errorf("生成服务器密钥失败: %w", err)
		}
	}
	if !cfg.Auth.OnlineMode {
		m.authenticator = nil
	} else if m.authenticator == nil {
		m.authenticator = auth.NewSessionClient(cfg.Auth.SessionServer, cfg.Auth.Timeout, cfg.Auth.PreventProxy)
	}
	if m.status == nil {
		m.status = status.NewStaticProvider(cfg.Messages, m.registries.Versions(), m.Online)
	}
	if m.handler == nil {
		m.handler = NopHandler{}
	}
	if m.security == nil {
		m.security = logger.NewSecurityLogger(log)
	}
	if m.audit == nil {
		if m.audit, err = logger.NewAuditLogger(&config.AuditLoggingConfig{}); err != nil {
			return nil, err
		}
	}
	if m.perf == nil {
		m.perf = monitor.NewPerformanceMonitor()
	}

	if cfg.Security.EnableIPWhitelist {
		if m.whitelist, err = parseIPSet(cfg.Security.IPWhitelist); err != nil {
			return nil, fmt.Errorf("解析 IP 白名单失败: %w", err)
		}
	}
	if cfg.Security.EnableIPBlacklist {
		if m.blacklist, err = parseIPSet(cfg.Security.IPBlacklist); err != nil {
			return nil, fmt.Errorf("解析 IP 黑名单失败: %w", err)
		}
	}
	return m, nil
}

// Open 准入检查后为连接创建会话，实现 network.ConnectionHandler
func (m *Manager) Open(_ context.Context, conn *network.Connection) (network.Session, error) {
	if err := m.admit(conn.RemoteIP); err != nil {
		return nil, err
	}
	m.audit.LogConnection(conn.RemoteIP, conn.ID)
	return m.NewSession(conn.ID, conn.RemoteIP, conn, conn.Logger), nil
}

// NewSession 在任意 io.WriteCloser 之上创建会话，调用方负责把读到的字节送入 Feed
func (m *Manager) NewSession(id, remoteIP string, conn io.WriteCloser, log zerolog.Logger) *Session {
	s := newSession(m, id, remoteIP, conn, log)
	m.sessions.Store(id, s)
	m.count.Add(1)
	return s
}

// admit IP 黑白名单与限流检查
func (m *Manager) admit(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid remote ip %q: %w", ip, err)
	}
	addr = addr.Unmap()

	if m.blacklist != nil && m.blacklist.contains(addr) {
		m.security.LogIPBlocked(ip, "blacklist")
		m.perf.RecordRejected("blacklist")
		return errBlocked
	}
	if m.whitelist != nil && !m.whitelist.contains(addr) {
		m.security.LogIPBlocked(ip, "not_whitelisted")
		m.perf.RecordRejected("not_whitelisted")
		return errBlocked
	}
	if m.limiter != nil && !m.limiter.Allow(ip) {
		m.security.LogRateLimited(ip)
		m.perf.RecordRejected("rate_limited")
		return errRateLimited
	}
	return nil
}

// onLogin 会话进入游戏阶段
// 会话生命周期：入场与清理只有一方先到，OnLogin 与 OnDisconnect 因此成对出现
const (
	lifePending int32 = iota
	lifePlaying
	lifeReleased
)

// onLogin 登录完成后计入在线人数；会话已被清理时返回 false
func (m *Manager) onLogin(s *Session) bool {
	if !s.life.CompareAndSwap(lifePending, lifePlaying) {
		return false
	}
	m.online.Add(1)
	if err := safeCall(func() error { m.handler.OnLogin(s); return nil }); err != nil {
		s.logger.Error().Err(err).Msg("应用层登录回调失败")
	}
	return true
}

// release 会话关闭后的清理
func (m *Manager) release(s *Session, cause error) {
	if _, ok := m.sessions.LoadAndDelete(s.id); ok {
		m.count.Add(-1)
	}
	if s.life.Swap(lifeReleased) != lifePlaying {
		return
	}
	m.online.Add(-1)
	if err := safeCall(func() error { m.handler.OnDisconnect(s, cause); return nil }); err != nil {
		s.logger.Error().Err(err).Msg("应用层断开回调失败")
	}
	s.logger.Debug().
		Err(cause).
		Dur("duration", time.Since(s.startTime)).
		Msg("玩家断开连接")
}

// outdatedReason 按客户端版本选择断开文案
func (m *Manager) outdatedReason(version int32) string {
	if version > m.registries.Newest() {
		return m.messages.OutdatedServer
	}
	return m.messages.OutdatedClient
}

// Online 游戏阶段的连接数
func (m *Manager) Online() int { return int(m.online.Load()) }

// Count 当前会话数
func (m *Manager) Count() int64 { return m.count.Load() }

// Shutdown 以关服文案断开所有会话
func (m *Manager) Shutdown() {
	m.sessions.Range(func(_, value any) bool {
		value.(*Session).Disconnect(m.messages.Shutdown)
		return true
	})
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]any {
	return map[string]any{
		"sessions":       m.Count(),
		"online":         m.Online(),
		"online_mode":    m.authenticator != nil,
		"versions":       m.registries.Versions(),
		"skip_unknown":   m.skipUnknown,
		"encryption":     m.cfg.Protocol.EncryptionEnabled(),
		"compression_at": m.cfg.Protocol.Threshold(),
	}
}

// ipSet 单个地址或 CIDR 前缀
type ipSet []netip.Prefix

func parseIPSet(entries []string) (ipSet, error) {
	set := make(ipSet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			set = append(set, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set, nil
}

func (set ipSet) contains(addr netip.Addr) bool {
	for _, p := range set {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
