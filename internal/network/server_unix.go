//go:build !windows

package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/rs/zerolog"

	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/logger"
	"mc-conn-engine/internal/monitor"
)

// Server 网络服务器 (Unix 版本，使用 netpoll)
type Server struct {
	config      *config.Config
	logger      zerolog.Logger
	eventLoop   netpoll.EventLoop
	listener    netpoll.Listener
	handler     ConnectionHandler
	running     atomic.Bool
	connections *ConnectionManager[*Connection]
	perf        *monitor.PerformanceMonitor
	ctx         context.Context
}

// Connection 连接包装器 (Unix 版本)
type Connection struct {
	netpoll.Connection
	ID         string
	RemoteIP   string
	StartTime  time.Time
	Logger     zerolog.Logger
	session    Session
	lastActive atomic.Int64
}

// NewServer 创建新的服务器 (Unix 版本)
func NewServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, handler ConnectionHandler, perf *monitor.PerformanceMonitor) (*Server, error) {
	server := &Server{
		config:      cfg,
		logger:      logger.With().Str("component", "network").Logger(),
		handler:     handler,
		connections: NewConnectionManager[*Connection](64),
		perf:        perf,
		ctx:         ctx,
	}

	// 创建监听器
	listener, err := netpoll.CreateListener("tcp", cfg.GetAddress())
	if err != nil {
		return nil, fmt.Errorf("创建监听器失败: %w", err)
	}
	server.listener = listener

	opts := []netpoll.Option{
		netpoll.WithOnPrepare(server.onPrepare),
		netpoll.WithReadTimeout(cfg.Server.ReadTimeout),
		netpoll.WithIdleTimeout(cfg.Server.IdleTimeout),
	}
	if cfg.Server.NumLoops > 0 {
		if err := netpoll.SetNumLoops(cfg.Server.NumLoops); err != nil {
			listener.Close()
			return nil, fmt.Errorf("设置事件循环数失败: %w", err)
		}
	}

	// 创建事件循环
	eventLoop, err := netpoll.NewEventLoop(server.onRequest, opts...)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("创建事件循环失败: %w", err)
	}
	server.eventLoop = eventLoop

	logger.Debug().Msg("网络服务器创建成功 (Unix)")
	return server, nil
}

// Start 启动服务器 (Unix 版本)，阻塞直到事件循环退出
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("服务器已经在运行")
	}

	s.logger.Info().
		Str("address", s.config.GetAddress()).
		Int("max_connections", s.config.Server.MaxConnections).
		Msg("启动网络服务器 (Unix)")

	// 启动连接清理协程
	go s.cleanupConnections()

	// 启动生命周期管理协程
	go s.lifecycleManager()

	return s.eventLoop.Serve(s.listener)
}

// lifecycleManager 生命周期管理
func (s *Server) lifecycleManager() {
	<-s.ctx.Done()

	s.logger.Info().Msg("收到关闭信号，开始停止网络服务器")
	s.running.Store(false)

	// 关闭所有连接
	for _, conn := range s.connections.Snapshot() {
		conn.Close()
	}

	// 停止事件循环
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.eventLoop.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("停止事件循环失败")
	} else {
		s.logger.Info().Msg("网络服务器已停止")
	}
}

// onPrepare 连接准备回调：准入检查并打开会话
func (s *Server) onPrepare(connection netpoll.Connection) context.Context {
	// 检查连接数限制
	if s.connections.Count() >= int64(s.config.Server.MaxConnections) {
		s.logger.Warn().
			Str("remote_addr", connection.RemoteAddr().String()).
			Msg("连接数达到上限，拒绝连接")
		s.perf.RecordRejected("max_connections")
		connection.Close()
		return s.ctx
	}

	remoteIP, err := splitRemoteIP(connection.RemoteAddr())
	if err != nil {
		s.logger.Error().Err(err).Msg("解析远程地址失败")
		connection.Close()
		return s.ctx
	}

	connID := newConnID(remoteIP)
	conn := &Connection{
		Connection: connection,
		ID:         connID,
		RemoteIP:   remoteIP,
		StartTime:  time.Now(),
		Logger:     logger.ForConnection(s.logger, connID, remoteIP),
	}
	conn.touch()

	ctx := withConnection(s.ctx, conn)
	session, err := s.handler.Open(ctx, conn)
	if err != nil {
		conn.Logger.Debug().Err(err).Msg("拒绝连接")
		connection.Close()
		return ctx
	}
	conn.session = session
	s.perf.RecordConnection()

	// 添加关闭回调
	connection.AddCloseCallback(func(netpoll.Connection) error {
		s.onConnectionClose(conn)
		return nil
	})

	s.connections.Store(connID, conn)
	return ctx
}

// onRequest 可读回调：把缓冲区中的全部字节交给会话
func (s *Server) onRequest(ctx context.Context, connection netpoll.Connection) error {
	conn, ok := ConnectionFrom(ctx)
	if !ok || conn.session == nil {
		connection.Close()
		return nil
	}

	reader := connection.Reader()
	n := reader.Len()
	if n == 0 {
		return nil
	}
	data, err := reader.Next(n)
	if err != nil {
		conn.session.Close(err)
		return nil
	}
	conn.touch()
	s.perf.RecordBytes(monitor.DirectionIn, n)
	if err := conn.session.Feed(data); err != nil {
		conn.Logger.Debug().Err(err).Msg("会话处理失败")
	}
	return reader.Release()
}

// onConnectionClose 连接关闭回调
func (s *Server) onConnectionClose(conn *Connection) {
	conn.session.Close(nil)
	s.perf.RecordConnectionClose()

	// 只记录长连接的关闭信息
	if duration := time.Since(conn.StartTime); duration > 30*time.Second {
		conn.Logger.Info().
			Dur("duration", duration).
			Msg("长连接关闭")
	}
	s.connections.Delete(conn.ID)
}

// cleanupConnections 定期清理空闲连接
func (s *Server) cleanupConnections() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.connections.CleanupExpired(s.config.Server.IdleTimeout); n > 0 {
				s.logger.Info().Int("count", n).Msg("清理空闲连接")
			}
		}
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]any {
	return map[string]any{
		"connection_count": s.connections.Count(),
		"running":          s.running.Load(),
	}
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive 最近一次收到数据的时间
func (c *Connection) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }
