//go:build windows

package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/logger"
	"mc-conn-engine/internal/monitor"
	"mc-conn-engine/internal/pool"
)

// readBufferSize 单次读取缓冲大小
const readBufferSize = 16 * 1024

// Server 网络服务器 (Windows 版本，使用标准库 net)
type Server struct {
	config      *config.Config
	logger      zerolog.Logger
	listener    net.Listener
	handler     ConnectionHandler
	running     atomic.Bool
	connections *ConnectionManager[*Connection]
	buffers     *pool.BufferPool
	perf        *monitor.PerformanceMonitor
	ctx         context.Context
}

// Connection 连接包装器 (Windows 版本)
type Connection struct {
	net.Conn
	ID         string
	RemoteIP   string
	StartTime  time.Time
	Logger     zerolog.Logger
	session    Session
	lastActive atomic.Int64
}

// NewServer 创建新的服务器 (Windows 版本)
func NewServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, handler ConnectionHandler, perf *monitor.PerformanceMonitor) (*Server, error) {
	server := &Server{
		config:      cfg,
		logger:      logger.With().Str("component", "network").Logger(),
		handler:     handler,
		connections: NewConnectionManager[*Connection](64),
		buffers:     pool.NewBufferPool(readBufferSize),
		perf:        perf,
		ctx:         ctx,
	}

	// 创建监听器
	listener, err := net.Listen("tcp", cfg.GetAddress())
	if err != nil {
		return nil, fmt.Errorf("创建监听器失败: %w", err)
	}
	server.listener = listener

	logger.Debug().Msg("网络服务器创建成功 (Windows)")
	return server, nil
}

// Start 启动服务器 (Windows 版本)
func (s *Server) Start() error {
	if s.listener == nil {
		return fmt.Errorf("监听器为 nil")
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("服务器已经在运行")
	}

	s.logger.Info().
		Str("address", s.config.GetAddress()).
		Int("max_connections", s.config.Server.MaxConnections).
		Msg("启动网络服务器 (Windows)")

	go s.cleanupConnections()
	go s.lifecycleManager()

	return s.acceptConnections()
}

// lifecycleManager 生命周期管理
func (s *Server) lifecycleManager() {
	<-s.ctx.Done()

	s.logger.Info().Msg("收到关闭信号，开始停止网络服务器")
	s.running.Store(false)

	for _, conn := range s.connections.Snapshot() {
		conn.Close()
	}

	if err := s.listener.Close(); err != nil {
		s.logger.Error().Err(err).Msg("关闭监听器失败")
	} else {
		s.logger.Info().Msg("网络服务器已停止")
	}
}

// acceptConnections 接受连接的循环
func (s *Server) acceptConnections() error {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("接受连接超时，重试")
				time.Sleep(50 * time.Millisecond)
				continue
			}

			s.logger.Error().Err(err).Msg("接受连接失败")
			continue
		}

		go s.handleConnection(conn)
	}

	return nil
}

// handleConnection 处理单个连接：打开会话后循环读取并送入会话
func (s *Server) handleConnection(conn net.Conn) {
	if s.connections.Count() >= int64(s.config.Server.MaxConnections) {
		s.logger.Warn().
			Str("remote_addr", conn.RemoteAddr().String()).
			Msg("连接数达到上限，拒绝连接")
		s.perf.RecordRejected("max_connections")
		conn.Close()
		return
	}

	remoteIP, err := splitRemoteIP(conn.RemoteAddr())
	if err != nil {
		s.logger.Error().Err(err).Msg("解析远程地址失败")
		conn.Close()
		return
	}

	connID := newConnID(remoteIP)
	connection := &Connection{
		Conn:      conn,
		ID:        connID,
		RemoteIP:  remoteIP,
		StartTime: time.Now(),
		Logger:    logger.ForConnection(s.logger, connID, remoteIP),
	}
	connection.touch()

	ctx := withConnection(s.ctx, connection)
	session, err := s.handler.Open(ctx, connection)
	if err != nil {
		connection.Logger.Debug().Err(err).Msg("拒绝连接")
		conn.Close()
		return
	}
	connection.session = session
	s.connections.Store(connID, connection)
	s.perf.RecordConnection()

	cause := s.readLoop(connection)
	session.Close(cause)
	conn.Close()
	s.onConnectionClose(connection)
}

// readLoop 读取直到出错或会话关闭连接。正常 EOF 返回 nil
func (s *Server) readLoop(conn *Connection) error {
	bufp := s.buffers.Get()
	defer s.buffers.Put(bufp)
	buf := *bufp

	for {
		if s.config.Server.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.Server.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			conn.touch()
			s.perf.RecordBytes(monitor.DirectionIn, n)
			if ferr := conn.session.Feed(buf[:n]); ferr != nil {
				conn.Logger.Debug().Err(ferr).Msg("会话处理失败")
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// onConnectionClose 连接关闭回调
func (s *Server) onConnectionClose(conn *Connection) {
	s.perf.RecordConnectionClose()

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
