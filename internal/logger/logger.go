package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"mc-conn-engine/internal/config"
)

// Setup 设置日志
func Setup(cfg *config.Config) (zerolog.Logger, error) {
	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("无效的日志级别 '%s': %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	// 设置时间格式
	zerolog.TimeFieldFormat = time.RFC3339

	console := cfg.Logging.Format == "console"
	var writers []io.Writer

	// 根据配置选择输出目标
	switch strings.ToLower(cfg.Logging.Output) {
	case "stdout":
		writers = append(writers, wrapConsole(os.Stdout, console))

	case "stderr":
		writers = append(writers, wrapConsole(os.Stderr, console))

	case "file":
		fileWriter, err := rotatingFile(cfg.Logging.FilePath, cfg.Logging.MaxSize, cfg.Logging.MaxBackups, cfg.Logging.MaxAge, cfg.Logging.Compress)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, fileWriter)

		// 如果是控制台格式，同时输出到控制台
		if console {
			writers = append(writers, wrapConsole(os.Stdout, true))
		}

	default:
		return zerolog.Logger{}, fmt.Errorf("不支持的日志输出类型: %s", cfg.Logging.Output)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	logger := zerolog.New(writer).With().
		Timestamp().
		Str("service", "mc-conn-engine").
		Logger()

	// 设置全局日志器
	log.Logger = logger

	return logger, nil
}

func wrapConsole(out io.Writer, console bool) io.Writer {
	if !console {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// rotatingFile 创建按大小轮转的日志文件
func rotatingFile(path string, maxSize, maxBackups, maxAge int, compress bool) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   compress,
	}, nil
}

// ForConnection 派生带连接标识的日志器
func ForConnection(base zerolog.Logger, connID, remoteIP string) zerolog.Logger {
	return base.With().
		Str("conn_id", connID).
		Str("remote_ip", remoteIP).
		Logger()
}

// SecurityLogger 安全日志记录器
type SecurityLogger struct {
	logger zerolog.Logger
}

// NewSecurityLogger 创建安全日志记录器
func NewSecurityLogger(logger zerolog.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger.With().Str("component", "security_logger").Logger(),
	}
}

// LogIPBlocked 记录 IP 被阻止
func (sl *SecurityLogger) LogIPBlocked(ip, reason string) {
	sl.logger.Warn().
		Str("event_type", "ip_blocked").
		Str("ip", ip).
		Str("reason", reason).
		Msg("IP 被阻止")
}

// LogRateLimited 记录限流拒绝
func (sl *SecurityLogger) LogRateLimited(ip string) {
	sl.logger.Warn().
		Str("event_type", "rate_limit_triggered").
		Str("ip", ip).
		Msg("限流触发")
}

// LogProtocolViolation 记录协议违规
func (sl *SecurityLogger) LogProtocolViolation(ip, kind string, err error) {
	sl.logger.Warn().
		Str("event_type", "protocol_violation").
		Str("ip", ip).
		Str("kind", kind).
		Err(err).
		Msg("协议违规")
}

// LoggerManager 日志管理器
type LoggerManager struct {
	mainLogger     zerolog.Logger
	securityLogger *SecurityLogger
	auditLogger    *AuditLogger
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewLoggerManager 创建日志管理器
func NewLoggerManager(ctx context.Context, cfg *config.Config) (*LoggerManager, error) {
	mainLogger, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	auditLogger, err := NewAuditLogger(&cfg.AuditLogging)
	if err != nil {
		return nil, fmt.Errorf("创建审计日志记录器失败: %w", err)
	}

	// 创建内部 context，继承自外部 context
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &LoggerManager{
		mainLogger:     mainLogger,
		securityLogger: NewSecurityLogger(mainLogger),
		auditLogger:    auditLogger,
		ctx:            managerCtx,
		cancel:         cancel,
	}

	// 启动生命周期管理 goroutine
	go manager.lifecycleManager()

	return manager, nil
}

// GetMainLogger 获取主日志器
func (lm *LoggerManager) GetMainLogger() zerolog.Logger {
	return lm.mainLogger
}

// GetSecurityLogger 获取安全日志器
func (lm *LoggerManager) GetSecurityLogger() *SecurityLogger {
	return lm.securityLogger
}

// GetAuditLogger 获取审计日志器
func (lm *LoggerManager) GetAuditLogger() *AuditLogger {
	return lm.auditLogger
}

// lifecycleManager context 取消时自动关闭审计日志
func (lm *LoggerManager) lifecycleManager() {
	<-lm.ctx.Done()

	lm.mainLogger.Debug().Msg("日志管理器收到关闭信号，开始自动关闭")
	if err := lm.auditLogger.Close(); err != nil {
		lm.mainLogger.Error().Err(err).Msg("自动关闭日志管理器失败")
	} else {
		lm.mainLogger.Debug().Msg("日志管理器已自动关闭")
	}
}

// Close 关闭所有日志器（手动调用）
func (lm *LoggerManager) Close() error {
	lm.cancel()
	return nil
}
