package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"mc-conn-engine/internal/config"
)

// 审计事件类型
const (
	EventConnection        = "connection"
	EventHandshake         = "handshake"
	EventStatusQuery       = "status_query"
	EventLoginAttempt      = "login_attempt"
	EventLoginSuccess      = "login_success"
	EventAuthFailure       = "auth_failure"
	EventProtocolViolation = "protocol_violation"
)

// AuditEvent 协议审计事件
type AuditEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	ClientIP        string    `json:"client_ip"`
	ConnID          string    `json:"conn_id,omitempty"`
	EventType       string    `json:"event_type"`
	ProtocolVersion int32     `json:"protocol_version,omitempty"`
	ServerAddress   string    `json:"server_address,omitempty"`
	ServerPort      uint16    `json:"server_port,omitempty"`
	NextState       int32     `json:"next_state,omitempty"` // 1=status, 2=login
	Username        string    `json:"username,omitempty"`
	UUID            string    `json:"uuid,omitempty"`
	OnlineMode      bool      `json:"online_mode,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

var csvHeader = []string{
	"timestamp", "client_ip", "conn_id", "event_type",
	"protocol_version", "server_address", "server_port", "next_state",
	"username", "uuid", "online_mode", "error_kind", "error_message",
}

// AuditLogger 追加写入的协议审计日志，未启用时所有调用为空操作
type AuditLogger struct {
	format    string
	writer    io.Writer
	csvWriter *csv.Writer
	mutex     sync.Mutex
	enabled   bool
}

// NewAuditLogger 创建审计日志记录器
func NewAuditLogger(cfg *config.AuditLoggingConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return &AuditLogger{}, nil
	}

	fileWriter, err := rotatingFile(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, cfg.Compress)
	if err != nil {
		return nil, err
	}
	return newAuditLogger(fileWriter, cfg.Format)
}

func newAuditLogger(w io.Writer, format string) (*AuditLogger, error) {
	al := &AuditLogger{
		format:  strings.ToLower(format),
		writer:  w,
		enabled: true,
	}
	if al.format == "csv" {
		al.csvWriter = csv.NewWriter(w)
		if err := al.csvWriter.Write(csvHeader); err != nil {
			return nil, fmt.Errorf("写入CSV表头失败: %w", err)
		}
		al.csvWriter.Flush()
	}
	return al, nil
}

// LogEvent 记录审计事件
func (al *AuditLogger) LogEvent(event *AuditEvent) error {
	if !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if al.csvWriter != nil {
		return al.writeCSV(event)
	}
	return al.writeJSON(event)
}

func (al *AuditLogger) writeJSON(event *AuditEvent) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	_, err = al.writer.Write(append(data, '\n'))
	return err
}

func (al *AuditLogger) writeCSV(event *AuditEvent) error {
	record := []string{
		event.Timestamp.Format(time.RFC3339),
		event.ClientIP,
		event.ConnID,
		event.EventType,
		strconv.Itoa(int(event.ProtocolVersion)),
		event.ServerAddress,
		strconv.Itoa(int(event.ServerPort)),
		strconv.Itoa(int(event.NextState)),
		event.Username,
		event.UUID,
		strconv.FormatBool(event.OnlineMode),
		event.ErrorKind,
		event.ErrorMessage,
	}
	if err := al.csvWriter.Write(record); err != nil {
		return err
	}
	// 立即刷新到文件
	al.csvWriter.Flush()
	return al.csvWriter.Error()
}

// LogConnection 记录新连接
func (al *AuditLogger) LogConnection(clientIP, connID string) error {
	return al.LogEvent(&AuditEvent{ClientIP: clientIP, ConnID: connID, EventType: EventConnection})
}

// LogHandshake 记录握手
func (al *AuditLogger) LogHandshake(clientIP, connID string, protocolVer int32, serverAddr string, serverPort uint16, nextState int32) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:        clientIP,
		ConnID:          connID,
		EventType:       EventHandshake,
		ProtocolVersion: protocolVer,
		ServerAddress:   serverAddr,
		ServerPort:      serverPort,
		NextState:       nextState,
	})
}

// LogStatusQuery 记录状态查询
func (al *AuditLogger) LogStatusQuery(clientIP, connID string, protocolVer int32) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:        clientIP,
		ConnID:          connID,
		EventType:       EventStatusQuery,
		ProtocolVersion: protocolVer,
		NextState:       1,
	})
}

// LogLoginAttempt 记录登录开始
func (al *AuditLogger) LogLoginAttempt(clientIP, connID string, protocolVer int32, username string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:        clientIP,
		ConnID:          connID,
		EventType:       EventLoginAttempt,
		ProtocolVersion: protocolVer,
		Username:        username,
	})
}

// LogLoginSuccess 记录登录成功
func (al *AuditLogger) LogLoginSuccess(clientIP, connID, username, uuid string, online bool) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:   clientIP,
		ConnID:     connID,
		EventType:  EventLoginSuccess,
		Username:   username,
		UUID:       uuid,
		OnlineMode: online,
	})
}

// LogAuthFailure 记录登录校验失败
func (al *AuditLogger) LogAuthFailure(clientIP, connID, username, errorMsg string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:     clientIP,
		ConnID:       connID,
		EventType:    EventAuthFailure,
		Username:     username,
		ErrorMessage: errorMsg,
	})
}

// LogProtocolViolation 记录协议违规
func (al *AuditLogger) LogProtocolViolation(clientIP, connID, kind, errorMsg string) error {
	return al.LogEvent(&AuditEvent{
		ClientIP:     clientIP,
		ConnID:       connID,
		EventType:    EventProtocolViolation,
		ErrorKind:    kind,
		ErrorMessage: errorMsg,
	})
}

// Close 关闭日志记录器
func (al *AuditLogger) Close() error {
	if !al.enabled {
		return nil
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	if al.csvWriter != nil {
		al.csvWriter.Flush()
	}
	if closer, ok := al.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// IsEnabled 检查是否启用
func (al *AuditLogger) IsEnabled() bool {
	return al.enabled
}
