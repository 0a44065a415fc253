package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// 未知消息处理策略
const (
	UnknownSkip       = "skip"
	UnknownDisconnect = "disconnect"
)

// 线路允许的最大帧长度
const maxWireFrame = 2097151

// builtinVersions 内置注册表支持的协议版本
var builtinVersions = []int32{758, 759, 760}

// Config 主配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Protocol     ProtocolConfig     `yaml:"protocol"`
	Auth         AuthConfig         `yaml:"auth"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Messages     MessagesConfig     `yaml:"messages"`
	Logging      LoggingConfig      `yaml:"logging"`
	AuditLogging AuditLoggingConfig `yaml:"audit_logging"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Security     SecurityConfig     `yaml:"security"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	NumLoops       int           `yaml:"num_loops"`
}

// ProtocolConfig 协议引擎配置
type ProtocolConfig struct {
	Versions       []int32 `yaml:"versions"`
	DefaultVersion int32   `yaml:"default_version"`
	// CompressionThreshold 为 -1 时不启用压缩，未配置时为 256
	CompressionThreshold *int `yaml:"compression_threshold"`
	MaxFrameSize         int  `yaml:"max_frame_size"`
	MaxUncompressedSize  int  `yaml:"max_uncompressed_size"`
	// Encryption 未配置时默认开启
	Encryption        *bool         `yaml:"encryption"`
	UnknownMessages   string        `yaml:"unknown_messages"` // skip, disconnect
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
}

// Threshold 压缩阈值，-1 表示不压缩
func (p ProtocolConfig) Threshold() int {
	if p.CompressionThreshold == nil {
		return 256
	}
	return *p.CompressionThreshold
}

// EncryptionEnabled 是否要求加密
func (p ProtocolConfig) EncryptionEnabled() bool {
	return p.Encryption == nil || *p.Encryption
}

// AuthConfig 正版验证配置
type AuthConfig struct {
	OnlineMode    bool          `yaml:"online_mode"`
	SessionServer string        `yaml:"session_server"`
	Timeout       time.Duration `yaml:"timeout"`
	PreventProxy  bool          `yaml:"prevent_proxy"`
	KeyBits       int           `yaml:"key_bits"`
}

// UpstreamConfig 上游服务器配置
type UpstreamConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // 服务器地址（支持 IP、域名、SRV 记录等）
	SyncInterval    time.Duration `yaml:"sync_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	RetryCount      int           `yaml:"retry_count"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	OverrideVersion bool          `yaml:"override_version"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	IPLimit         int           `yaml:"ip_limit"`
	GlobalLimit     int           `yaml:"global_limit"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessagesConfig 消息配置
type MessagesConfig struct {
	MOTD        string `yaml:"motd"`
	VersionName string `yaml:"version_name"`
	// ProtocolVersion 客户端版本不受支持时，状态响应中报告的版本
	ProtocolVersion int `yaml:"protocol_version"`
	MaxPlayers      int `yaml:"max_players"`

	AuthFailed      string `yaml:"auth_failed"`
	OutdatedClient  string `yaml:"outdated_client"`
	OutdatedServer  string `yaml:"outdated_server"`
	LoginTimeout    string `yaml:"login_timeout"`
	TimedOut        string `yaml:"timed_out"`
	IllegalState    string `yaml:"illegal_state"`
	InvalidUsername string `yaml:"invalid_username"`
	Shutdown        string `yaml:"shutdown"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AuditLoggingConfig 协议事件审计日志配置
type AuditLoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Format     string `yaml:"format"` // json, csv
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MetricsPort     int    `yaml:"metrics_port"`
	HealthCheckPath string `yaml:"health_check_path"`
	MetricsPath     string `yaml:"metrics_path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	EnableIPWhitelist bool     `yaml:"enable_ip_whitelist"`
	IPWhitelist       []string `yaml:"ip_whitelist"`
	EnableIPBlacklist bool     `yaml:"enable_ip_blacklist"`
	IPBlacklist       []string `yaml:"ip_blacklist"`
}

// Load 从文件加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 设置默认值
	setDefaults(&config)

	// 验证配置
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	var config Config
	setDefaults(&config)
	return &config
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 25565
	}
	if config.Server.MaxConnections == 0 {
		config.Server.MaxConnections = 10000
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 30 * time.Second
	}
	if config.Server.IdleTimeout == 0 {
		config.Server.IdleTimeout = 10 * time.Minute
	}

	p := &config.Protocol
	if len(p.Versions) == 0 {
		p.Versions = slices.Clone(builtinVersions)
	}
	if p.DefaultVersion == 0 {
		p.DefaultVersion = 758
	}
	if p.CompressionThreshold == nil {
		threshold := 256
		p.CompressionThreshold = &threshold
	}
	if p.MaxFrameSize == 0 {
		p.MaxFrameSize = maxWireFrame
	}
	if p.MaxUncompressedSize == 0 {
		p.MaxUncompressedSize = 8 * 1024 * 1024
	}
	if p.Encryption == nil {
		enabled := true
		p.Encryption = &enabled
	}
	if p.UnknownMessages == "" {
		p.UnknownMessages = UnknownSkip
	}
	if p.KeepAliveInterval == 0 {
		p.KeepAliveInterval = 15 * time.Second
	}
	if p.KeepAliveTimeout == 0 {
		p.KeepAliveTimeout = 30 * time.Second
	}
	if p.LoginTimeout == 0 {
		p.LoginTimeout = 30 * time.Second
	}

	if config.Auth.SessionServer == "" {
		config.Auth.SessionServer = "https://sessionserver.mojang.com"
	}
	if config.Auth.Timeout == 0 {
		config.Auth.Timeout = 10 * time.Second
	}
	if config.Auth.KeyBits == 0 {
		config.Auth.KeyBits = 1024
	}

	if config.Upstream.SyncInterval == 0 {
		config.Upstream.SyncInterval = 30 * time.Second
	}
	if config.Upstream.Timeout == 0 {
		config.Upstream.Timeout = 5 * time.Second
	}
	if config.Upstream.RetryCount == 0 {
		config.Upstream.RetryCount = 3
	}
	if config.Upstream.RetryInterval == 0 {
		config.Upstream.RetryInterval = 2 * time.Second
	}

	if config.RateLimit.IPLimit == 0 {
		config.RateLimit.IPLimit = 5
	}
	if config.RateLimit.GlobalLimit == 0 {
		config.RateLimit.GlobalLimit = 100
	}
	if config.RateLimit.CleanupInterval == 0 {
		config.RateLimit.CleanupInterval = time.Minute
	}

	m := &config.Messages
	if m.MOTD == "" {
		m.MOTD = "§6A Minecraft Server"
	}
	if m.VersionName == "" {
		m.VersionName = "1.18.2"
	}
	if m.ProtocolVersion == 0 {
		m.ProtocolVersion = int(p.DefaultVersion)
	}
	if m.MaxPlayers == 0 {
		m.MaxPlayers = 100
	}
	if m.AuthFailed == "" {
		m.AuthFailed = "Failed to verify username!"
	}
	if m.OutdatedClient == "" {
		m.OutdatedClient = "Outdated client! Please use a newer version."
	}
	if m.OutdatedServer == "" {
		m.OutdatedServer = "Outdated server! Please use an older version."
	}
	if m.LoginTimeout == "" {
		m.LoginTimeout = "Took too long to log in"
	}
	if m.TimedOut == "" {
		m.TimedOut = "Timed out"
	}
	if m.IllegalState == "" {
		m.IllegalState = "Illegal protocol state"
	}
	if m.InvalidUsername == "" {
		m.InvalidUsername = "Invalid username"
	}
	if m.Shutdown == "" {
		m.Shutdown = "Server closed"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	if config.AuditLogging.Format == "" {
		config.AuditLogging.Format = "json"
	}
	if config.AuditLogging.FilePath == "" {
		config.AuditLogging.FilePath = "logs/audit.log"
	}

	if config.Monitoring.MetricsPort == 0 {
		config.Monitoring.MetricsPort = 9090
	}
	if config.Monitoring.MetricsPath == "" {
		config.Monitoring.MetricsPath = "/metrics"
	}
	if config.Monitoring.HealthCheckPath == "" {
		config.Monitoring.HealthCheckPath = "/health"
	}
}

// validate 验证配置
func validate(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", config.Server.Port)
	}

	if config.Server.MaxConnections < 1 {
		return fmt.Errorf("最大连接数必须大于 0")
	}

	if config.RateLimit.IPLimit < 1 {
		return fmt.Errorf("IP 限流值必须大于 0")
	}

	if config.RateLimit.GlobalLimit < 1 {
		return fmt.Errorf("全局限流值必须大于 0")
	}

	p := config.Protocol
	for _, v := range p.Versions {
		if !slices.Contains(builtinVersions, v) {
			return fmt.Errorf("不支持的协议版本: %d", v)
		}
	}
	if !slices.Contains(p.Versions, p.DefaultVersion) {
		return fmt.Errorf("默认协议版本 %d 不在 versions 中", p.DefaultVersion)
	}
	if p.Threshold() < -1 {
		return fmt.Errorf("压缩阈值必须 >= -1")
	}
	if p.MaxFrameSize < 256 || p.MaxFrameSize > maxWireFrame {
		return fmt.Errorf("max_frame_size 必须在 [256, %d] 之间", maxWireFrame)
	}
	if p.MaxUncompressedSize < 1 {
		return fmt.Errorf("max_uncompressed_size 必须大于 0")
	}
	if p.UnknownMessages != UnknownSkip && p.UnknownMessages != UnknownDisconnect {
		return fmt.Errorf("unknown_messages 只能是 skip 或 disconnect: %s", p.UnknownMessages)
	}
	if p.KeepAliveTimeout <= p.KeepAliveInterval {
		return fmt.Errorf("keepalive_timeout 必须大于 keepalive_interval")
	}

	if config.Auth.OnlineMode && !p.EncryptionEnabled() {
		return fmt.Errorf("正版验证需要开启加密")
	}

	if config.Upstream.Enabled && config.Upstream.Address == "" {
		return fmt.Errorf("启用上游同步时必须配置 address")
	}

	if config.AuditLogging.Format != "json" && config.AuditLogging.Format != "csv" {
		return fmt.Errorf("审计日志格式只能是 json 或 csv: %s", config.AuditLogging.Format)
	}

	return nil
}

// GetAddress 获取监听地址
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetMetricsAddress 获取监控地址
func (c *Config) GetMetricsAddress() string {
	return fmt.Sprintf(":%d", c.Monitoring.MetricsPort)
}
