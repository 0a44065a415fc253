package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/limiter"
	"mc-conn-engine/internal/logger"
	"mc-conn-engine/internal/monitor"
	"mc-conn-engine/internal/network"
	"mc-conn-engine/internal/protocol"
	"mc-conn-engine/internal/session"
	"mc-conn-engine/internal/status"
)

// 构建时注入的版本信息
var (
	version   = "dev"
	buildTime = "unknown" // 通过 -ldflags 注入
	gitCommit = "unknown" // 通过 -ldflags 注入
)

var (
	configPath  = flag.String("config", "config/config.yml", "配置文件路径")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

const (
	AppName = "MC Conn Engine"
)

// printVersion 显示详细的版本信息
func printVersion() {
	fmt.Printf("🎮 %s\n", AppName)
	fmt.Printf("📦 Version: %s\n", version)
	if gitCommit != "unknown" {
		fmt.Printf("🔄 Git Commit: %s\n", gitCommit)
	}
	if buildTime != "unknown" {
		fmt.Printf("🕒 Build Time: %s\n", buildTime)
	}
	fmt.Printf("🔧 Go Version: %s\n", runtime.Version())
	fmt.Printf("💻 Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("🧬 Protocols: %v\n", protocol.SupportedVersions())
}

func fatal(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化日志
	logManager, err := logger.NewLoggerManager(ctx, cfg)
	if err != nil {
		fatal("初始化日志失败: %v", err)
	}
	defer logManager.Close()
	mainLogger := logManager.GetMainLogger()

	// 使用 fmt 直接输出启动信息（不受日志级别限制）
	fmt.Printf("🚀 启动 %s\n", AppName)
	fmt.Printf("📦 版本: %s\n", version)
	fmt.Printf("📝 配置: %s\n", *configPath)
	fmt.Printf("📊 日志级别: %s\n", cfg.Logging.Level)
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)

	fmt.Println("⏳ 构建消息注册表...")
	registries, err := protocol.NewRegistries(cfg.Protocol.Versions, cfg.Protocol.DefaultVersion)
	if err != nil {
		fatal("构建消息注册表失败: %v", err)
	}

	var keys *auth.KeyPair
	if cfg.Protocol.EncryptionEnabled() {
		fmt.Printf("⏳ 生成 %d 位服务器密钥...\n", cfg.Auth.KeyBits)
		if keys, err = auth.GenerateKeyPair(cfg.Auth.KeyBits); err != nil {
			fatal("生成服务器密钥失败: %v", err)
		}
	}

	fmt.Println("⏳ 初始化限流器...")
	rateLimiter := limiter.NewRateLimiter(cfg.RateLimit, mainLogger)
	rateLimiter.StartCleanupRoutine(gctx)

	perf := monitor.NewPerformanceMonitor()

	// 状态响应：上游同步优先，失败时回退到本地文案
	var statusProvider status.Provider
	// 上游同步协程可能早于管理器创建读取在线人数
	var managerRef atomic.Pointer[session.Manager]
	localStatus := status.NewStaticProvider(cfg.Messages, registries.Versions(), func() int {
		if m := managerRef.Load(); m != nil {
			return m.Online()
		}
		return 0
	})
	statusProvider = localStatus
	if cfg.Upstream.Enabled {
		fmt.Println("⏳ 启动上游同步器...")
		upstreamSyncer := status.NewUpstreamSyncer(cfg, localStatus, mainLogger)
		if err := upstreamSyncer.Start(gctx); err != nil {
			fatal("启动上游同步器失败: %v", err)
		}
		statusProvider = upstreamSyncer
		fmt.Printf("✅ 上游同步器已启动: %s\n", cfg.Upstream.Address)
	}

	fmt.Println("⏳ 创建会话管理器...")
	manager, err := session.NewManager(cfg, mainLogger, session.Deps{
		Registries: registries,
		Keys:       keys,
		Status:     statusProvider,
		Limiter:    rateLimiter,
		Security:   logManager.GetSecurityLogger(),
		Audit:      logManager.GetAuditLogger(),
		Monitor:    perf,
	})
	if err != nil {
		fatal("创建会话管理器失败: %v", err)
	}
	managerRef.Store(manager)

	fmt.Println("⏳ 创建网络服务器...")
	server, err := network.NewServer(gctx, cfg, mainLogger, manager, perf)
	if err != nil {
		fatal("创建网络服务器失败: %v", err)
	}

	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("网络服务器错误: %w", err)
		}
		return nil
	})

	if cfg.Monitoring.Enabled {
		metricsServer := &http.Server{
			Addr:              cfg.GetMetricsAddress(),
			Handler:           perf.Handler(cfg.Monitoring.MetricsPath, cfg.Monitoring.HealthCheckPath),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("监控服务错误: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	// 显示启动信息
	fmt.Println()
	fmt.Printf("✨ %s 启动完成\n", AppName)
	fmt.Println("📊 服务器状态:")
	fmt.Printf("   - 监听地址: %s\n", cfg.GetAddress())
	fmt.Printf("   - 协议版本: %v (默认 %d)\n", registries.Versions(), cfg.Protocol.DefaultVersion)
	fmt.Printf("   - 在线验证: %v\n", cfg.Auth.OnlineMode)
	fmt.Printf("   - 加密: %v, 压缩阈值: %d\n", cfg.Protocol.EncryptionEnabled(), cfg.Protocol.Threshold())
	fmt.Printf("   - 最大连接数: %d\n", cfg.Server.MaxConnections)
	fmt.Printf("   - IP限流: %d/s, 全局限流: %d/s\n", cfg.RateLimit.IPLimit, cfg.RateLimit.GlobalLimit)
	if cfg.Upstream.Enabled {
		fmt.Printf("   - 上游服务器: %s\n", cfg.Upstream.Address)
	}
	if cfg.Monitoring.Enabled {
		fmt.Printf("   - 监控地址: %s%s\n", cfg.GetMetricsAddress(), cfg.Monitoring.MetricsPath)
	}
	fmt.Println("🎯 使用 Ctrl+C 停止服务器")
	fmt.Println()

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		fmt.Printf("\n📡 收到停止信号: %s\n", sig.String())
	case <-gctx.Done():
		fmt.Println("\n📡 上下文已取消")
	}

	fmt.Println("🛑 正在停止服务器...")
	manager.Shutdown()
	cancel()

	if err := g.Wait(); err != nil {
		mainLogger.Error().Err(err).Msg("服务退出异常")
	}

	// 显示统计信息
	stats := manager.GetStats()
	perfStats := perf.GetStats()
	fmt.Println("📈 服务器统计:")
	fmt.Printf("   - 剩余会话: %v\n", stats["sessions"])
	fmt.Printf("   - 累计连接: %v\n", perfStats["total_connections"])
	fmt.Printf("   - 登录成功: %v\n", perfStats["logins"])
	fmt.Printf("   - 网络连接: %v\n", server.GetStats()["connection_count"])

	fmt.Printf("👋 %s 已停止\n", AppName)
}
