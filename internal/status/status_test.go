package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"mc-conn-engine/internal/config"
)

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := sonic.Unmarshal(data, &out); err != nil {
		t.Fatalf("解析状态 JSON 失败: %v", err)
	}
	return out
}

func TestStaticProvider(t *testing.T) {
	msgs := config.MessagesConfig{
		MOTD:            "hello",
		VersionName:     "1.19.2",
		ProtocolVersion: 760,
		MaxPlayers:      20,
	}
	online := 3
	p := NewStaticProvider(msgs, []int32{758, 759, 760}, func() int { return online })

	tests := []struct {
		name    string
		client  int32
		wantVer float64
	}{
		{"受支持版本回显", 758, 758},
		{"不支持的版本使用配置值", 47, 760},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := decode(t, p.Response(tt.client))
			version := info["version"].(map[string]any)
			if version["protocol"].(float64) != tt.wantVer {
				t.Errorf("期望协议版本 %v，实际为 %v", tt.wantVer, version["protocol"])
			}
			if version["name"] != "1.19.2" {
				t.Errorf("版本名不正确: %v", version["name"])
			}
			players := info["players"].(map[string]any)
			if players["online"].(float64) != 3 || players["max"].(float64) != 20 {
				t.Errorf("玩家信息不正确: %v", players)
			}
			desc := info["description"].(map[string]any)
			if desc["text"] != "hello" {
				t.Errorf("描述不正确: %v", desc)
			}
		})
	}
}

func newTestSyncer(ping PingFunc, override bool) *UpstreamSyncer {
	cfg := config.Default()
	cfg.Upstream.Enabled = true
	cfg.Upstream.Address = "upstream.example.com"
	cfg.Upstream.RetryCount = 1
	cfg.Upstream.RetryInterval = time.Millisecond
	cfg.Upstream.SyncInterval = time.Hour
	cfg.Upstream.OverrideVersion = override
	cfg.Messages.VersionName = "engine"
	cfg.Messages.ProtocolVersion = 758

	fallback := NewStaticProvider(cfg.Messages, nil, nil)
	us := NewUpstreamSyncer(cfg, fallback, zerolog.Nop())
	us.ping = ping
	return us
}

const upstreamJSON = `{"version":{"name":"Velocity","protocol":760},"players":{"max":500,"online":42},"description":{"text":"up"}}`

func TestUpstreamSyncerOverride(t *testing.T) {
	us := newTestSyncer(func(string, time.Duration) ([]byte, error) {
		return []byte(upstreamJSON), nil
	}, true)

	// 首次同步前使用回退响应
	if info := decode(t, us.Response(760)); info["description"].(map[string]any)["text"] == "up" {
		t.Error("同步前不应返回上游响应")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := us.Start(ctx); err != nil {
		t.Fatalf("启动同步器失败: %v", err)
	}
	if err := us.Start(ctx); err == nil {
		t.Error("重复启动应返回错误")
	}

	info := decode(t, us.Response(760))
	version := info["version"].(map[string]any)
	if version["name"] != "engine" || version["protocol"].(float64) != 758 {
		t.Errorf("版本块应被覆盖，实际为 %v", version)
	}
	if info["players"].(map[string]any)["online"].(float64) != 42 {
		t.Error("在线人数应保留上游值")
	}
}

func TestUpstreamSyncerOffline(t *testing.T) {
	fail := false
	attempts := 0
	us := newTestSyncer(func(string, time.Duration) ([]byte, error) {
		attempts++
		if fail {
			return nil, errors.New("connection refused")
		}
		return []byte(upstreamJSON), nil
	}, false)

	ctx := context.Background()
	us.syncOnce(ctx)
	if decode(t, us.Response(0))["version"].(map[string]any)["name"] != "Velocity" {
		t.Error("未开启覆盖时应保留上游版本块")
	}

	fail = true
	attempts = 0
	us.syncOnce(ctx)
	if attempts != 2 {
		t.Errorf("期望重试后共尝试 2 次，实际为 %d", attempts)
	}
	info := decode(t, us.Response(0))
	if info["players"].(map[string]any)["online"].(float64) != 0 {
		t.Error("上游不可用时在线人数应为 0")
	}
	if us.GetStats()["upstream_available"].(bool) {
		t.Error("应标记上游不可用")
	}
}

func TestUpstreamSyncerDisabled(t *testing.T) {
	us := newTestSyncer(func(string, time.Duration) ([]byte, error) {
		t.Error("禁用时不应发起查询")
		return nil, nil
	}, false)
	us.cfg.Enabled = false
	if err := us.Start(context.Background()); err != nil {
		t.Fatalf("禁用时启动不应失败: %v", err)
	}
}
