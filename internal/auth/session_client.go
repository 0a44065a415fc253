package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"mc-conn-engine/internal/protocol"
)

// DefaultSessionServer 官方会话服务器
const DefaultSessionServer = "https://sessionserver.mojang.com"

// ErrNotAuthenticated 会话服务器认为该玩家未加入本服务器
var ErrNotAuthenticated = errors.New("player has not joined")

// Profile 已验证的玩家档案
type Profile struct {
	ID         uuid.UUID
	Name       string
	Properties []protocol.Property
}

// Authenticator 外部身份查询，调用可能阻塞，由登录流程异步调用
type Authenticator interface {
	HasJoined(ctx context.Context, username, serverHash, ip string) (*Profile, error)
}

type profileResponse struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Properties []protocol.Property `json:"properties"`
}

// SessionClient 会话服务器 hasJoined 客户端
type SessionClient struct {
	baseURL      string
	client       *http.Client
	preventProxy bool
}

// NewSessionClient 创建客户端，baseURL 为空时使用官方地址
func NewSessionClient(baseURL string, timeout time.Duration, preventProxy bool) *SessionClient {
	if baseURL == "" {
		baseURL = DefaultSessionServer
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SessionClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		preventProxy: preventProxy,
	}
}

// HasJoined 查询玩家是否已通过客户端向会话服务器登记
func (c *SessionClient) HasJoined(ctx context.Context, username, serverHash, ip string) (*Profile, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("serverId", serverHash)
	if c.preventProxy && ip != "" {
		q.Set("ip", ip)
	}
	endpoint := c.baseURL + "/session/minecraft/hasJoined?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusForbidden:
		return nil, ErrNotAuthenticated
	default:
		return nil, fmt.Errorf("session server unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	var pr profileResponse
	if err := sonic.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	id, err := uuid.Parse(pr.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid profile id %q: %w", pr.ID, err)
	}
	return &Profile{ID: id, Name: pr.Name, Properties: pr.Properties}, nil
}
