package status

import (
	"slices"

	"github.com/bytedance/sonic"

	"mc-conn-engine/internal/config"
)

// Provider 为状态查询生成响应 JSON
type Provider interface {
	// Response 按客户端握手声明的协议版本生成状态 JSON
	Response(clientVersion int32) []byte
}

// Version 状态响应中的版本块
type Version struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// Players 状态响应中的玩家块
type Players struct {
	Max    int `json:"max"`
	Online int `json:"online"`
}

// Description 服务器描述
type Description struct {
	Text string `json:"text"`
}

// Response 状态响应
type Response struct {
	Version     Version     `json:"version"`
	Players     Players     `json:"players"`
	Description Description `json:"description"`
	Favicon     string      `json:"favicon,omitempty"`
}

// fallbackResponse 序列化失败时使用
var fallbackResponse = []byte(`{"version":{"name":"1.18.2","protocol":758},"players":{"max":0,"online":0},"description":{"text":""}}`)

// StaticProvider 基于配置文案与实时在线人数生成状态
type StaticProvider struct {
	messages  config.MessagesConfig
	supported []int32
	online    func() int
}

// NewStaticProvider 创建静态状态提供者。online 可为 nil
func NewStaticProvider(messages config.MessagesConfig, supported []int32, online func() int) *StaticProvider {
	return &StaticProvider{
		messages:  messages,
		supported: slices.Clone(supported),
		online:    online,
	}
}

// Response 客户端版本受支持时回显该版本，否则使用配置的协议号
func (p *StaticProvider) Response(clientVersion int32) []byte {
	resp := Response{
		Version: Version{
			Name:     p.messages.VersionName,
			Protocol: int32(p.messages.ProtocolVersion),
		},
		Players:     Players{Max: p.messages.MaxPlayers},
		Description: Description{Text: p.messages.MOTD},
	}
	if slices.Contains(p.supported, clientVersion) {
		resp.Version.Protocol = clientVersion
	}
	if p.online != nil {
		resp.Players.Online = p.online()
	}

	data, err := sonic.Marshal(&resp)
	if err != nil {
		return fallbackResponse
	}
	return data
}
