package session

import (
	"fmt"

	"mc-conn-engine/internal/protocol"
)

// Handler 应用层回调。引擎自行处理心跳与传送确认，其余游戏阶段消息交给 HandleMessage。
// 回调在连接的入站处理协程中同步执行，消息中的切片只在回调期间有效
type Handler interface {
	// OnLogin 连接进入游戏阶段
	OnLogin(s *Session)
	// HandleMessage 处理一条游戏阶段消息。返回的错误只记录日志，不影响连接
	HandleMessage(s *Session, msg protocol.Message) error
	// OnDisconnect 已进入游戏阶段的连接关闭，每个连接只调用一次
	OnDisconnect(s *Session, cause error)
}

// NopHandler 忽略所有事件
type NopHandler struct{}

func (NopHandler) OnLogin(*Session)                               {}
func (NopHandler) HandleMessage(*Session, protocol.Message) error { return nil }
func (NopHandler) OnDisconnect(*Session, error)                   {}

// safeCall 执行应用层回调，把 panic 转为错误
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
