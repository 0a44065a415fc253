package protocol

import (
	"errors"
	"fmt"
)

// Kind 协议错误分类
type Kind uint8

const (
	KindNone Kind = iota
	// KindFraming 帧格式错误（VarInt 过长、帧长度越界），流已不可信
	KindFraming
	// KindCompression 解压失败或解压后长度与声明不符
	KindCompression
	// KindCrypto 加密层错误
	KindCrypto
	// KindMalformed 消息字段无法解析
	KindMalformed
	// KindUnknownMessage 当前状态下未注册的消息 ID
	KindUnknownMessage
	// KindIllegalState 消息在当前状态下不合法
	KindIllegalState
	// KindAuth 登录校验失败
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindCompression:
		return "compression"
	case KindCrypto:
		return "crypto"
	case KindMalformed:
		return "malformed"
	case KindUnknownMessage:
		return "unknown_message"
	case KindIllegalState:
		return "illegal_state"
	case KindAuth:
		return "auth"
	}
	return "none"
}

// Silent 该类错误关闭连接时不发送断开原因
func (k Kind) Silent() bool {
	return k == KindFraming || k == KindCompression || k == KindCrypto
}

// Error 协议错误
type Error struct {
	Kind Kind
	Op   string
	// Reason 发给客户端的断开原因，为空时由会话按 Kind 选择默认文案
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 创建协议错误
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 按格式创建协议错误
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 提取错误分类，非协议错误返回 KindNone
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNone
}

// ReasonOf 提取错误携带的断开原因
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

var (
	// ErrIncomplete 缓冲数据不足，需要等待更多字节
	ErrIncomplete = errors.New("incomplete data")
	// ErrVarIntTooBig VarInt 超过 5 字节仍未结束
	ErrVarIntTooBig = errors.New("varint too big")
	// ErrTruncated 字段读取越过消息末尾
	ErrTruncated = errors.New("field truncated")
)
