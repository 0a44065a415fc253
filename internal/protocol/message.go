package protocol

import (
	"fmt"

	"github.com/Tnze/go-mc/chat"
	"github.com/bytedance/sonic"
)

// 支持的协议版本
const (
	Version1_18_2 int32 = 758
	Version1_19   int32 = 759
	Version1_19_2 int32 = 760
)

// 字段长度上限
const (
	MaxServerAddressLen = 255
	MaxUsernameLen      = 16
	MaxServerIDLen      = 20
	MaxChatLen          = 262144
	MaxStatusLen        = 32767
	MaxKeyLen           = 512
	MaxPropertyLen      = 32767
)

// Type 消息类型标识
type Type uint16

const (
	TypeUnknown Type = iota
	TypeHandshake
	TypeStatusRequest
	TypeStatusResponse
	TypePingRequest
	TypePongResponse
	TypeLoginStart
	TypeEncryptionRequest
	TypeEncryptionResponse
	TypeLoginSuccess
	TypeSetCompression
	TypeLoginDisconnect
	TypeKeepAliveClientbound
	TypeKeepAliveServerbound
	TypeTeleportConfirm
	TypeSyncPlayerPosition
	TypePlayDisconnect

	// TypeCustomBase 应用层自定义消息类型从这里开始编号
	TypeCustomBase Type = 1000
)

var typeNames = map[Type]string{
	TypeHandshake:            "Handshake",
	TypeStatusRequest:        "StatusRequest",
	TypeStatusResponse:       "StatusResponse",
	TypePingRequest:          "PingRequest",
	TypePongResponse:         "PongResponse",
	TypeLoginStart:           "LoginStart",
	TypeEncryptionRequest:    "EncryptionRequest",
	TypeEncryptionResponse:   "EncryptionResponse",
	TypeLoginSuccess:         "LoginSuccess",
	TypeSetCompression:       "SetCompression",
	TypeLoginDisconnect:      "LoginDisconnect",
	TypeKeepAliveClientbound: "KeepAliveClientbound",
	TypeKeepAliveServerbound: "KeepAliveServerbound",
	TypeTeleportConfirm:      "TeleportConfirm",
	TypeSyncPlayerPosition:   "SyncPlayerPosition",
	TypePlayDisconnect:       "PlayDisconnect",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

// Message 一条已解码的协议消息
type Message interface {
	Type() Type
	Encode(w *Writer) error
	Decode(r *Reader) error
}

// Handshake 握手包
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

func (*Handshake) Type() Type { return TypeHandshake }

func (m *Handshake) Encode(w *Writer) error {
	w.WriteVarInt(m.ProtocolVersion)
	w.WriteString(m.ServerAddress)
	w.WriteUnsignedShort(m.ServerPort)
	w.WriteVarInt(m.NextState)
	return nil
}

func (m *Handshake) Decode(r *Reader) (err error) {
	if m.ProtocolVersion, err = r.ReadVarInt(); err != nil {
		return err
	}
	if m.ServerAddress, err = r.ReadString(MaxServerAddressLen); err != nil {
		return err
	}
	if m.ServerPort, err = r.ReadUnsignedShort(); err != nil {
		return err
	}
	m.NextState, err = r.ReadVarInt()
	return err
}

// StatusRequest 状态查询请求（无字段）
type StatusRequest struct{}

func (*StatusRequest) Type() Type           { return TypeStatusRequest }
func (*StatusRequest) Encode(*Writer) error { return nil }
func (*StatusRequest) Decode(*Reader) error { return nil }

// StatusResponse 状态响应，JSON 文本
type StatusResponse struct {
	JSON string
}

func (*StatusResponse) Type() Type { return TypeStatusResponse }

func (m *StatusResponse) Encode(w *Writer) error {
	w.WriteString(m.JSON)
	return nil
}

func (m *StatusResponse) Decode(r *Reader) (err error) {
	m.JSON, err = r.ReadString(MaxStatusLen)
	return err
}

// PingRequest 状态阶段 ping
type PingRequest struct {
	Payload int64
}

func (*PingRequest) Type() Type { return TypePingRequest }

func (m *PingRequest) Encode(w *Writer) error {
	w.WriteLong(m.Payload)
	return nil
}

func (m *PingRequest) Decode(r *Reader) (err error) {
	m.Payload, err = r.ReadLong()
	return err
}

// PongResponse 回显 ping 负载
type PongResponse struct {
	Payload int64
}

func (*PongResponse) Type() Type { return TypePongResponse }

func (m *PongResponse) Encode(w *Writer) error {
	w.WriteLong(m.Payload)
	return nil
}

func (m *PongResponse) Decode(r *Reader) (err error) {
	m.Payload, err = r.ReadLong()
	return err
}

// writeChat 以 JSON 文本组件写出聊天消息
func writeChat(w *Writer, m chat.Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	w.WriteString(string(data))
	return nil
}

func readChat(r *Reader) (chat.Message, error) {
	var m chat.Message
	s, err := r.ReadString(MaxChatLen)
	if err != nil {
		return m, err
	}
	if err := sonic.UnmarshalString(s, &m); err != nil {
		return m, fmt.Errorf("unmarshal chat: %w", err)
	}
	return m, nil
}
