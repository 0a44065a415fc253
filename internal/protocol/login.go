package protocol

import (
	"github.com/Tnze/go-mc/chat"
	"github.com/google/uuid"
)

// SignatureData 1.19 登录时客户端携带的玩家公钥信息
type SignatureData struct {
	// Expires 公钥过期时间（Unix 毫秒）
	Expires   int64
	PublicKey []byte
	Signature []byte
}

// LoginStart 登录开始
type LoginStart struct {
	Name string
	// SigData 仅 1.19 / 1.19.2 客户端可能携带
	SigData *SignatureData
	// PlayerUUID 仅 1.19.2 客户端可能携带
	PlayerUUID *uuid.UUID
}

func (*LoginStart) Type() Type { return TypeLoginStart }

func (m *LoginStart) Encode(w *Writer) error {
	w.WriteString(m.Name)
	if w.Protocol < Version1_19 {
		return nil
	}
	w.WriteBool(m.SigData != nil)
	if m.SigData != nil {
		w.WriteLong(m.SigData.Expires)
		w.WriteByteArray(m.SigData.PublicKey)
		w.WriteByteArray(m.SigData.Signature)
	}
	if w.Protocol >= Version1_19_2 {
		w.WriteBool(m.PlayerUUID != nil)
		if m.PlayerUUID != nil {
			w.WriteUUID(*m.PlayerUUID)
		}
	}
	return nil
}

func (m *LoginStart) Decode(r *Reader) (err error) {
	if m.Name, err = r.ReadString(MaxUsernameLen); err != nil {
		return err
	}
	if r.Protocol < Version1_19 {
		return nil
	}
	hasSig, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasSig {
		sd := &SignatureData{}
		if sd.Expires, err = r.ReadLong(); err != nil {
			return err
		}
		if sd.PublicKey, err = r.ReadByteArray(MaxKeyLen); err != nil {
			return err
		}
		if sd.Signature, err = r.ReadByteArray(4096); err != nil {
			return err
		}
		m.SigData = sd
	}
	if r.Protocol < Version1_19_2 {
		return nil
	}
	hasUUID, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasUUID {
		id, err := r.ReadUUID()
		if err != nil {
			return err
		}
		m.PlayerUUID = &id
	}
	return nil
}

// EncryptionRequest 服务器下发公钥与校验令牌
type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

func (*EncryptionRequest) Type() Type { return TypeEncryptionRequest }

func (m *EncryptionRequest) Encode(w *Writer) error {
	w.WriteString(m.ServerID)
	w.WriteByteArray(m.PublicKey)
	w.WriteByteArray(m.VerifyToken)
	return nil
}

func (m *EncryptionRequest) Decode(r *Reader) (err error) {
	if m.ServerID, err = r.ReadString(MaxServerIDLen); err != nil {
		return err
	}
	if m.PublicKey, err = r.ReadByteArray(MaxKeyLen); err != nil {
		return err
	}
	m.VerifyToken, err = r.ReadByteArray(MaxKeyLen)
	return err
}

// EncryptionResponse 客户端回应。1.19 起令牌与签名二选一，由前导标志位区分
type EncryptionResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
	// Signed 为 true 时使用 Salt + Signature，VerifyToken 为空
	Signed    bool
	Salt      int64
	Signature []byte
}

func (*EncryptionResponse) Type() Type { return TypeEncryptionResponse }

func (m *EncryptionResponse) Encode(w *Writer) error {
	w.WriteByteArray(m.SharedSecret)
	if w.Protocol < Version1_19 {
		w.WriteByteArray(m.VerifyToken)
		return nil
	}
	w.WriteBool(!m.Signed)
	if !m.Signed {
		w.WriteByteArray(m.VerifyToken)
		return nil
	}
	w.WriteLong(m.Salt)
	w.WriteByteArray(m.Signature)
	return nil
}

func (m *EncryptionResponse) Decode(r *Reader) (err error) {
	if m.SharedSecret, err = r.ReadByteArray(MaxKeyLen); err != nil {
		return err
	}
	if r.Protocol < Version1_19 {
		m.VerifyToken, err = r.ReadByteArray(MaxKeyLen)
		return err
	}
	hasToken, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasToken {
		m.VerifyToken, err = r.ReadByteArray(MaxKeyLen)
		return err
	}
	m.Signed = true
	if m.Salt, err = r.ReadLong(); err != nil {
		return err
	}
	m.Signature, err = r.ReadByteArray(MaxKeyLen)
	return err
}

// SetCompression 通知客户端开启压缩
type SetCompression struct {
	Threshold int32
}

func (*SetCompression) Type() Type { return TypeSetCompression }

func (m *SetCompression) Encode(w *Writer) error {
	w.WriteVarInt(m.Threshold)
	return nil
}

func (m *SetCompression) Decode(r *Reader) (err error) {
	m.Threshold, err = r.ReadVarInt()
	return err
}

// Property 玩家档案属性（皮肤等）
type Property struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Signature string `json:"signature,omitempty"`
}

// LoginSuccess 登录成功
type LoginSuccess struct {
	UUID     uuid.UUID
	Username string
	// Properties 1.19 起随登录成功一并下发
	Properties []Property
}

func (*LoginSuccess) Type() Type { return TypeLoginSuccess }

func (m *LoginSuccess) Encode(w *Writer) error {
	w.WriteUUID(m.UUID)
	w.WriteString(m.Username)
	if w.Protocol < Version1_19 {
		return nil
	}
	w.WriteVarInt(int32(len(m.Properties)))
	for _, p := range m.Properties {
		w.WriteString(p.Name)
		w.WriteString(p.Value)
		w.WriteBool(p.Signature != "")
		if p.Signature != "" {
			w.WriteString(p.Signature)
		}
	}
	return nil
}

func (m *LoginSuccess) Decode(r *Reader) (err error) {
	if m.UUID, err = r.ReadUUID(); err != nil {
		return err
	}
	if m.Username, err = r.ReadString(MaxUsernameLen); err != nil {
		return err
	}
	if r.Protocol < Version1_19 {
		return nil
	}
	n, err := r.ReadVarInt()
	if err != nil {
		return err
	}
	if n < 0 || int(n) > r.Remaining() {
		return ErrTruncated
	}
	m.Properties = make([]Property, n)
	for i := range m.Properties {
		p := &m.Properties[i]
		if p.Name, err = r.ReadString(MaxPropertyLen); err != nil {
			return err
		}
		if p.Value, err = r.ReadString(MaxPropertyLen); err != nil {
			return err
		}
		signed, err := r.ReadBool()
		if err != nil {
			return err
		}
		if signed {
			if p.Signature, err = r.ReadString(MaxPropertyLen); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoginDisconnect 登录阶段断开
type LoginDisconnect struct {
	Reason chat.Message
}

func (*LoginDisconnect) Type() Type { return TypeLoginDisconnect }

func (m *LoginDisconnect) Encode(w *Writer) error { return writeChat(w, m.Reason) }

func (m *LoginDisconnect) Decode(r *Reader) (err error) {
	m.Reason, err = readChat(r)
	return err
}
