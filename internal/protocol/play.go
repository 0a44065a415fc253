package protocol

import "github.com/Tnze/go-mc/chat"

// KeepAliveClientbound 服务器发起的心跳挑战
type KeepAliveClientbound struct {
	ID int64
}

func (*KeepAliveClientbound) Type() Type { return TypeKeepAliveClientbound }

func (m *KeepAliveClientbound) Encode(w *Writer) error {
	w.WriteLong(m.ID)
	return nil
}

func (m *KeepAliveClientbound) Decode(r *Reader) (err error) {
	m.ID, err = r.ReadLong()
	return err
}

// KeepAliveServerbound 客户端回显心跳
type KeepAliveServerbound struct {
	ID int64
}

func (*KeepAliveServerbound) Type() Type { return TypeKeepAliveServerbound }

func (m *KeepAliveServerbound) Encode(w *Writer) error {
	w.WriteLong(m.ID)
	return nil
}

func (m *KeepAliveServerbound) Decode(r *Reader) (err error) {
	m.ID, err = r.ReadLong()
	return err
}

// TeleportConfirm 客户端确认传送
type TeleportConfirm struct {
	TeleportID int32
}

func (*TeleportConfirm) Type() Type { return TypeTeleportConfirm }

func (m *TeleportConfirm) Encode(w *Writer) error {
	w.WriteVarInt(m.TeleportID)
	return nil
}

func (m *TeleportConfirm) Decode(r *Reader) (err error) {
	m.TeleportID, err = r.ReadVarInt()
	return err
}

// SyncPlayerPosition 服务器同步玩家位置，需要客户端以 TeleportConfirm 确认
type SyncPlayerPosition struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	// Flags 按位标记哪些坐标为相对值
	Flags           byte
	TeleportID      int32
	DismountVehicle bool
}

func (*SyncPlayerPosition) Type() Type { return TypeSyncPlayerPosition }

func (m *SyncPlayerPosition) Encode(w *Writer) error {
	w.WriteDouble(m.X)
	w.WriteDouble(m.Y)
	w.WriteDouble(m.Z)
	w.WriteFloat(m.Yaw)
	w.WriteFloat(m.Pitch)
	_ = w.WriteByte(m.Flags)
	w.WriteVarInt(m.TeleportID)
	w.WriteBool(m.DismountVehicle)
	return nil
}

func (m *SyncPlayerPosition) Decode(r *Reader) (err error) {
	if m.X, err = r.ReadDouble(); err != nil {
		return err
	}
	if m.Y, err = r.ReadDouble(); err != nil {
		return err
	}
	if m.Z, err = r.ReadDouble(); err != nil {
		return err
	}
	if m.Yaw, err = r.ReadFloat(); err != nil {
		return err
	}
	if m.Pitch, err = r.ReadFloat(); err != nil {
		return err
	}
	if m.Flags, err = r.ReadByte(); err != nil {
		return err
	}
	if m.TeleportID, err = r.ReadVarInt(); err != nil {
		return err
	}
	m.DismountVehicle, err = r.ReadBool()
	return err
}

// PlayDisconnect 游戏阶段断开
type PlayDisconnect struct {
	Reason chat.Message
}

func (*PlayDisconnect) Type() Type { return TypePlayDisconnect }

func (m *PlayDisconnect) Encode(w *Writer) error { return writeChat(w, m.Reason) }

func (m *PlayDisconnect) Decode(r *Reader) (err error) {
	m.Reason, err = readChat(r)
	return err
}
