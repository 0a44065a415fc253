package protocol

import (
	"fmt"
	"slices"
)

// Factory 创建一个空消息用于解码
type Factory func() Message

// Hook 在注册表冻结前追加应用层消息
type Hook func(b *Builder) error

type entry struct {
	id      int32
	typ     Type
	factory Factory
}

type tableKey struct {
	state State
	dir   Direction
}

type table struct {
	byID   map[int32]entry
	byType map[Type]entry
}

// Builder 注册表构建器，Build 之后不可再修改
type Builder struct {
	protocol int32
	tables   map[tableKey]*table
	built    bool
}

// NewBuilder 为指定协议版本创建构建器
func NewBuilder(protocol int32) *Builder {
	return &Builder{protocol: protocol, tables: make(map[tableKey]*table)}
}

// Protocol 构建器对应的协议版本
func (b *Builder) Protocol() int32 { return b.protocol }

// Register 登记 (state, dir) 表中的一条消息。同一张表内 ID 和类型都不能重复
func (b *Builder) Register(state State, dir Direction, id int32, typ Type, factory Factory) error {
	if b.built {
		return fmt.Errorf("registry for protocol %d already built", b.protocol)
	}
	if factory == nil {
		return fmt.Errorf("nil factory for %s", typ)
	}
	k := tableKey{state, dir}
	t := b.tables[k]
	if t == nil {
		t = &table{byID: make(map[int32]entry), byType: make(map[Type]entry)}
		b.tables[k] = t
	}
	if prev, ok := t.byID[id]; ok {
		return fmt.Errorf("%s %s id 0x%02X already registered to %s", state, dir, id, prev.typ)
	}
	if prev, ok := t.byType[typ]; ok {
		return fmt.Errorf("%s %s type %s already registered with id 0x%02X", state, dir, typ, prev.id)
	}
	e := entry{id: id, typ: typ, factory: factory}
	t.byID[id] = e
	t.byType[typ] = e
	return nil
}

// Build 冻结为只读注册表
func (b *Builder) Build() *Registry {
	b.built = true
	return &Registry{protocol: b.protocol, tables: b.tables}
}

// Registry 某个协议版本的只读消息注册表，可被多个连接并发使用
type Registry struct {
	protocol int32
	tables   map[tableKey]*table
}

// Protocol 注册表对应的协议版本
func (r *Registry) Protocol() int32 { return r.protocol }

// ID 查询消息类型在表中的 ID
func (r *Registry) ID(state State, dir Direction, typ Type) (int32, bool) {
	t := r.tables[tableKey{state, dir}]
	if t == nil {
		return 0, false
	}
	e, ok := t.byType[typ]
	return e.id, ok
}

// Decode 解码一个完整的消息体（ID + 字段）
func (r *Registry) Decode(state State, dir Direction, payload []byte) (Message, error) {
	id, n, err := DecodeVarInt(payload)
	if err != nil {
		return nil, NewError(KindMalformed, "decode message id", err)
	}
	t := r.tables[tableKey{state, dir}]
	var e entry
	ok := false
	if t != nil {
		e, ok = t.byID[int32(id)]
	}
	if !ok {
		return nil, Errorf(KindUnknownMessage, "decode", "unknown %s message id 0x%02X in %s", dir, id, state)
	}

	msg := e.factory()
	rd := NewReader(payload[n:], r.protocol)
	if err := msg.Decode(rd); err != nil {
		return nil, NewError(KindMalformed, "decode "+e.typ.String(), err)
	}
	if rd.Remaining() > 0 {
		return nil, Errorf(KindMalformed, "decode "+e.typ.String(), "%d trailing bytes", rd.Remaining())
	}
	return msg, nil
}

// Encode 编码消息为消息体（ID + 字段）
func (r *Registry) Encode(state State, dir Direction, msg Message) ([]byte, error) {
	id, ok := r.ID(state, dir, msg.Type())
	if !ok {
		return nil, fmt.Errorf("%s not registered for %s %s (protocol %d)", msg.Type(), state, dir, r.protocol)
	}
	w := NewWriter(r.protocol)
	w.WriteVarInt(id)
	if err := msg.Encode(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return w.Bytes(), nil
}

// playIDs 各版本游戏阶段内置消息 ID
type playIDs struct {
	keepAliveCB     int32
	disconnect      int32
	syncPosition    int32
	teleportConfirm int32
	keepAliveSB     int32
}

var builtinPlayIDs = map[int32]playIDs{
	Version1_18_2: {keepAliveCB: 0x21, disconnect: 0x1A, syncPosition: 0x38, teleportConfirm: 0x00, keepAliveSB: 0x0F},
	Version1_19:   {keepAliveCB: 0x1E, disconnect: 0x17, syncPosition: 0x36, teleportConfirm: 0x00, keepAliveSB: 0x11},
	Version1_19_2: {keepAliveCB: 0x20, disconnect: 0x19, syncPosition: 0x39, teleportConfirm: 0x00, keepAliveSB: 0x12},
}

// SupportedVersions 内置注册表支持的协议版本
func SupportedVersions() []int32 {
	out := make([]int32, 0, len(builtinPlayIDs))
	for v := range builtinPlayIDs {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

type registration struct {
	state   State
	dir     Direction
	id      int32
	typ     Type
	factory Factory
}

// NewRegistry 构建指定版本的内置注册表，hooks 可追加应用层消息
func NewRegistry(protocol int32, hooks ...Hook) (*Registry, error) {
	ids, ok := builtinPlayIDs[protocol]
	if !ok {
		return nil, fmt.Errorf("no built-in registry for protocol %d", protocol)
	}

	regs := []registration{
		{StateHandshake, Serverbound, 0x00, TypeHandshake, func() Message { return &Handshake{} }},

		{StateStatus, Serverbound, 0x00, TypeStatusRequest, func() Message { return &StatusRequest{} }},
		{StateStatus, Serverbound, 0x01, TypePingRequest, func() Message { return &PingRequest{} }},
		{StateStatus, Clientbound, 0x00, TypeStatusResponse, func() Message { return &StatusResponse{} }},
		{StateStatus, Clientbound, 0x01, TypePongResponse, func() Message { return &PongResponse{} }},

		{StateLogin, Serverbound, 0x00, TypeLoginStart, func() Message { return &LoginStart{} }},
		{StateLogin, Serverbound, 0x01, TypeEncryptionResponse, func() Message { return &EncryptionResponse{} }},
		{StateLogin, Clientbound, 0x00, TypeLoginDisconnect, func() Message { return &LoginDisconnect{} }},
		{StateLogin, Clientbound, 0x01, TypeEncryptionRequest, func() Message { return &EncryptionRequest{} }},
		{StateLogin, Clientbound, 0x02, TypeLoginSuccess, func() Message { return &LoginSuccess{} }},
		{StateLogin, Clientbound, 0x03, TypeSetCompression, func() Message { return &SetCompression{} }},

		{StatePlay, Serverbound, ids.teleportConfirm, TypeTeleportConfirm, func() Message { return &TeleportConfirm{} }},
		{StatePlay, Serverbound, ids.keepAliveSB, TypeKeepAliveServerbound, func() Message { return &KeepAliveServerbound{} }},
		{StatePlay, Clientbound, ids.keepAliveCB, TypeKeepAliveClientbound, func() Message { return &KeepAliveClientbound{} }},
		{StatePlay, Clientbound, ids.disconnect, TypePlayDisconnect, func() Message { return &PlayDisconnect{} }},
		{StatePlay, Clientbound, ids.syncPosition, TypeSyncPlayerPosition, func() Message { return &SyncPlayerPosition{} }},
	}

	b := NewBuilder(protocol)
	for _, reg := range regs {
		if err := b.Register(reg.state, reg.dir, reg.id, reg.typ, reg.factory); err != nil {
			return nil, err
		}
	}
	for _, hook := range hooks {
		if err := hook(b); err != nil {
			return nil, fmt.Errorf("registry hook (protocol %d): %w", protocol, err)
		}
	}
	return b.Build(), nil
}

// Registries 启动时为每个配置版本构建的注册表集合
type Registries struct {
	byVersion map[int32]*Registry
	def       *Registry
	versions  []int32
}

// NewRegistries 构建注册表集合。defaultVersion 必须在 versions 中
func NewRegistries(versions []int32, defaultVersion int32, hooks ...Hook) (*Registries, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("no protocol versions configured")
	}
	rs := &Registries{byVersion: make(map[int32]*Registry, len(versions))}
	for _, v := range versions {
		if _, dup := rs.byVersion[v]; dup {
			continue
		}
		reg, err := NewRegistry(v, hooks...)
		if err != nil {
			return nil, err
		}
		rs.byVersion[v] = reg
		rs.versions = append(rs.versions, v)
	}
	slices.Sort(rs.versions)

	def, ok := rs.byVersion[defaultVersion]
	if !ok {
		return nil, fmt.Errorf("default protocol %d not in configured versions", defaultVersion)
	}
	rs.def = def
	return rs, nil
}

// For 按客户端协议版本查找注册表
func (rs *Registries) For(version int32) (*Registry, bool) {
	r, ok := rs.byVersion[version]
	return r, ok
}

// Default 握手与状态阶段使用的注册表
func (rs *Registries) Default() *Registry { return rs.def }

// Versions 已构建的协议版本（升序）
func (rs *Registries) Versions() []int32 { return rs.versions }

// Oldest 最低支持版本
func (rs *Registries) Oldest() int32 { return rs.versions[0] }

// Newest 最高支持版本
func (rs *Registries) Newest() int32 { return rs.versions[len(rs.versions)-1] }
