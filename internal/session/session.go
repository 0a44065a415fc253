package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tnze/go-mc/chat"
	"github.com/rs/zerolog"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/monitor"
	"mc-conn-engine/internal/pipeline"
	"mc-conn-engine/internal/protocol"
)

var (
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session closed")

	errKeepAliveTimeout = errors.New("keepalive timeout")
	errLoginTimeout     = errors.New("login timeout")
)

// Session 单个连接的协议会话。
//
// 入站处理由 inMu 串行化，出站编码与写入由 sendMu 串行化，两把锁同时需要时先取 inMu。
// state 与 reg 只在同时持有两把锁时修改，因此持有任意一把即可读取。
type Session struct {
	id        string
	remoteIP  string
	m         *Manager
	conn      io.WriteCloser
	logger    zerolog.Logger
	pipe      *pipeline.Pipeline
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	inMu      sync.Mutex
	sendMu    sync.Mutex
	suspended bool

	state        atomic.Int32
	version      atomic.Int32
	reg          *protocol.Registry
	statusServed bool
	login        *loginFlow
	loginTimer   atomic.Pointer[time.Timer]
	profile      atomic.Pointer[auth.Profile]
	keepAlive    keepAliveTracker
	latency      atomic.Int64
	teleports    *teleportTracker

	life    atomic.Int32
	closing atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func newSession(m *Manager, id, remoteIP string, conn io.WriteCloser, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		remoteIP: remoteIP,
		m:        m,
		conn:     conn,
		logger:   logger,
		pipe: pipeline.New(pipeline.Config{
			MaxFrameSize:        m.cfg.Protocol.MaxFrameSize,
			MaxUncompressedSize: m.cfg.Protocol.MaxUncompressedSize,
		}),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		reg:       m.registries.Default(),
		teleports: newTeleportTracker(),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(protocol.StateHandshake))
	return s
}

// ID 连接 ID
func (s *Session) ID() string { return s.id }

// RemoteIP 对端 IP
func (s *Session) RemoteIP() string { return s.remoteIP }

// State 当前连接状态
func (s *Session) State() protocol.State { return protocol.State(s.state.Load()) }

// Protocol 客户端握手声明的协议版本
func (s *Session) Protocol() int32 { return s.version.Load() }

// Profile 登录成功后的玩家档案，登录完成前为 nil
func (s *Session) Profile() *auth.Profile { return s.profile.Load() }

// Latency 最近一次心跳往返延迟
func (s *Session) Latency() time.Duration { return time.Duration(s.latency.Load()) }

// Stages 管线阶段名，按线路顺序
func (s *Session) Stages() []string { return s.pipe.Stages() }

// Context 会话关闭时取消
func (s *Session) Context() context.Context { return s.ctx }

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Logger 带连接字段的日志器
func (s *Session) Logger() zerolog.Logger { return s.logger }

// Feed 送入从套接字读到的字节并处理所有完整的帧。
// 登录等待外部验证期间只缓冲不处理
func (s *Session) Feed(data []byte) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	if s.closing.Load() {
		return ErrClosed
	}
	if err := s.pipe.Feed(data); err != nil {
		s.fail(err)
		return err
	}
	return s.drain()
}

// drain 逐帧解码并分发，调用方持有 inMu
func (s *Session) drain() error {
	for !s.suspended && !s.closing.Load() {
		payload, err := s.pipe.Next()
		if err != nil {
			s.fail(err)
			return err
		}
		if payload == nil {
			return nil
		}
		s.m.perf.RecordFrame(monitor.DirectionIn)
		if err := s.dispatch(payload); err != nil {
			s.fail(err)
			return err
		}
	}
	return nil
}

// dispatch 解码一条消息并交给当前状态的处理逻辑
func (s *Session) dispatch(payload []byte) error {
	state := s.State()
	msg, err := s.reg.Decode(state, protocol.Serverbound, payload)
	if err != nil {
		if protocol.KindOf(err) != protocol.KindUnknownMessage {
			return err
		}
		s.m.perf.RecordUnknownMessage(state.String())
		if state == protocol.StatePlay && s.m.skipUnknown {
			s.m.unknownLog.Warn("unknown:"+s.remoteIP).
				Str("conn_id", s.id).
				Err(err).
				Msg("跳过未知消息")
			return nil
		}
		return &protocol.Error{Kind: protocol.KindIllegalState, Op: "dispatch", Err: err}
	}

	switch state {
	case protocol.StateHandshake:
		return s.handleHandshake(msg)
	case protocol.StateStatus:
		return s.handleStatus(msg)
	case protocol.StateLogin:
		return s.handleLogin(msg)
	case protocol.StatePlay:
		return s.handlePlay(msg)
	}
	return protocol.Errorf(protocol.KindIllegalState, "dispatch", "no handler for state %s", state)
}

// transitionLocked 调用方同时持有 inMu 与 sendMu
func (s *Session) transitionLocked(to protocol.State) error {
	from := s.State()
	if !protocol.CanTransition(from, to) {
		return protocol.Errorf(protocol.KindIllegalState, "transition", "%s -> %s", from, to)
	}
	s.state.Store(int32(to))
	s.m.perf.RecordTransition(from.String(), to.String())
	return nil
}

func (s *Session) handleHandshake(msg protocol.Message) error {
	hs, ok := msg.(*protocol.Handshake)
	if !ok {
		return protocol.Errorf(protocol.KindIllegalState, "handshake", "unexpected %s", msg.Type())
	}
	s.version.Store(hs.ProtocolVersion)
	s.m.audit.LogHandshake(s.remoteIP, s.id, hs.ProtocolVersion, hs.ServerAddress, hs.ServerPort, hs.NextState)

	switch hs.NextState {
	case protocol.NextStateStatus:
		s.sendMu.Lock()
		err := s.transitionLocked(protocol.StateStatus)
		s.sendMu.Unlock()
		return err

	case protocol.NextStateLogin:
		reg, supported := s.m.registries.For(hs.ProtocolVersion)
		s.sendMu.Lock()
		if supported {
			s.reg = reg
		}
		err := s.transitionLocked(protocol.StateLogin)
		s.sendMu.Unlock()
		if err != nil {
			return err
		}
		if !supported {
			s.m.perf.RecordLogin("unsupported_version", 0)
			return &protocol.Error{
				Kind:   protocol.KindIllegalState,
				Op:     "handshake",
				Reason: s.m.outdatedReason(hs.ProtocolVersion),
				Err:    fmt.Errorf("unsupported protocol %d", hs.ProtocolVersion),
			}
		}
		s.startLogin()
		return nil
	}
	return protocol.Errorf(protocol.KindIllegalState, "handshake", "invalid next state %d", hs.NextState)
}

// handleStatus 一次状态查询，可选一次 ping，之后关闭
func (s *Session) handleStatus(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.StatusRequest:
		if s.statusServed {
			return protocol.Errorf(protocol.KindIllegalState, "status", "duplicate status request")
		}
		s.statusServed = true
		s.m.audit.LogStatusQuery(s.remoteIP, s.id, s.Protocol())
		return s.Send(&protocol.StatusResponse{JSON: string(s.m.status.Response(s.Protocol()))})

	case *protocol.PingRequest:
		if err := s.Send(&protocol.PongResponse{Payload: m.Payload}); err != nil {
			return err
		}
		s.Close(nil)
		return nil
	}
	return protocol.Errorf(protocol.KindIllegalState, "status", "unexpected %s", msg.Type())
}

// handlePlay 引擎处理心跳与传送确认，其余交给应用层
func (s *Session) handlePlay(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.KeepAliveServerbound:
		rtt, err := s.keepAlive.ack(m.ID, time.Now())
		if err != nil {
			return &protocol.Error{
				Kind:   protocol.KindIllegalState,
				Op:     "keepalive",
				Reason: s.m.messages.TimedOut,
				Err:    err,
			}
		}
		s.latency.Store(int64(rtt))
		return nil

	case *protocol.TeleportConfirm:
		if !s.teleports.confirm(m.TeleportID) {
			s.logger.Debug().Int32("teleport_id", m.TeleportID).Msg("忽略未知的传送确认")
		}
		return nil
	}

	if err := safeCall(func() error { return s.m.handler.HandleMessage(s, msg) }); err != nil {
		s.logger.Warn().
			Err(err).
			Str("message", msg.Type().String()).
			Msg("应用层处理消息失败")
	}
	return nil
}

// Send 编码并写出一条消息
func (s *Session) Send(msg protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writeLocked(msg)
}

// writeLocked 调用方持有 sendMu
func (s *Session) writeLocked(msg protocol.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := s.reg.Encode(s.State(), protocol.Clientbound, msg)
	if err != nil {
		return err
	}

	bufp := s.m.frames.Get()
	defer s.m.frames.Put(bufp)
	out, err := s.pipe.AppendEncoded((*bufp)[:0], payload)
	*bufp = out
	if err != nil {
		return err
	}

	n, err := s.conn.Write(out)
	s.m.perf.RecordBytes(monitor.DirectionOut, n)
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	s.m.perf.RecordFrame(monitor.DirectionOut)
	return nil
}

// Teleport 下发位置同步并记录待确认的传送 ID
func (s *Session) Teleport(x, y, z float64, yaw, pitch float32) (int32, error) {
	if s.State() != protocol.StatePlay {
		return 0, fmt.Errorf("teleport in state %s", s.State())
	}
	id := s.teleports.allocate(time.Now())
	return id, s.Send(&protocol.SyncPlayerPosition{
		X: x, Y: y, Z: z,
		Yaw: yaw, Pitch: pitch,
		TeleportID: id,
	})
}

// Disconnect 停止接收输入，尽力发送断开原因后关闭
func (s *Session) Disconnect(reason string) {
	s.disconnect(reason, nil)
}

func (s *Session) disconnect(reason string, cause error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.sendMu.Lock()
	var msg protocol.Message
	switch s.State() {
	case protocol.StateLogin:
		msg = &protocol.LoginDisconnect{Reason: chat.Text(reason)}
	case protocol.StatePlay:
		msg = &protocol.PlayDisconnect{Reason: chat.Text(reason)}
	}
	if msg != nil {
		if err := s.writeLocked(msg); err != nil {
			s.logger.Debug().Err(err).Msg("发送断开原因失败")
		}
	}
	s.sendMu.Unlock()

	s.Close(cause)
}

// fail 把处理过程中的错误转换为关闭动作，是唯一做这件事的地方
func (s *Session) fail(err error) {
	// ErrClosed 说明断开已在进行，保留对方的关闭原因
	if s.closed.Load() || errors.Is(err, ErrClosed) {
		return
	}
	state := s.State()
	kind := protocol.KindOf(err)

	if kind == protocol.KindNone {
		s.logger.Debug().Err(err).Msg("连接处理失败")
		s.Close(err)
		return
	}

	s.m.perf.RecordProtocolError(kind.String())
	s.m.security.LogProtocolViolation(s.remoteIP, kind.String(), err)
	if state == protocol.StateLogin && s.login != nil {
		if kind == protocol.KindAuth {
			s.m.audit.LogAuthFailure(s.remoteIP, s.id, s.login.name, err.Error())
			s.m.perf.RecordLogin("auth_failed", time.Since(s.login.started))
		} else {
			s.m.audit.LogProtocolViolation(s.remoteIP, s.id, kind.String(), err.Error())
			s.m.perf.RecordLogin("error", time.Since(s.login.started))
		}
	} else {
		s.m.audit.LogProtocolViolation(s.remoteIP, s.id, kind.String(), err.Error())
	}

	if kind.Silent() || (state != protocol.StateLogin && state != protocol.StatePlay) {
		s.Close(err)
		return
	}

	reason := protocol.ReasonOf(err)
	if reason == "" {
		if kind == protocol.KindAuth {
			reason = s.m.messages.AuthFailed
		} else {
			reason = s.m.messages.IllegalState
		}
	}
	s.disconnect(reason, err)
}

// Close 立即关闭连接并释放管线，可重复调用
func (s *Session) Close(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closing.Store(true)
	s.cancel()
	s.stopLoginTimer()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("关闭连接失败")
	}
	s.pipe.Release()
	s.m.release(s, cause)
	close(s.done)
}

// keepAliveLoop 进入游戏阶段后定期下发心跳挑战
func (s *Session) keepAliveLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.keepAlive.expired(now, timeout) {
				s.logger.Debug().Dur("timeout", timeout).Msg("心跳超时")
				s.disconnect(s.m.messages.TimedOut, errKeepAliveTimeout)
				return
			}
			if id, ok := s.keepAlive.challenge(now); ok {
				if err := s.Send(&protocol.KeepAliveClientbound{ID: id}); err != nil {
					s.Close(err)
					return
				}
			}
		}
	}
}
