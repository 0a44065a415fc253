package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"regexp"
	"time"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/pipeline"
	"mc-conn-engine/internal/protocol"
)

// verifyTokenSize 校验令牌长度
const verifyTokenSize = 16

var validName = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)

type loginPhase uint8

const (
	phaseAwaitStart loginPhase = iota
	phaseAwaitEncryption
	phaseAwaitVerification
	phaseDone
)

func (p loginPhase) String() string {
	switch p {
	case phaseAwaitStart:
		return "await_start"
	case phaseAwaitEncryption:
		return "await_encryption"
	case phaseAwaitVerification:
		return "await_verification"
	}
	return "done"
}

// loginFlow 登录阶段的协商状态，只在 inMu 下访问
type loginFlow struct {
	phase     loginPhase
	started   time.Time
	name      string
	playerKey *auth.PlayerKey
	token     []byte
}

// startLogin 进入登录阶段并启动超时计时
func (s *Session) startLogin() {
	s.login = &loginFlow{started: time.Now()}
	if d := s.m.cfg.Protocol.LoginTimeout; d > 0 {
		s.loginTimer.Store(time.AfterFunc(d, s.onLoginTimeout))
	}
}

func (s *Session) stopLoginTimer() {
	if t := s.loginTimer.Swap(nil); t != nil {
		t.Stop()
	}
}

// onLoginTimeout 在计时器协程中执行，与入站处理一样持有 inMu，
// 避免与 finishLogin 交错
func (s *Session) onLoginTimeout() {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.State() != protocol.StateLogin || s.closing.Load() {
		return
	}
	s.m.perf.RecordLogin("timeout", s.m.cfg.Protocol.LoginTimeout)
	s.logger.Debug().Msg("登录超时")
	s.disconnect(s.m.messages.LoginTimeout, errLoginTimeout)
}

func (s *Session) handleLogin(msg protocol.Message) error {
	lf := s.login
	switch lf.phase {
	case phaseAwaitStart:
		if m, ok := msg.(*protocol.LoginStart); ok {
			return s.handleLoginStart(m)
		}
	case phaseAwaitEncryption:
		if m, ok := msg.(*protocol.EncryptionResponse); ok {
			return s.handleEncryptionResponse(m)
		}
	}
	return protocol.Errorf(protocol.KindIllegalState, "login", "unexpected %s in phase %s", msg.Type(), lf.phase)
}

func (s *Session) handleLoginStart(m *protocol.LoginStart) error {
	lf := s.login
	if !validName.MatchString(m.Name) {
		return &protocol.Error{
			Kind:   protocol.KindAuth,
			Op:     "login start",
			Reason: s.m.messages.InvalidUsername,
			Err:    fmt.Errorf("invalid username %q", m.Name),
		}
	}
	lf.name = m.Name
	s.m.audit.LogLoginAttempt(s.remoteIP, s.id, s.Protocol(), m.Name)

	if m.SigData != nil {
		key, err := auth.ParsePlayerKey(m.SigData.PublicKey, m.SigData.Expires, time.Now())
		if err != nil {
			return protocol.NewError(protocol.KindAuth, "player key", err)
		}
		lf.playerKey = key
	}

	if !s.m.cfg.Protocol.EncryptionEnabled() {
		return s.finishLogin(offlineProfile(m.Name))
	}

	lf.token = make([]byte, verifyTokenSize)
	if _, err := rand.Read(lf.token); err != nil {
		return err
	}
	lf.phase = phaseAwaitEncryption
	return s.Send(&protocol.EncryptionRequest{
		PublicKey:   s.m.keys.PublicDER(),
		VerifyToken: lf.token,
	})
}

func (s *Session) handleEncryptionResponse(m *protocol.EncryptionResponse) error {
	lf := s.login

	secret, err := s.m.keys.Decrypt(m.SharedSecret)
	if err != nil {
		return protocol.NewError(protocol.KindAuth, "decrypt shared secret", err)
	}
	if len(secret) != pipeline.SecretSize {
		return protocol.Errorf(protocol.KindAuth, "decrypt shared secret", "shared secret is %d bytes", len(secret))
	}

	if m.Signed {
		if lf.playerKey == nil {
			return protocol.Errorf(protocol.KindAuth, "verify", "salt signature without player key")
		}
		if err := lf.playerKey.VerifySaltSignature(lf.token, m.Salt, m.Signature); err != nil {
			return protocol.NewError(protocol.KindAuth, "verify", err)
		}
	} else {
		token, err := s.m.keys.Decrypt(m.VerifyToken)
		if err != nil {
			return protocol.NewError(protocol.KindAuth, "decrypt verify token", err)
		}
		if subtle.ConstantTimeCompare(token, lf.token) != 1 {
			return protocol.Errorf(protocol.KindAuth, "verify", "verify token mismatch")
		}
	}

	s.sendMu.Lock()
	err = s.pipe.EnableEncryption(secret)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}

	if s.m.authenticator == nil {
		return s.finishLogin(offlineProfile(lf.name))
	}

	lf.phase = phaseAwaitVerification
	s.suspended = true
	hash := auth.ServerHash("", secret, s.m.keys.PublicDER())
	go s.verifyOnline(lf.name, hash)
	return nil
}

// verifyOnline 向会话服务器确认玩家身份，完成后在 inMu 下恢复入站处理
func (s *Session) verifyOnline(name, serverHash string) {
	ctx := s.ctx
	if d := s.m.cfg.Auth.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	profile, err := s.m.authenticator.HasJoined(ctx, name, serverHash, s.remoteIP)

	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.closing.Load() {
		return
	}
	s.suspended = false

	if err != nil {
		s.fail(protocol.NewError(protocol.KindAuth, "has joined", err))
		return
	}
	if err := s.finishLogin(profile); err != nil {
		s.fail(err)
		return
	}
	s.drain()
}

// finishLogin 下发压缩设置与登录成功并进入游戏阶段，调用方持有 inMu。
// SetCompression 以当前（可能已加密）的管线发出，之后才安装压缩阶段
func (s *Session) finishLogin(profile *auth.Profile) error {
	lf := s.login
	threshold := s.m.cfg.Protocol.Threshold()

	s.sendMu.Lock()
	err := s.completeLocked(profile, threshold)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}
	// 断开（关服或超时）可能已在等待 sendMu，此时不再入场
	if s.closing.Load() {
		return ErrClosed
	}

	lf.phase = phaseDone
	s.stopLoginTimer()
	s.m.perf.RecordLogin("success", time.Since(lf.started))
	s.m.audit.LogLoginSuccess(s.remoteIP, s.id, profile.Name, profile.ID.String(), s.m.authenticator != nil)
	s.logger.Info().
		Str("username", profile.Name).
		Str("uuid", profile.ID.String()).
		Int32("protocol", s.Protocol()).
		Strs("stages", s.pipe.Stages()).
		Msg("玩家登录成功")

	if !s.m.onLogin(s) {
		return ErrClosed
	}
	if interval := s.m.cfg.Protocol.KeepAliveInterval; interval > 0 {
		go s.keepAliveLoop(interval, s.m.cfg.Protocol.KeepAliveTimeout)
	}
	return nil
}

func (s *Session) completeLocked(profile *auth.Profile, threshold int) error {
	if threshold >= 0 {
		if err := s.writeLocked(&protocol.SetCompression{Threshold: int32(threshold)}); err != nil {
			return err
		}
		if err := s.pipe.EnableCompression(threshold); err != nil {
			return err
		}
	}
	if err := s.writeLocked(&protocol.LoginSuccess{
		UUID:       profile.ID,
		Username:   profile.Name,
		Properties: profile.Properties,
	}); err != nil {
		return err
	}
	s.profile.Store(profile)
	return s.transitionLocked(protocol.StatePlay)
}

func offlineProfile(name string) *auth.Profile {
	return &auth.Profile{ID: auth.OfflineUUID(name), Name: name}
}
