package session

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/protocol"
)

func TestLoginOfflineReachesPlay(t *testing.T) {
	for _, version := range []int32{protocol.Version1_18_2, protocol.Version1_19, protocol.Version1_19_2} {
		t.Run(fmt.Sprint(version), func(t *testing.T) {
			handler := newRecordingHandler()
			m := newTestManager(t, testConfig(nil), Deps{Handler: handler})
			c := newTestClient(t, m, version)

			c.handshake(version, protocol.NextStateLogin)
			if c.s.State() != protocol.StateLogin {
				t.Fatalf("握手后应进入登录阶段，实际为 %s", c.s.State())
			}
			if err := c.send(&protocol.LoginStart{Name: "Alex"}); err != nil {
				t.Fatalf("发送登录开始失败: %v", err)
			}

			req, ok := c.mustRecv().(*protocol.EncryptionRequest)
			if !ok {
				t.Fatal("期望收到加密请求")
			}
			if len(req.VerifyToken) != 16 {
				t.Errorf("校验令牌应为 16 字节，实际为 %d", len(req.VerifyToken))
			}
			if !bytes.Equal(req.PublicKey, m.keys.PublicDER()) {
				t.Error("加密请求中的公钥应为服务器公钥")
			}

			secret := bytes.Repeat([]byte{0x07}, 16)
			wire := c.encode(c.encryptionResponse(m.keys.Public(), secret, req.VerifyToken))
			if err := c.pipe.EnableEncryption(secret); err != nil {
				t.Fatalf("客户端启用加密失败: %v", err)
			}
			if err := c.s.Feed(wire); err != nil {
				t.Fatalf("发送加密响应失败: %v", err)
			}

			sc, ok := c.mustRecv().(*protocol.SetCompression)
			if !ok {
				t.Fatal("加密后第一条消息应为压缩设置")
			}
			if sc.Threshold != 256 {
				t.Errorf("期望压缩阈值 256，实际为 %d", sc.Threshold)
			}
			if err := c.pipe.EnableCompression(int(sc.Threshold)); err != nil {
				t.Fatalf("客户端启用压缩失败: %v", err)
			}

			ls, ok := c.mustRecv().(*protocol.LoginSuccess)
			if !ok {
				t.Fatal("期望收到登录成功")
			}
			if ls.Username != "Alex" || ls.UUID != auth.OfflineUUID("Alex") {
				t.Errorf("登录成功内容不正确: %s %s", ls.Username, ls.UUID)
			}

			if c.s.State() != protocol.StatePlay {
				t.Errorf("期望进入游戏阶段，实际为 %s", c.s.State())
			}
			if got := c.s.Stages(); !slices.Equal(got, []string{"cipher", "framer", "compression"}) {
				t.Errorf("管线阶段不正确: %v", got)
			}
			if c.s.Protocol() != version {
				t.Errorf("期望协议版本 %d，实际为 %d", version, c.s.Protocol())
			}
			select {
			case s := <-handler.logins:
				if s.Profile().Name != "Alex" {
					t.Errorf("档案名不正确: %s", s.Profile().Name)
				}
			default:
				t.Error("应通知应用层登录")
			}
			if m.Online() != 1 {
				t.Errorf("期望在线人数 1，实际为 %d", m.Online())
			}
		})
	}
}

func TestLoginChunkedInput(t *testing.T) {
	m := newTestManager(t, testConfig(nil), Deps{})
	c := newTestClient(t, m, protocol.Version1_18_2)

	wire := c.encode(&protocol.Handshake{
		ProtocolVersion: protocol.Version1_18_2,
		ServerAddress:   "localhost",
		ServerPort:      25565,
		NextState:       protocol.NextStateLogin,
	})
	c.state = protocol.StateLogin
	wire = append(wire, c.encode(&protocol.LoginStart{Name: "Alex"})...)

	// 逐字节送入
	for i := range wire {
		if err := c.s.Feed(wire[i : i+1]); err != nil {
			t.Fatalf("第 %d 字节送入失败: %v", i, err)
		}
	}
	if _, ok := c.mustRecv().(*protocol.EncryptionRequest); !ok {
		t.Error("逐字节送入后应收到加密请求")
	}
}

func TestLoginWrongToken(t *testing.T) {
	handler := newRecordingHandler()
	m := newTestManager(t, testConfig(nil), Deps{Handler: handler})
	c := newTestClient(t, m, protocol.Version1_18_2)

	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
	if err := c.send(&protocol.LoginStart{Name: "Alex"}); err != nil {
		t.Fatalf("发送登录开始失败: %v", err)
	}
	req := c.mustRecv().(*protocol.EncryptionRequest)

	wrong := bytes.Clone(req.VerifyToken)
	wrong[0] ^= 0xFF
	secret := bytes.Repeat([]byte{0x01}, 16)
	if err := c.send(c.encryptionResponse(m.keys.Public(), secret, wrong)); err == nil {
		t.Fatal("令牌不匹配应返回错误")
	}
	waitDone(t, c.s)

	// 只应收到明文的登录断开，没有压缩设置和登录成功
	ld, ok := c.recv().(*protocol.LoginDisconnect)
	if !ok {
		t.Fatal("期望收到登录断开")
	}
	if ld.Reason.Text != m.messages.AuthFailed {
		t.Errorf("断开原因不正确: %q", ld.Reason.Text)
	}
	if msg := c.recv(); msg != nil {
		t.Errorf("断开后不应再有消息，实际收到 %s", msg.Type())
	}
	if c.s.State() == protocol.StatePlay {
		t.Error("校验失败的连接不应进入游戏阶段")
	}
	if !c.conn.isClosed() {
		t.Error("连接应被关闭")
	}
	if len(handler.logins) != 0 {
		t.Error("不应通知应用层登录")
	}
	if m.Count() != 0 {
		t.Errorf("关闭后会话数应为 0，实际为 %d", m.Count())
	}
}

func TestLoginInvalidUsername(t *testing.T) {
	m := newTestManager(t, testConfig(nil), Deps{})
	c := newTestClient(t, m, protocol.Version1_18_2)

	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
	if err := c.send(&protocol.LoginStart{Name: "bad name!"}); err == nil {
		t.Fatal("非法用户名应返回错误")
	}
	waitDone(t, c.s)

	ld, ok := c.recv().(*protocol.LoginDisconnect)
	if !ok {
		t.Fatal("期望收到登录断开")
	}
	if ld.Reason.Text != m.messages.InvalidUsername {
		t.Errorf("断开原因不正确: %q", ld.Reason.Text)
	}
}

func TestLoginUnsupportedVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int32
		want    func(m config.MessagesConfig) string
	}{
		{"客户端过旧", 47, func(m config.MessagesConfig) string { return m.OutdatedClient }},
		{"客户端过新", 800, func(m config.MessagesConfig) string { return m.OutdatedServer }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, testConfig(nil), Deps{})
			c := newTestClient(t, m, protocol.Version1_18_2)

			err := c.send(&protocol.Handshake{
				ProtocolVersion: tt.version,
				ServerAddress:   "localhost",
				ServerPort:      25565,
				NextState:       protocol.NextStateLogin,
			})
			if err == nil {
				t.Fatal("不支持的版本应返回错误")
			}
			c.state = protocol.StateLogin
			waitDone(t, c.s)

			ld, ok := c.recv().(*protocol.LoginDisconnect)
			if !ok {
				t.Fatal("期望收到登录断开")
			}
			if ld.Reason.Text != tt.want(m.messages) {
				t.Errorf("断开原因不正确: %q", ld.Reason.Text)
			}
		})
	}
}

func TestLoginWithoutEncryption(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		stages    []string
	}{
		{"关闭压缩", -1, []string{"framer"}},
		{"开启压缩", 64, []string{"framer", "compression"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(func(c *config.Config) {
				off := false
				threshold := tt.threshold
				c.Protocol.Encryption = &off
				c.Protocol.CompressionThreshold = &threshold
			})
			m := newTestManager(t, cfg, Deps{})
			c := newTestClient(t, m, protocol.Version1_19)

			c.handshake(protocol.Version1_19, protocol.NextStateLogin)
			if err := c.send(&protocol.LoginStart{Name: "Steve"}); err != nil {
				t.Fatalf("发送登录开始失败: %v", err)
			}
			ls := c.finishLogin()
			if ls.Username != "Steve" {
				t.Errorf("用户名不正确: %s", ls.Username)
			}
			if got := c.s.Stages(); !slices.Equal(got, tt.stages) {
				t.Errorf("期望管线阶段 %v，实际为 %v", tt.stages, got)
			}
		})
	}
}

func TestLoginUnknownMessageIsFatal(t *testing.T) {
	m := newTestManager(t, testConfig(nil), Deps{})
	c := newTestClient(t, m, protocol.Version1_18_2)

	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
	if err := c.s.Feed(c.encodeRaw(0x7F, nil)); err == nil {
		t.Fatal("登录阶段的未知消息应返回错误")
	}
	waitDone(t, c.s)

	ld, ok := c.recv().(*protocol.LoginDisconnect)
	if !ok {
		t.Fatal("期望收到登录断开")
	}
	if ld.Reason.Text != m.messages.IllegalState {
		t.Errorf("断开原因不正确: %q", ld.Reason.Text)
	}
}

func TestLoginOutOfOrder(t *testing.T) {
	m := newTestManager(t, testConfig(nil), Deps{})
	c := newTestClient(t, m, protocol.Version1_18_2)

	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
	// 未发送登录开始就发送加密响应
	resp := &protocol.EncryptionResponse{SharedSecret: []byte{1}, VerifyToken: []byte{2}}
	if err := c.send(resp); err == nil {
		t.Fatal("乱序的加密响应应返回错误")
	}
	waitDone(t, c.s)
}

func TestLoginTimeout(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Protocol.LoginTimeout = 20 * time.Millisecond })
	m := newTestManager(t, cfg, Deps{})
	c := newTestClient(t, m, protocol.Version1_18_2)

	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
	waitDone(t, c.s)

	ld, ok := c.recv().(*protocol.LoginDisconnect)
	if !ok {
		t.Fatal("期望收到登录断开")
	}
	if ld.Reason.Text != m.messages.LoginTimeout {
		t.Errorf("断开原因不正确: %q", ld.Reason.Text)
	}
}

// 断开已置位 closing、正等待 sendMu 时完成登录，不能留下在线玩家
func TestLoginFinishAfterDisconnectStarted(t *testing.T) {
	handler := newRecordingHandler()
	m := newTestManager(t, testConfig(nil), Deps{Handler: handler})
	c := newTestClient(t, m, protocol.Version1_18_2)
	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)

	c.s.inMu.Lock()
	c.s.closing.Store(true)
	err := c.s.finishLogin(offlineProfile("Alex"))
	c.s.inMu.Unlock()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("期望 ErrClosed，实际 %v", err)
	}

	// 断开方继续完成关闭
	c.s.Close(errLoginTimeout)
	waitDone(t, c.s)

	if got := m.Online(); got != 0 {
		t.Errorf("在线人数期望 0，实际 %d", got)
	}
	if len(handler.logins) != 0 || len(handler.disconnects) != 0 {
		t.Errorf("OnLogin/OnDisconnect 不应调用，实际 %d/%d", len(handler.logins), len(handler.disconnects))
	}
}

// 登录计时器在入站处理进行中触发时，须等待其完成再判断状态
func TestLoginTimeoutDuringFinish(t *testing.T) {
	handler := newRecordingHandler()
	m := newTestManager(t, testConfig(nil), Deps{Handler: handler})
	c := newTestClient(t, m, protocol.Version1_18_2)
	c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)

	fired := make(chan struct{})
	c.s.inMu.Lock()
	go func() {
		c.s.onLoginTimeout()
		close(fired)
	}()
	err := c.s.finishLogin(offlineProfile("Alex"))
	c.s.inMu.Unlock()
	if err != nil {
		t.Fatalf("完成登录失败: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("等待超时回调返回超时")
	}
	if c.s.closing.Load() {
		t.Fatal("登录完成后触发的超时不应断开会话")
	}
	if got := m.Online(); got != 1 {
		t.Errorf("在线人数期望 1，实际 %d", got)
	}
	<-handler.logins

	c.s.Disconnect("bye")
	waitDone(t, c.s)
	if got := m.Online(); got != 0 {
		t.Errorf("断开后在线人数期望 0，实际 %d", got)
	}
	if len(handler.disconnects) != 1 {
		t.Errorf("OnDisconnect 应恰好调用一次，实际 %d", len(handler.disconnects))
	}
}

// 关服与加密响应并发时，OnLogin 与 OnDisconnect 必须成对
func TestLoginShutdownConcurrentWithEncryption(t *testing.T) {
	for i := 0; i < 20; i++ {
		handler := newRecordingHandler()
		m := newTestManager(t, testConfig(nil), Deps{Handler: handler})
		c := newTestClient(t, m, protocol.Version1_18_2)

		c.handshake(protocol.Version1_18_2, protocol.NextStateLogin)
		if err := c.send(&protocol.LoginStart{Name: "Alex"}); err != nil {
			t.Fatalf("发送登录开始失败: %v", err)
		}
		req, ok := c.mustRecv().(*protocol.EncryptionRequest)
		if !ok {
			t.Fatal("期望收到加密请求")
		}
		secret := bytes.Repeat([]byte{0x42}, 16)
		wire := c.encode(c.encryptionResponse(m.keys.Public(), secret, req.VerifyToken))

		fed := make(chan struct{})
		go func() {
			_ = c.s.Feed(wire)
			close(fed)
		}()
		m.Shutdown()
		<-fed
		waitDone(t, c.s)

		if got := m.Online(); got != 0 {
			t.Fatalf("第 %d 轮：在线人数期望 0，实际 %d", i, got)
		}
		if len(handler.logins) != len(handler.disconnects) {
			t.Fatalf("第 %d 轮：OnLogin %d 次，OnDisconnect %d 次", i, len(handler.logins), len(handler.disconnects))
		}
	}
}

// playerKeyLogin 构造携带 1.19 玩家公钥的登录开始
func playerKeyLogin(t *testing.T, expires time.Time) (*rsa.PrivateKey, *protocol.LoginStart) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("生成玩家密钥失败: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("编码玩家公钥失败: %v", err)
	}
	return key, &protocol.LoginStart{
		Name: "Steve",
		SigData: &protocol.SignatureData{
			Expires:   expires.UnixMilli(),
			PublicKey: der,
			Signature: []byte{0x01},
		},
	}
}

func signSalt(t *testing.T, key *rsa.PrivateKey, token []byte, salt int64) []byte {
	t.Helper()
	h := sha256.New()
	h.Write(token)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(salt))
	h.Write(b[:])
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h.Sum(nil))
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	return sig
}

func TestLoginSaltSignature(t *testing.T) {
	tests := []struct {
		name    string
		tamper  bool
		wantErr bool
	}{
		{"签名正确", false, false},
		{"签名错误", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, testConfig(nil), Deps{})
			c := newTestClient(t, m, protocol.Version1_19)

			c.handshake(protocol.Version1_19, protocol.NextStateLogin)
			key, start := playerKeyLogin(t, time.Now().Add(time.Hour))
			if err := c.send(start); err != nil {
				t.Fatalf("发送登录开始失败: %v", err)
			}
			req := c.mustRecv().(*protocol.EncryptionRequest)

			secret := bytes.Repeat([]byte{0x09}, 16)
			encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, m.keys.Public(), secret)
			if err != nil {
				t.Fatalf("加密共享密钥失败: %v", err)
			}
			const salt int64 = 0x1122334455667788
			sig := signSalt(t, key, req.VerifyToken, salt)
			if tt.tamper {
				sig[0] ^= 0xFF
			}
			wire := c.encode(&protocol.EncryptionResponse{
				SharedSecret: encSecret,
				Signed:       true,
				Salt:         salt,
				Signature:    sig,
			})

			if tt.wantErr {
				if err := c.s.Feed(wire); err == nil {
					t.Fatal("错误的签名应返回错误")
				}
				waitDone(t, c.s)
				if _, ok := c.recv().(*protocol.LoginDisconnect); !ok {
					t.Error("期望收到登录断开")
				}
				return
			}

			if err := c.pipe.EnableEncryption(secret); err != nil {
				t.Fatalf("客户端启用加密失败: %v", err)
			}
			if err := c.s.Feed(wire); err != nil {
				t.Fatalf("发送加密响应失败: %v", err)
			}
			c.finishLogin()
			if c.s.State() != protocol.StatePlay {
				t.Errorf("期望进入游戏阶段，实际为 %s", c.s.State())
			}
		})
	}
}

func TestLoginExpiredPlayerKey(t *testing.T) {
	m := newTestManager(t, testConfig(nil), Deps{})
	c := newTestClient(t, m, protocol.Version1_19)

	c.handshake(protocol.Version1_19, protocol.NextStateLogin)
	_, start := playerKeyLogin(t, time.Now().Add(-time.Minute))
	if err := c.send(start); err == nil {
		t.Fatal("过期的玩家公钥应返回错误")
	}
	waitDone(t, c.s)

	ld, ok := c.recv().(*protocol.LoginDisconnect)
	if !ok {
		t.Fatal("期望收到登录断开")
	}
	if ld.Reason.Text != m.messages.AuthFailed {
		t.Errorf("断开原因不正确: %q", ld.Reason.Text)
	}
}

// fakeAuthenticator 阻塞直到测试给出结果
type fakeAuthenticator struct {
	result chan error

	username   string
	serverHash string
	ip         string
}

func (f *fakeAuthenticator) HasJoined(ctx context.Context, username, serverHash, ip string) (*auth.Profile, error) {
	f.username, f.serverHash, f.ip = username, serverHash, ip
	select {
	case err := <-f.result:
		if err != nil {
			return nil, err
		}
		return &auth.Profile{
			ID:   uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5"),
			Name: "Notch",
			Properties: []protocol.Property{
				{Name: "textures", Value: "e30=", Signature: "c2ln"},
			},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLoginOnline(t *testing.T) {
	tests := []struct {
		name    string
		result  error
		wantErr bool
	}{
		{"验证通过", nil, false},
		{"验证失败", auth.ErrNotAuthenticated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAuthenticator{result: make(chan error)}
			handler := newRecordingHandler()
			cfg := testConfig(func(c *config.Config) { c.Auth.OnlineMode = true })
			m := newTestManager(t, cfg, Deps{Authenticator: fa, Handler: handler})
			c := newTestClient(t, m, protocol.Version1_19_2)

			c.handshake(protocol.Version1_19_2, protocol.NextStateLogin)
			if err := c.send(&protocol.LoginStart{Name: "Notch"}); err != nil {
				t.Fatalf("发送登录开始失败: %v", err)
			}
			req := c.mustRecv().(*protocol.EncryptionRequest)

			secret := bytes.Repeat([]byte{0x5A}, 16)
			wire := c.encode(c.encryptionResponse(m.keys.Public(), secret, req.VerifyToken))
			if err := c.pipe.EnableEncryption(secret); err != nil {
				t.Fatalf("客户端启用加密失败: %v", err)
			}
			if err := c.s.Feed(wire); err != nil {
				t.Fatalf("发送加密响应失败: %v", err)
			}

			// 外部验证完成前停留在登录阶段，不下发任何消息
			if c.s.State() != protocol.StateLogin {
				t.Errorf("验证完成前应停留在登录阶段，实际为 %s", c.s.State())
			}
			if msg := c.recv(); msg != nil {
				t.Errorf("验证完成前不应下发消息，实际收到 %s", msg.Type())
			}

			fa.result <- tt.result

			if fa.username != "Notch" || fa.ip != "127.0.0.1" {
				t.Errorf("验证参数不正确: %s %s", fa.username, fa.ip)
			}
			if want := auth.ServerHash("", secret, m.keys.PublicDER()); fa.serverHash != want {
				t.Errorf("服务器哈希不正确: %s != %s", fa.serverHash, want)
			}

			if tt.wantErr {
				waitDone(t, c.s)
				ld, ok := c.mustRecv().(*protocol.LoginDisconnect)
				if !ok {
					t.Fatal("期望收到加密的登录断开")
				}
				if ld.Reason.Text != m.messages.AuthFailed {
					t.Errorf("断开原因不正确: %q", ld.Reason.Text)
				}
				if c.s.State() == protocol.StatePlay || len(handler.logins) != 0 {
					t.Error("验证失败的连接不应进入游戏阶段")
				}
				return
			}

			select {
			case <-handler.logins:
			case <-time.After(2 * time.Second):
				t.Fatal("等待登录完成超时")
			}
			ls := c.finishLogin()
			if ls.Username != "Notch" || ls.UUID.String() != "069a79f4-44e9-4726-a5be-fca90e38aaf5" {
				t.Errorf("登录成功应使用会话服务器返回的档案: %s %s", ls.Username, ls.UUID)
			}
			if len(ls.Properties) != 1 || ls.Properties[0].Name != "textures" {
				t.Errorf("档案属性不正确: %+v", ls.Properties)
			}
		})
	}
}
