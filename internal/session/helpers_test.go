package session

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mc-conn-engine/internal/auth"
	"mc-conn-engine/internal/config"
	"mc-conn-engine/internal/pipeline"
	"mc-conn-engine/internal/protocol"
)

var (
	keysOnce  sync.Once
	testKeys  *auth.KeyPair
	keysErr   error
	clientSeq atomic.Int64
)

func serverKeys(t *testing.T) *auth.KeyPair {
	t.Helper()
	keysOnce.Do(func() { testKeys, keysErr = auth.GenerateKeyPair(1024) })
	if keysErr != nil {
		t.Fatalf("生成服务器密钥失败: %v", keysErr)
	}
	return testKeys
}

// memConn 记录会话写出的字节
type memConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	wrote  chan struct{}
}

func newMemConn() *memConn {
	return &memConn{wrote: make(chan struct{}, 1)}
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.buf.Write(p)
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *memConn) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return out
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recordingHandler 记录应用层回调
type recordingHandler struct {
	logins      chan *Session
	messages    chan protocol.Message
	disconnects chan error
	panicOn     protocol.Type
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		logins:      make(chan *Session, 4),
		messages:    make(chan protocol.Message, 16),
		disconnects: make(chan error, 4),
	}
}

func (h *recordingHandler) OnLogin(s *Session) { h.logins <- s }

func (h *recordingHandler) HandleMessage(_ *Session, msg protocol.Message) error {
	if h.panicOn != 0 && msg.Type() == h.panicOn {
		panic("boom")
	}
	h.messages <- msg
	return nil
}

func (h *recordingHandler) OnDisconnect(_ *Session, cause error) { h.disconnects <- cause }

func testConfig(modify func(c *config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Protocol.KeepAliveInterval = time.Hour
	cfg.Protocol.KeepAliveTimeout = 2 * time.Hour
	if modify != nil {
		modify(cfg)
	}
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, deps Deps) *Manager {
	t.Helper()
	if deps.Keys == nil {
		deps.Keys = serverKeys(t)
	}
	m, err := NewManager(cfg, zerolog.Nop(), deps)
	if err != nil {
		t.Fatalf("创建会话管理器失败: %v", err)
	}
	return m
}

// testClient 在测试中扮演客户端，使用独立的管线编解码
type testClient struct {
	t     *testing.T
	s     *Session
	conn  *memConn
	pipe  *pipeline.Pipeline
	reg   *protocol.Registry
	state protocol.State
}

func newTestClient(t *testing.T, m *Manager, version int32, hooks ...protocol.Hook) *testClient {
	t.Helper()
	reg, err := protocol.NewRegistry(version, hooks...)
	if err != nil {
		t.Fatalf("构建客户端注册表失败: %v", err)
	}
	conn := newMemConn()
	return &testClient{
		t:     t,
		s:     m.NewSession(fmt.Sprintf("test-%d", clientSeq.Add(1)), "127.0.0.1", conn, zerolog.Nop()),
		conn:  conn,
		pipe:  pipeline.New(pipeline.Config{MaxFrameSize: pipeline.MaxFrameSize}),
		reg:   reg,
		state: protocol.StateHandshake,
	}
}

// encode 按客户端当前管线编码一条消息
func (c *testClient) encode(msg protocol.Message) []byte {
	c.t.Helper()
	payload, err := c.reg.Encode(c.state, protocol.Serverbound, msg)
	if err != nil {
		c.t.Fatalf("编码 %s 失败: %v", msg.Type(), err)
	}
	wire, err := c.pipe.AppendEncoded(nil, payload)
	if err != nil {
		c.t.Fatalf("封帧 %s 失败: %v", msg.Type(), err)
	}
	return wire
}

// encodeRaw 发送任意 ID 的消息体
func (c *testClient) encodeRaw(id int32, body []byte) []byte {
	c.t.Helper()
	payload := protocol.AppendVarInt(nil, uint32(id))
	payload = append(payload, body...)
	wire, err := c.pipe.AppendEncoded(nil, payload)
	if err != nil {
		c.t.Fatalf("封帧失败: %v", err)
	}
	return wire
}

func (c *testClient) send(msg protocol.Message) error {
	return c.s.Feed(c.encode(msg))
}

// recv 解码下一条服务器消息，没有完整消息时返回 nil
func (c *testClient) recv() protocol.Message {
	c.t.Helper()
	if err := c.pipe.Feed(c.conn.take()); err != nil {
		c.t.Fatalf("客户端送入字节失败: %v", err)
	}
	payload, err := c.pipe.Next()
	if err != nil {
		c.t.Fatalf("客户端解帧失败: %v", err)
	}
	if payload == nil {
		return nil
	}
	msg, err := c.reg.Decode(c.state, protocol.Clientbound, payload)
	if err != nil {
		c.t.Fatalf("客户端解码失败: %v", err)
	}
	return msg
}

// mustRecv 等待下一条服务器消息
func (c *testClient) mustRecv() protocol.Message {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msg := c.recv(); msg != nil {
			return msg
		}
		select {
		case <-c.conn.wrote:
		case <-deadline:
			c.t.Fatal("等待服务器消息超时")
			return nil
		}
	}
}

func (c *testClient) handshake(version int32, next int32) {
	c.t.Helper()
	err := c.send(&protocol.Handshake{
		ProtocolVersion: version,
		ServerAddress:   "localhost",
		ServerPort:      25565,
		NextState:       next,
	})
	if err != nil {
		c.t.Fatalf("发送握手失败: %v", err)
	}
	switch next {
	case protocol.NextStateStatus:
		c.state = protocol.StateStatus
	case protocol.NextStateLogin:
		c.state = protocol.StateLogin
	}
}

// encryptionResponse 用服务器公钥加密共享密钥与令牌
func (c *testClient) encryptionResponse(pub *rsa.PublicKey, secret, token []byte) *protocol.EncryptionResponse {
	c.t.Helper()
	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		c.t.Fatalf("加密共享密钥失败: %v", err)
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, pub, token)
	if err != nil {
		c.t.Fatalf("加密令牌失败: %v", err)
	}
	return &protocol.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken}
}

// login 完成一次离线登录并进入游戏阶段
func (c *testClient) login(name string) {
	c.t.Helper()
	c.handshake(c.reg.Protocol(), protocol.NextStateLogin)
	if err := c.send(&protocol.LoginStart{Name: name}); err != nil {
		c.t.Fatalf("发送登录开始失败: %v", err)
	}
	req, ok := c.mustRecv().(*protocol.EncryptionRequest)
	if !ok {
		c.t.Fatal("期望收到加密请求")
	}
	secret := bytes.Repeat([]byte{0x42}, 16)
	wire := c.encode(c.encryptionResponse(c.s.m.keys.Public(), secret, req.VerifyToken))
	if err := c.pipe.EnableEncryption(secret); err != nil {
		c.t.Fatalf("客户端启用加密失败: %v", err)
	}
	if err := c.s.Feed(wire); err != nil {
		c.t.Fatalf("发送加密响应失败: %v", err)
	}
	c.finishLogin()
}

// finishLogin 读取压缩设置与登录成功
func (c *testClient) finishLogin() *protocol.LoginSuccess {
	c.t.Helper()
	msg := c.mustRecv()
	if sc, ok := msg.(*protocol.SetCompression); ok {
		if err := c.pipe.EnableCompression(int(sc.Threshold)); err != nil {
			c.t.Fatalf("客户端启用压缩失败: %v", err)
		}
		msg = c.mustRecv()
	}
	ls, ok := msg.(*protocol.LoginSuccess)
	if !ok {
		c.t.Fatalf("期望收到登录成功，实际为 %s", msg.Type())
	}
	c.state = protocol.StatePlay
	return ls
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("等待会话关闭超时")
	}
}
