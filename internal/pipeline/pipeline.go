package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"mc-conn-engine/internal/protocol"
)

// StreamStage 作用于原始字节流的阶段（位于解帧之前），原地变换
type StreamStage interface {
	Name() string
	Encode(b []byte)
	Decode(b []byte)
}

// FrameStage 作用于单个帧体的阶段（位于解帧之后）
type FrameStage interface {
	Name() string
	Encode(dst, payload []byte) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
}

// Config 管线参数
type Config struct {
	MaxFrameSize        int
	MaxUncompressedSize int
}

// Pipeline 一个连接的编解码管线。
// 线路顺序为 stream 阶段、解帧、frame 阶段，出站方向相反。
// 阶段只能在帧边界（两次 Next 之间）追加，不可移除
type Pipeline struct {
	mu     sync.Mutex
	cfg    Config
	framer *FrameDecoder
	stream []StreamStage
	frame  []FrameStage

	cipher      *Cipher
	compression *Compression

	scratch  []byte
	released bool
}

// New 创建只有解帧阶段的管线
func New(cfg Config) *Pipeline {
	if cfg.MaxUncompressedSize <= 0 {
		cfg.MaxUncompressedSize = DefaultMaxUncompressedSize
	}
	return &Pipeline{
		cfg:    cfg,
		framer: NewFrameDecoder(cfg.MaxFrameSize),
	}
}

// Feed 送入从套接字读到的原始字节，b 不会被修改
func (p *Pipeline) Feed(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return errReleased
	}
	start := p.framer.Buffered()
	p.framer.Write(b)
	fresh := p.framer.Tail()[start:]
	for _, s := range p.stream {
		s.Decode(fresh)
	}
	return nil
}

// Next 取出下一条完整的消息体，数据不足时返回 nil, nil
func (p *Pipeline) Next() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, errReleased
	}
	payload, err := p.framer.Next()
	if err != nil || payload == nil {
		return nil, err
	}
	for _, s := range p.frame {
		if payload, err = s.Decode(payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Buffered 尚未成帧的字节数
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framer.Buffered()
}

// AppendEncoded 将消息体编码为线路字节追加到 dst
func (p *Pipeline) AppendEncoded(dst, payload []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return dst, errReleased
	}

	body := payload
	for i := len(p.frame) - 1; i >= 0; i-- {
		out, err := p.frame[i].Encode(p.scratch[:0], body)
		if err != nil {
			return dst, err
		}
		p.scratch = out
		body = out
	}

	start := len(dst)
	dst = AppendFrame(dst, body)
	for i := len(p.stream) - 1; i >= 0; i-- {
		p.stream[i].Encode(dst[start:])
	}
	return dst, nil
}

// EnableEncryption 安装加密阶段，只能调用一次。
// 已缓冲但尚未成帧的字节是对端切换加密之后发出的，一并补解密
func (p *Pipeline) EnableEncryption(secret []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return errReleased
	}
	if p.cipher != nil {
		return protocol.Errorf(protocol.KindIllegalState, "enable encryption", "encryption already enabled")
	}
	c, err := NewCipher(secret)
	if err != nil {
		return err
	}
	c.Decode(p.framer.Tail())
	p.cipher = c
	p.stream = append(p.stream, c)
	return nil
}

// EnableCompression 安装压缩阶段，只能调用一次
func (p *Pipeline) EnableCompression(threshold int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return errReleased
	}
	if threshold < 0 {
		return fmt.Errorf("compression threshold %d is negative", threshold)
	}
	if p.compression != nil {
		return protocol.Errorf(protocol.KindIllegalState, "enable compression", "compression already enabled")
	}
	p.compression = NewCompression(threshold, p.cfg.MaxUncompressedSize)
	p.frame = append(p.frame, p.compression)
	return nil
}

// Encrypted 是否已启用加密
func (p *Pipeline) Encrypted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cipher != nil
}

// Compressed 是否已启用压缩
func (p *Pipeline) Compressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compression != nil
}

// Stages 按线路顺序列出阶段名
func (p *Pipeline) Stages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.stream)+1+len(p.frame))
	for _, s := range p.stream {
		names = append(names, s.Name())
	}
	names = append(names, "framer")
	for _, s := range p.frame {
		names = append(names, s.Name())
	}
	return names
}

// Release 释放缓冲与密钥流，之后所有操作返回错误
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.framer.Reset()
	p.stream = nil
	p.frame = nil
	p.cipher = nil
	p.compression = nil
	p.scratch = nil
}

var errReleased = errors.New("pipeline released")
