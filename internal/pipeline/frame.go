package pipeline

import (
	"errors"

	"mc-conn-engine/internal/protocol"
)

// MaxFrameSize 协议允许的最大帧长度（3 字节 VarInt 上限）
const MaxFrameSize = 2097151

// FrameDecoder 增量解帧器，可接受任意切分的输入
type FrameDecoder struct {
	buf      []byte
	off      int
	maxFrame int
}

// NewFrameDecoder 创建解帧器，maxFrame <= 0 时使用 MaxFrameSize
func NewFrameDecoder(maxFrame int) *FrameDecoder {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &FrameDecoder{maxFrame: maxFrame}
}

// Write 追加收到的字节
func (d *FrameDecoder) Write(p []byte) {
	if d.off > 0 && d.off >= len(d.buf)-d.off {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered 尚未消费的字节数
func (d *FrameDecoder) Buffered() int { return len(d.buf) - d.off }

// Tail 返回尚未消费的字节，调用方可以原地修改（用于补解密）
func (d *FrameDecoder) Tail() []byte { return d.buf[d.off:] }

// Next 取出一个完整帧的负载，数据不足时返回 nil, nil。
// 返回的切片在下一次 Write 之前有效
func (d *FrameDecoder) Next() ([]byte, error) {
	rest := d.buf[d.off:]
	length, n, err := protocol.DecodeVarInt(rest)
	if err != nil {
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil, nil
		}
		return nil, err
	}
	if length < 1 || int(length) > d.maxFrame {
		return nil, protocol.Errorf(protocol.KindFraming, "decode frame", "frame length %d out of range [1, %d]", length, d.maxFrame)
	}
	end := n + int(length)
	if len(rest) < end {
		return nil, nil
	}
	payload := rest[n:end:end]
	d.off += end
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return payload, nil
}

// Reset 丢弃缓冲
func (d *FrameDecoder) Reset() {
	d.buf = nil
	d.off = 0
}

// AppendFrame 追加 varint(len) ++ payload
func AppendFrame(dst, payload []byte) []byte {
	dst = protocol.AppendVarInt(dst, uint32(len(payload)))
	return append(dst, payload...)
}
