package pipeline

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"mc-conn-engine/internal/protocol"
)

// DefaultMaxUncompressedSize 解压后允许的最大长度
const DefaultMaxUncompressedSize = 8 * 1024 * 1024

var writerPool = sync.Pool{
	New: func() any {
		w, _ := zlib.NewWriterLevel(nil, zlib.DefaultCompression)
		return w
	},
}

var readerPool sync.Pool

// sliceWriter 将写入追加到切片
type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// Compression 压缩阶段。阈值以下原样发送（前缀 0），否则 zlib 压缩
type Compression struct {
	threshold       int
	maxUncompressed int
}

// NewCompression 创建压缩阶段
func NewCompression(threshold, maxUncompressed int) *Compression {
	if maxUncompressed <= 0 {
		maxUncompressed = DefaultMaxUncompressedSize
	}
	return &Compression{threshold: threshold, maxUncompressed: maxUncompressed}
}

func (*Compression) Name() string { return "compression" }

// Threshold 压缩阈值
func (c *Compression) Threshold() int { return c.threshold }

// Encode 追加压缩格式的帧体
func (c *Compression) Encode(dst, payload []byte) ([]byte, error) {
	if len(payload) < c.threshold {
		dst = append(dst, 0x00)
		return append(dst, payload...), nil
	}

	dst = protocol.AppendVarInt(dst, uint32(len(payload)))
	sw := &sliceWriter{b: dst}
	zw := writerPool.Get().(*zlib.Writer)
	defer writerPool.Put(zw)
	zw.Reset(sw)
	if _, err := zw.Write(payload); err != nil {
		return dst, protocol.NewError(protocol.KindCompression, "deflate", err)
	}
	if err := zw.Close(); err != nil {
		return dst, protocol.NewError(protocol.KindCompression, "deflate", err)
	}
	return sw.b, nil
}

// Decode 还原帧体为消息体
func (c *Compression) Decode(frame []byte) ([]byte, error) {
	declared, n, err := protocol.DecodeVarInt(frame)
	if err != nil {
		return nil, protocol.NewError(protocol.KindCompression, "read data length", err)
	}
	body := frame[n:]
	if declared == 0 {
		return body, nil
	}
	if int64(declared) > int64(c.maxUncompressed) {
		return nil, protocol.Errorf(protocol.KindCompression, "inflate", "declared length %d exceeds %d", declared, c.maxUncompressed)
	}
	if int(declared) < c.threshold {
		return nil, protocol.Errorf(protocol.KindCompression, "inflate", "declared length %d below threshold %d", declared, c.threshold)
	}

	zr, err := c.reader(body)
	if err != nil {
		return nil, protocol.NewError(protocol.KindCompression, "inflate", err)
	}
	defer func() {
		_ = zr.Close()
		readerPool.Put(zr)
	}()

	out := make([]byte, declared)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, protocol.Errorf(protocol.KindCompression, "inflate", "inflated less than declared %d bytes: %v", declared, err)
	}
	// 解压结果不能比声明的更长
	var extra [1]byte
	if m, err := zr.Read(extra[:]); m > 0 || (err != nil && !errors.Is(err, io.EOF)) {
		return nil, protocol.Errorf(protocol.KindCompression, "inflate", "inflated length differs from declared %d", declared)
	}
	return out, nil
}

func (c *Compression) reader(body []byte) (io.ReadCloser, error) {
	src := bytes.NewReader(body)
	if v := readerPool.Get(); v != nil {
		zr := v.(io.ReadCloser)
		if err := zr.(zlib.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		return zr, nil
	}
	return zlib.NewReader(src)
}
