package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/google/uuid"
)

// Reader 消息字段读取器，作用于一个已完整解帧、解压的消息体。
// 字段解码委托给 go-mc 的 packet 类型，长度与编码校验在读取前后进行
type Reader struct {
	buf []byte
	rd  *bytes.Reader
	// Protocol 客户端协议版本，用于版本相关字段
	Protocol int32
}

// NewReader 创建字段读取器
func NewReader(b []byte, protocol int32) *Reader {
	return &Reader{buf: b, rd: bytes.NewReader(b), Protocol: protocol}
}

// Remaining 剩余未读字节数
func (r *Reader) Remaining() int { return r.rd.Len() }

func (r *Reader) offset() int { return len(r.buf) - r.rd.Len() }

// field 读取一个 go-mc 字段，数据不足统一映射为 ErrTruncated
func (r *Reader) field(f io.ReaderFrom) error {
	if _, err := f.ReadFrom(r.rd); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// rewind 回到 off 处，供"先校验长度前缀、再整体解码"的字段使用
func (r *Reader) rewind(off int) error {
	_, err := r.rd.Seek(int64(off), io.SeekStart)
	return err
}

// ReadByte 实现 io.ByteReader
func (r *Reader) ReadByte() (byte, error) {
	c, err := r.rd.ReadByte()
	if err != nil {
		return 0, ErrTruncated
	}
	return c, nil
}

func (r *Reader) ReadVarInt() (int32, error) {
	// go-mc 容忍到第 6 字节，这里先按 5 字节上限和高位约束校验
	if _, _, err := DecodeVarInt(r.buf[r.offset():]); err != nil {
		if errors.Is(err, ErrIncomplete) {
			return 0, ErrTruncated
		}
		return 0, err
	}
	var v pk.VarInt
	if err := r.field(&v); err != nil {
		return 0, err
	}
	return int32(v), nil
}

func (r *Reader) ReadBool() (bool, error) {
	c, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	// pk.Boolean 把任意非零字节当作 true
	if c > 1 {
		return false, fmt.Errorf("invalid bool byte 0x%02X", c)
	}
	if err := r.rd.UnreadByte(); err != nil {
		return false, err
	}
	var v pk.Boolean
	if err := r.field(&v); err != nil {
		return false, err
	}
	return bool(v), nil
}

func (r *Reader) ReadUnsignedShort() (uint16, error) {
	var v pk.UnsignedShort
	err := r.field(&v)
	return uint16(v), err
}

func (r *Reader) ReadInt() (int32, error) {
	var v pk.Int
	err := r.field(&v)
	return int32(v), err
}

func (r *Reader) ReadLong() (int64, error) {
	var v pk.Long
	err := r.field(&v)
	return int64(v), err
}

func (r *Reader) ReadFloat() (float32, error) {
	var v pk.Float
	err := r.field(&v)
	return float32(v), err
}

func (r *Reader) ReadDouble() (float64, error) {
	var v pk.Double
	err := r.field(&v)
	return float64(v), err
}

// prefixed 校验长度前缀在 [0, max] 内且数据足够，然后回到前缀处
func (r *Reader) prefixed(max int, what string) error {
	start := r.offset()
	n, err := r.ReadVarInt()
	if err != nil {
		return err
	}
	if n < 0 || int(n) > max {
		return fmt.Errorf("%s length %d out of range (max %d)", what, n, max)
	}
	if int(n) > r.Remaining() {
		return ErrTruncated
	}
	return r.rewind(start)
}

// ReadString 读取长度前缀字符串，maxLen 为最大字符数
func (r *Reader) ReadString(maxLen int) (string, error) {
	if err := r.prefixed(maxLen*4, "string"); err != nil {
		return "", err
	}
	var s pk.String
	if err := r.field(&s); err != nil {
		return "", err
	}
	if !utf8.ValidString(string(s)) {
		return "", fmt.Errorf("string is not valid utf-8")
	}
	if utf8.RuneCountInString(string(s)) > maxLen {
		return "", fmt.Errorf("string longer than %d characters", maxLen)
	}
	return string(s), nil
}

// ReadByteArray 读取长度前缀字节数组，返回的切片不与消息体共享内存
func (r *Reader) ReadByteArray(maxLen int) ([]byte, error) {
	if err := r.prefixed(maxLen, "byte array"); err != nil {
		return nil, err
	}
	var b pk.ByteArray
	if err := r.field(&b); err != nil {
		return nil, err
	}
	if b == nil {
		b = pk.ByteArray{}
	}
	return []byte(b), nil
}

func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var id pk.UUID
	if err := r.field(&id); err != nil {
		return uuid.Nil, err
	}
	return uuid.UUID(id), nil
}

// ReadRest 读取剩余全部字节
func (r *Reader) ReadRest() []byte {
	out := make([]byte, r.rd.Len())
	_, _ = io.ReadFull(r.rd, out)
	return out
}

// Writer 消息字段写入器，字段编码委托给 go-mc 的 packet 类型
type Writer struct {
	buf      bytes.Buffer
	Protocol int32
}

// NewWriter 创建字段写入器
func NewWriter(protocol int32) *Writer {
	w := &Writer{Protocol: protocol}
	w.buf.Grow(64)
	return w
}

// Bytes 返回已写入的数据
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len 已写入字节数
func (w *Writer) Len() int { return w.buf.Len() }

// field 写入 bytes.Buffer 不会失败
func (w *Writer) field(f io.WriterTo) {
	_, _ = f.WriteTo(&w.buf)
}

func (w *Writer) WriteByte(c byte) error {
	return w.buf.WriteByte(c)
}

func (w *Writer) WriteVarInt(v int32)         { w.field(pk.VarInt(v)) }
func (w *Writer) WriteBool(v bool)            { w.field(pk.Boolean(v)) }
func (w *Writer) WriteUnsignedShort(v uint16) { w.field(pk.UnsignedShort(v)) }
func (w *Writer) WriteInt(v int32)            { w.field(pk.Int(v)) }
func (w *Writer) WriteLong(v int64)           { w.field(pk.Long(v)) }
func (w *Writer) WriteFloat(v float32)        { w.field(pk.Float(v)) }
func (w *Writer) WriteDouble(v float64)       { w.field(pk.Double(v)) }
func (w *Writer) WriteString(s string)        { w.field(pk.String(s)) }
func (w *Writer) WriteByteArray(b []byte)     { w.field(pk.ByteArray(b)) }
func (w *Writer) WriteUUID(id uuid.UUID)      { w.field(pk.UUID(id)) }

// Write 实现 io.Writer，直接追加原始字节
func (w *Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}
