package protocol

// MaxVarIntLen 32 位值编码后的最大字节数
const MaxVarIntLen = 5

// PutVarInt 将 v 编码写入 buf，返回写入字节数。buf 至少需要 MaxVarIntLen 字节
func PutVarInt(buf []byte, v uint32) int {
	n := 0
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if v == 0 {
			return n
		}
	}
}

// AppendVarInt 追加编码后的 VarInt
func AppendVarInt(dst []byte, v uint32) []byte {
	var buf [MaxVarIntLen]byte
	n := PutVarInt(buf[:], v)
	return append(dst, buf[:n]...)
}

// VarIntSize 计算编码长度
func VarIntSize(v uint32) int {
	size := 1
	for v >>= 7; v != 0; v >>= 7 {
		size++
	}
	return size
}

// DecodeVarInt 从 b 的开头解码 VarInt，不消费任何数据。
// 数据不足时返回 ErrIncomplete；超过 5 字节未结束，或第 5 字节带有
// 32 位以外的数据位时返回帧错误
func DecodeVarInt(b []byte) (v uint32, n int, err error) {
	for n < MaxVarIntLen {
		if n >= len(b) {
			return 0, 0, ErrIncomplete
		}
		c := b[n]
		if n == MaxVarIntLen-1 && c&0x70 != 0 {
			break
		}
		v |= uint32(c&0x7F) << (7 * n)
		n++
		if c&0x80 == 0 {
			return v, n, nil
		}
	}
	return 0, 0, NewError(KindFraming, "decode varint", ErrVarIntTooBig)
}
