package pipeline

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/Tnze/go-mc/net/CFB8"

	"mc-conn-engine/internal/protocol"
)

// SecretSize 共享密钥长度（AES-128）
const SecretSize = 16

// Cipher AES/CFB8 加密阶段，密钥与 IV 都是共享密钥，两个方向各自独立
type Cipher struct {
	enc cipher.Stream
	dec cipher.Stream
}

// NewCipher 由共享密钥创建加密阶段
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) != SecretSize {
		return nil, protocol.Errorf(protocol.KindCrypto, "new cipher", "shared secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, protocol.NewError(protocol.KindCrypto, "new cipher", err)
	}
	return &Cipher{
		enc: CFB8.NewCFB8Encrypt(block, secret),
		dec: CFB8.NewCFB8Decrypt(block, secret),
	}, nil
}

func (*Cipher) Name() string { return "cipher" }

// Encode 原地加密出站字节
func (c *Cipher) Encode(b []byte) { c.enc.XORKeyStream(b, b) }

// Decode 原地解密入站字节
func (c *Cipher) Decode(b []byte) { c.dec.XORKeyStream(b, b) }
